package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/maferick/corpaudit/internal/cron"
)

// clearEnv unsets every variable Load reads so defaults apply.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, SchedulePrefix) {
			t.Setenv(name, "")
		}
	}
	for _, name := range []string{
		"STORE_DRIVER", "DATABASE_URL", "REDIS_ADDR", "HTTP_ADDR", "PORT", "LOG_MODE",
		"TICK_INTERVAL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME",
		"DB_CONN_MAX_IDLE_TIME", "HTTP_SHUTDOWN_TIMEOUT", "METRICS_ENABLED", "METRICS_PATH",
		"METRICS_PORT", "RECONCILE_ENABLED", "RECONCILE_INTERVAL", "RECONCILE_THRESHOLD",
		"RECONCILE_BATCH_SIZE", "EVENTBUS_BUFFER_SIZE", "CIRCUIT_BREAKER_THRESHOLD",
		"CIRCUIT_BREAKER_COOLDOWN", "ESI_BASE_URL", "ESI_USER_AGENT", "ESI_TIMEOUT",
		"ESI_RETRY_MAX", "ESI_RATE_LIMIT", "ESI_RATE_BURST", "ESI_CACHE_TTL",
		"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET", "NOTIFY_STATUSES", "ANALYTICS_RETENTION",
		"LEADER_LOCK_KEY", "LEADER_RETRY_INTERVAL", "LEADER_HEARTBEAT_INTERVAL",
	} {
		t.Setenv(name, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("StoreDriver: expected postgres, got %q", cfg.StoreDriver)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.TickInterval != 30*time.Second {
		t.Errorf("TickInterval: expected 30s, got %v", cfg.TickInterval)
	}
	if cfg.DBMaxOpenConns != 25 || cfg.DBMaxIdleConns != 5 {
		t.Errorf("DB pool: expected 25/5, got %d/%d", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetime != 30*time.Minute || cfg.DBConnMaxIdleTime != 5*time.Minute {
		t.Errorf("DB lifetimes: got %v/%v", cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	}
	if !cfg.ReconcileEnabled {
		t.Error("ReconcileEnabled should default to true")
	}
	if cfg.ReconcileInterval != 10*time.Minute || cfg.ReconcileThreshold != 2*time.Hour || cfg.ReconcileBatchSize != 100 {
		t.Errorf("reconcile: got %v/%v/%d", cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	}
	if cfg.EventBusBufferSize != 100 {
		t.Errorf("EventBusBufferSize: expected 100, got %d", cfg.EventBusBufferSize)
	}
	if cfg.CircuitBreakerThreshold != 5 || cfg.CircuitBreakerCooldown != 2*time.Minute {
		t.Errorf("breaker: got %d/%v", cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if cfg.ESIBaseURL != "https://esi.evetech.net/latest" || cfg.ESITimeout != 20*time.Second {
		t.Errorf("esi: got %q/%v", cfg.ESIBaseURL, cfg.ESITimeout)
	}
	if cfg.ESIRateLimit != 0 || cfg.ESICacheTTL != 5*time.Minute || cfg.ESIRetryMax != 3 {
		t.Errorf("esi limits: got %v/%v/%d", cfg.ESIRateLimit, cfg.ESICacheTTL, cfg.ESIRetryMax)
	}
	if cfg.MetricsPath != "/metrics" || cfg.MetricsPort != "9090" || cfg.MetricsEnabled {
		t.Errorf("metrics: got %v %q %q", cfg.MetricsEnabled, cfg.MetricsPath, cfg.MetricsPort)
	}
	if len(cfg.AuditSchedules) != 0 {
		t.Errorf("AuditSchedules should be empty, got %v", cfg.AuditSchedules)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", cfg.Warnings)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "/var/lib/corpaudit/audit.db")
	t.Setenv("DB_MAX_OPEN_CONNS", "50")
	t.Setenv("DB_CONN_MAX_LIFETIME", "1h")
	t.Setenv("HTTP_SHUTDOWN_TIMEOUT", "20s")
	t.Setenv("RECONCILE_ENABLED", "false")
	t.Setenv("ESI_RATE_LIMIT", "12.5")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "0")

	cfg := Load()

	if cfg.StoreDriver != DriverSQLite || cfg.DatabaseURL != "/var/lib/corpaudit/audit.db" {
		t.Errorf("store: got %q %q", cfg.StoreDriver, cfg.DatabaseURL)
	}
	if cfg.DBMaxOpenConns != 50 {
		t.Errorf("DBMaxOpenConns: expected 50, got %d", cfg.DBMaxOpenConns)
	}
	if cfg.DBConnMaxLifetime != time.Hour {
		t.Errorf("DBConnMaxLifetime: expected 1h, got %v", cfg.DBConnMaxLifetime)
	}
	if cfg.HTTPShutdownTimeout != 20*time.Second {
		t.Errorf("HTTPShutdownTimeout: expected 20s, got %v", cfg.HTTPShutdownTimeout)
	}
	if cfg.ReconcileEnabled {
		t.Error("ReconcileEnabled should be false")
	}
	if cfg.ESIRateLimit != 12.5 {
		t.Errorf("ESIRateLimit: expected 12.5, got %v", cfg.ESIRateLimit)
	}
	if cfg.CircuitBreakerThreshold != 0 {
		t.Errorf("CircuitBreakerThreshold: explicit 0 should disable, got %d", cfg.CircuitBreakerThreshold)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")

	if cfg := Load(); cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr: expected :3000, got %q", cfg.HTTPAddr)
	}
}

func TestLoad_InvalidIntegersFallBack(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"negative", "-1"},
		{"zero", "0"},
		{"non-numeric", "abc"},
		{"float", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("EVENTBUS_BUFFER_SIZE", tt.value)

			cfg := Load()

			if cfg.EventBusBufferSize != 100 {
				t.Errorf("EventBusBufferSize: expected fallback to 100 for %q, got %d", tt.value, cfg.EventBusBufferSize)
			}
			if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "EVENTBUS_BUFFER_SIZE") {
				t.Errorf("expected one warning naming the variable, got %v", cfg.Warnings)
			}
		})
	}
}

func TestLoad_AuditSchedules(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUDIT_SCHEDULE_WALLET", "@every 10m")
	t.Setenv("AUDIT_SCHEDULE_SKILLQUEUE", "@hourly")
	t.Setenv("AUDIT_SCHEDULE_UNKNOWN", "5m")

	cfg := Load()

	if len(cfg.AuditSchedules) != 2 {
		t.Fatalf("expected 2 schedules, got %v", cfg.AuditSchedules)
	}
	schedules, err := cfg.Schedules()
	if err != nil {
		t.Fatalf("Schedules: %v", err)
	}
	if schedules["wallet"] != 10*time.Minute {
		t.Errorf("wallet: expected 10m, got %v", schedules["wallet"])
	}
	if schedules["skillqueue"] != time.Hour {
		t.Errorf("skillqueue: expected 1h, got %v", schedules["skillqueue"])
	}
}

func TestSchedules_InvalidExpression(t *testing.T) {
	cfg := Config{AuditSchedules: map[string]string{"ship": "every five minutes"}}
	_, err := cfg.Schedules()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "AUDIT_SCHEDULE_SHIP") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestSchedules_SubSecondRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/corpaudit")
	t.Setenv("AUDIT_SCHEDULE_WALLET", "500ms")

	cfg := Load()
	if cfg.AuditSchedules["wallet"] != "500ms" {
		t.Fatalf("expected raw schedule to be loaded, got %v", cfg.AuditSchedules)
	}
	_, err := cfg.Schedules()
	if !errors.Is(err, cron.ErrNonPositiveInterval) {
		t.Fatalf("expected ErrNonPositiveInterval, got %v", err)
	}
	if !strings.Contains(err.Error(), "AUDIT_SCHEDULE_WALLET") {
		t.Errorf("error should name the variable: %v", err)
	}
	if err := Validate(cfg); err == nil {
		t.Error("Validate should reject a sub-second schedule")
	}
}

func TestNotifyStatusList(t *testing.T) {
	cfg := Config{NotifyStatuses: "failed, skipped,,"}
	got := cfg.NotifyStatusList()
	if len(got) != 2 || got[0] != "failed" || got[1] != "skipped" {
		t.Errorf("NotifyStatusList = %v", got)
	}
}

func TestMaskedJSON_MasksSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://audit:hunter2@db:5432/corpaudit")
	t.Setenv("NOTIFY_WEBHOOK_URL", "https://hooks.example.com/services/T000/B000/XXXX")
	t.Setenv("NOTIFY_WEBHOOK_SECRET", "supersecret")

	data, err := Load().MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON failed: %v", err)
	}
	out := string(data)

	for _, secret := range []string{"hunter2", "supersecret", "T000"} {
		if strings.Contains(out, secret) {
			t.Errorf("MaskedJSON leaked %q: %s", secret, out)
		}
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["database_url"] != "postgres://***" {
		t.Errorf("database_url = %v", decoded["database_url"])
	}
	if decoded["notify_webhook_url"] != "https://hooks.example.com/***" {
		t.Errorf("notify_webhook_url = %v", decoded["notify_webhook_url"])
	}
	for _, field := range []string{"tick_interval", "db_max_open_conns", "eventbus_buffer_size", "esi_cache_ttl", "http_shutdown_timeout"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("MaskedJSON missing %s field", field)
		}
	}
}

func TestMaskedJSON_SQLitePathShown(t *testing.T) {
	cfg := Config{StoreDriver: DriverSQLite, DatabaseURL: "/data/audit.db"}
	data, err := cfg.MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON failed: %v", err)
	}
	if !strings.Contains(string(data), "/data/audit.db") {
		t.Errorf("sqlite path should be shown: %s", data)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"postgres://u:p@h/db", "postgres://***"},
		{"postgresql://u:p@h/db", "postgresql://***"},
		{"host=db password=x", "***"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

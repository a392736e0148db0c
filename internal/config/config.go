package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maferick/corpaudit/internal/collector"
	"github.com/maferick/corpaudit/internal/cron"
	"github.com/maferick/corpaudit/internal/domain"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SchedulePrefix prefixes the per-collector schedule overrides, e.g.
// AUDIT_SCHEDULE_WALLET=@every 10m.
const SchedulePrefix = "AUDIT_SCHEDULE_"

// Config holds all configuration for corpaudit.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`
	LogMode     string `json:"log_mode"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	ReconcileEnabled      bool          `json:"reconcile_enabled"`
	ReconcileInterval     time.Duration `json:"-"`
	ReconcileIntervalStr  string        `json:"reconcile_interval"`
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	ESIBaseURL    string        `json:"esi_base_url"`
	ESIUserAgent  string        `json:"esi_user_agent"`
	ESITimeout    time.Duration `json:"-"`
	ESITimeoutStr string        `json:"esi_timeout"`
	ESIRetryMax   int           `json:"esi_retry_max"`
	// ESIRateLimit is requests per second; 0 disables the limiter. Needs REDIS_ADDR.
	ESIRateLimit   float64       `json:"esi_rate_limit"`
	ESIRateBurst   int           `json:"esi_rate_burst"`
	ESICacheTTL    time.Duration `json:"-"`
	ESICacheTTLStr string        `json:"esi_cache_ttl"`

	NotifyWebhookURL    string `json:"notify_webhook_url,omitempty"`
	NotifyWebhookSecret string `json:"-"`
	NotifyStatuses      string `json:"notify_statuses"`

	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// AuditSchedules holds the raw AUDIT_SCHEDULE_<KEY> values by collector key.
	AuditSchedules map[string]string `json:"audit_schedules,omitempty"`

	// Warnings lists values that were ignored in favour of defaults.
	Warnings []string `json:"-"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreDriver:         envOr("STORE_DRIVER", DriverPostgres),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		HTTPAddr:            os.Getenv("HTTP_ADDR"),
		LogMode:             envOr("LOG_MODE", "production"),
		MetricsEnabled:      os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:         envOr("METRICS_PATH", "/metrics"),
		MetricsPort:         envOr("METRICS_PORT", "9090"),
		ReconcileEnabled:    os.Getenv("RECONCILE_ENABLED") != "false",
		ESIBaseURL:          envOr("ESI_BASE_URL", "https://esi.evetech.net/latest"),
		ESIUserAgent:        envOr("ESI_USER_AGENT", "corpaudit"),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		NotifyStatuses:      envOr("NOTIFY_STATUSES", string(domain.RunStatusFailed)),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.TickIntervalStr = envOr("TICK_INTERVAL", "30s")
	cfg.DBConnMaxLifetimeStr = envOr("DB_CONN_MAX_LIFETIME", "30m")
	cfg.DBConnMaxIdleTimeStr = envOr("DB_CONN_MAX_IDLE_TIME", "5m")
	cfg.HTTPShutdownTimeoutStr = envOr("HTTP_SHUTDOWN_TIMEOUT", "10s")
	cfg.ReconcileIntervalStr = envOr("RECONCILE_INTERVAL", "10m")
	cfg.ReconcileThresholdStr = envOr("RECONCILE_THRESHOLD", "2h")
	cfg.CircuitBreakerCooldownStr = envOr("CIRCUIT_BREAKER_COOLDOWN", "2m")
	cfg.ESITimeoutStr = envOr("ESI_TIMEOUT", "20s")
	cfg.ESICacheTTLStr = envOr("ESI_CACHE_TTL", "5m")
	cfg.AnalyticsRetentionStr = envOr("ANALYTICS_RETENTION", "168h")
	cfg.LeaderRetryIntervalStr = envOr("LEADER_RETRY_INTERVAL", "5s")
	cfg.LeaderHeartbeatIntervalStr = envOr("LEADER_HEARTBEAT_INTERVAL", "2s")

	cfg.DBMaxOpenConns = cfg.positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = cfg.positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.ReconcileBatchSize = cfg.positiveInt("RECONCILE_BATCH_SIZE", 100)
	cfg.EventBusBufferSize = cfg.positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.ESIRetryMax = cfg.nonNegativeInt("ESI_RETRY_MAX", 3)
	cfg.ESIRateBurst = cfg.positiveInt("ESI_RATE_BURST", 20)
	cfg.CircuitBreakerThreshold = cfg.nonNegativeInt("CIRCUIT_BREAKER_THRESHOLD", 5)

	if raw := os.Getenv("ESI_RATE_LIMIT"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 {
			cfg.ESIRateLimit = f
		} else {
			cfg.warnf("invalid ESI_RATE_LIMIT %q (must be a non-negative number), limiter disabled", raw)
		}
	}

	cfg.LeaderLockKey = int64(cfg.positiveInt("LEADER_LOCK_KEY", 827341))

	for _, key := range collector.Keys() {
		if raw := os.Getenv(SchedulePrefix + strings.ToUpper(key)); raw != "" {
			if cfg.AuditSchedules == nil {
				cfg.AuditSchedules = make(map[string]string)
			}
			cfg.AuditSchedules[key] = raw
		}
	}

	// Parse durations; validation is handled separately by Validate().
	cfg.TickInterval = parseDuration(cfg.TickIntervalStr)
	cfg.DBConnMaxLifetime = parseDuration(cfg.DBConnMaxLifetimeStr)
	cfg.DBConnMaxIdleTime = parseDuration(cfg.DBConnMaxIdleTimeStr)
	cfg.HTTPShutdownTimeout = parseDuration(cfg.HTTPShutdownTimeoutStr)
	cfg.ReconcileInterval = parseDuration(cfg.ReconcileIntervalStr)
	cfg.ReconcileThreshold = parseDuration(cfg.ReconcileThresholdStr)
	cfg.CircuitBreakerCooldown = parseDuration(cfg.CircuitBreakerCooldownStr)
	cfg.ESITimeout = parseDuration(cfg.ESITimeoutStr)
	cfg.ESICacheTTL = parseDuration(cfg.ESICacheTTLStr)
	cfg.AnalyticsRetention = parseDuration(cfg.AnalyticsRetentionStr)
	cfg.LeaderRetryInterval = parseDuration(cfg.LeaderRetryIntervalStr)
	cfg.LeaderHeartbeatInterval = parseDuration(cfg.LeaderHeartbeatIntervalStr)

	return cfg
}

// Schedules parses AuditSchedules into intervals keyed by collector key.
func (c Config) Schedules() (map[string]time.Duration, error) {
	parser := cron.NewParser()
	out := make(map[string]time.Duration, len(c.AuditSchedules))
	for key, raw := range c.AuditSchedules {
		// Jobs persist whole seconds; shorter intervals would never sync.
		secs, err := parser.Seconds(raw)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", SchedulePrefix, strings.ToUpper(key), err)
		}
		out[key] = time.Duration(secs) * time.Second
	}
	return out, nil
}

// NotifyStatusList splits NotifyStatuses into run statuses.
func (c Config) NotifyStatusList() []domain.RunStatus {
	var out []domain.RunStatus
	for _, s := range strings.Split(c.NotifyStatuses, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, domain.RunStatus(s))
		}
	}
	return out
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) positiveInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := parseInt(raw)
	if err != nil || n <= 0 {
		c.warnf("invalid %s %q (must be a positive integer), using default %d", name, raw, def)
		return def
	}
	return n
}

func (c *Config) nonNegativeInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := parseInt(raw)
	if err != nil {
		c.warnf("invalid %s %q, using default %d", name, raw, def)
		return def
	}
	return n
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// parseInt parses a string of decimal digits.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	if c.StoreDriver == DriverSQLite {
		masked.DatabaseURL = c.DatabaseURL
	}
	masked.NotifyWebhookURL = maskURL(c.NotifyWebhookURL)

	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}

// maskURL keeps scheme and host; webhook paths often embed tokens.
func maskURL(s string) string {
	if s == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return "***"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/***"
}

package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/maferick/corpaudit/internal/domain"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreDriver {
	case DriverPostgres, DriverSQLite:
	default:
		add("STORE_DRIVER", "must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.StoreDriver)
	}

	// DATABASE_URL is required; for sqlite it is the database file path.
	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}

	durations := []struct {
		field string
		raw   string
	}{
		{"TICK_INTERVAL", cfg.TickIntervalStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr},
		{"DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTimeStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"ESI_TIMEOUT", cfg.ESITimeoutStr},
		{"ESI_CACHE_TTL", cfg.ESICacheTTLStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
	}
	for _, d := range durations {
		if err := validatePositiveDuration(d.raw); err != nil {
			add(d.field, "%v", err)
		}
	}

	// A threshold shorter than a job's run would abandon healthy runs.
	if cfg.ReconcileThreshold > 0 && cfg.ReconcileThreshold < 10*time.Minute {
		add("RECONCILE_THRESHOLD", "must be at least 10m, got %s", cfg.ReconcileThresholdStr)
	}

	if err := validateBaseURL(cfg.ESIBaseURL); err != nil {
		add("ESI_BASE_URL", "%v", err)
	}
	if cfg.NotifyWebhookURL != "" {
		if err := validateBaseURL(cfg.NotifyWebhookURL); err != nil {
			add("NOTIFY_WEBHOOK_URL", "%v", err)
		}
	}
	for _, s := range cfg.NotifyStatusList() {
		switch s {
		case domain.RunStatusSuccess, domain.RunStatusFailed, domain.RunStatusSkipped, domain.RunStatusMissing:
		default:
			add("NOTIFY_STATUSES", "unknown run status %q", s)
		}
	}

	if cfg.ESIRateLimit > 0 && cfg.RedisAddr == "" {
		add("ESI_RATE_LIMIT", "requires REDIS_ADDR")
	}

	if _, err := cfg.Schedules(); err != nil {
		add(SchedulePrefix+"*", "%v", err)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePositiveDuration(raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration: %v", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateBaseURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

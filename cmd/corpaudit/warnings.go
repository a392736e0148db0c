package main

import (
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/config"
)

// logConfigWarnings reports risky but valid configurations at startup.
func logConfigWarnings(logger *zap.SugaredLogger, cfg config.Config) {
	for _, w := range cfg.Warnings {
		logger.Warnf("corpaudit: WARNING: %s", w)
	}

	if !cfg.ReconcileEnabled {
		logger.Warn("corpaudit: WARNING [P0]: RECONCILE_ENABLED=false. " +
			"Runs interrupted by a crash stay in status running forever.")
	}

	if !cfg.MetricsEnabled {
		logger.Warn("corpaudit: WARNING [P1]: METRICS_ENABLED=false. " +
			"Run outcomes and ESI errors are not observable.")
	}

	if cfg.NotifyWebhookURL != "" && cfg.NotifyWebhookSecret == "" {
		logger.Warn("corpaudit: WARNING [P1]: NOTIFY_WEBHOOK_URL set without NOTIFY_WEBHOOK_SECRET. " +
			"Notifications are sent unsigned.")
	}

	if cfg.StoreDriver == config.DriverSQLite {
		logger.Info("corpaudit: INFO: STORE_DRIVER=sqlite. Run a single instance; leader election is disabled.")
	}

	if cfg.RedisAddr == "" {
		logger.Info("corpaudit: INFO: REDIS_ADDR not set. Every audit hits ESI directly.")
	}
}

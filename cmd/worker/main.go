// Command worker runs every due audit job once and exits. It suits hosts that
// schedule corpaudit from the system crontab instead of running the daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maferick/corpaudit/internal/app"
	"github.com/maferick/corpaudit/internal/config"
	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	for _, w := range cfg.Warnings {
		logger.Warnf("worker: WARNING: %s", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Errorf("worker: %v", err)
		return 1
	}
	defer a.Close()

	if err := a.Prepare(ctx); err != nil {
		logger.Errorf("worker: %v", err)
		return 1
	}

	// The reconciler runs inline; a crontab host has no long-lived leader.
	if a.Reconciler != nil {
		if n, err := a.Reconciler.Reconcile(ctx); err != nil {
			logger.Errorf("worker: reconcile: %v", err)
		} else if n > 0 {
			logger.Infof("worker: failed %d abandoned runs", n)
		}
	}

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	waitDispatcher := a.StartDispatcher(dispatcherCtx)

	outcomes, err := a.Runner.RunDueJobs(ctx, nil)

	cancelDispatcher()
	waitDispatcher()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("worker: interrupted")
		} else {
			logger.Errorf("worker: tick failed: %v", err)
		}
		return 1
	}

	failed := 0
	for _, o := range outcomes {
		logger.Infof("worker: %s %s (%dms) %s", o.JobKey, o.Status, o.DurationMs, o.Message)
		if o.Status == domain.RunStatusFailed {
			failed++
		}
	}
	logger.Infof("worker: ran %d jobs, %d failed", len(outcomes), failed)
	if failed > 0 {
		return 1
	}
	return 0
}

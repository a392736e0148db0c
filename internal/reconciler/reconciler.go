// Package reconciler closes run history rows left in 'running' by a process
// that died mid-run.
//
// Locks need no such repair: they expire on their own. A run row, however,
// stays 'running' forever unless something marks it failed.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
	"github.com/maferick/corpaudit/internal/metrics"
)

// AbandonedMessage is stored on every run the reconciler fails.
const AbandonedMessage = "abandoned: process exited before completion"

type Store interface {
	StaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error)
	AbandonRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, durationMs int64, message string) (bool, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.RunEvent) error
}

type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 10 minutes.
	Interval time.Duration

	// Threshold is how long a run may stay running before it is presumed
	// dead. It must exceed the longest legitimate run.
	// Default: 2 hours.
	Threshold time.Duration

	// BatchSize caps the runs handled per cycle.
	// Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Minute,
		Threshold: 2 * time.Hour,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	emitter EventEmitter // optional
	metrics metrics.Sink
	logger  *zap.SugaredLogger
	clock   func() time.Time
}

func New(config Config, store Store) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		metrics: metrics.NewNoopSink(),
		logger:  logging.Nop(),
		clock:   time.Now,
	}
}

func (r *Reconciler) WithEmitter(e EventEmitter) *Reconciler {
	r.emitter = e
	return r
}

func (r *Reconciler) WithMetrics(sink metrics.Sink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(l *zap.SugaredLogger) *Reconciler {
	r.logger = l
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Infof("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	if _, err := r.Reconcile(ctx); err != nil {
		// Retried next interval.
		r.logger.Errorf("reconciler: %v", err)
	}
}

// Reconcile fails every stale run once and returns how many it closed.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	now := r.clock().UTC()

	stale, err := r.store.StaleRuns(ctx, now.Add(-r.config.Threshold), r.config.BatchSize)
	if err != nil {
		return 0, err
	}
	r.metrics.StaleRunsUpdate(len(stale))
	if len(stale) == 0 {
		return 0, nil
	}

	r.logger.Infof("reconciler: found %d stale runs", len(stale))

	closed := 0
	for _, run := range stale {
		if err := ctx.Err(); err != nil {
			r.logger.Infof("reconciler: cycle interrupted, closed %d/%d runs", closed, len(stale))
			return closed, err
		}

		durationMs := now.Sub(run.StartedAt).Milliseconds()
		if durationMs < 0 {
			durationMs = 0
		}
		ok, err := r.store.AbandonRun(ctx, run.ID, now, durationMs, AbandonedMessage)
		if err != nil {
			return closed, err
		}
		if !ok {
			// Finished between the scan and the update.
			continue
		}
		closed++

		r.logger.Warnf("reconciler: abandoned run=%s job=%s started_at=%s (age=%s)",
			run.ID, run.JobKey, run.StartedAt.Format(time.RFC3339), now.Sub(run.StartedAt).Round(time.Second))

		if r.emitter != nil {
			event := domain.RunEvent{
				RunID:      run.ID,
				JobKey:     run.JobKey,
				Status:     domain.RunStatusFailed,
				DurationMs: durationMs,
				Message:    AbandonedMessage,
				FinishedAt: now,
			}
			if err := r.emitter.Emit(ctx, event); err != nil {
				r.logger.Warnf("reconciler: emit run=%s: %v", run.ID, err)
			}
		}
	}

	r.logger.Infof("reconciler: cycle complete, abandoned=%d", closed)
	return closed, nil
}

// Package runner turns due jobs into recorded runs. Each job key runs at most
// once at a time across every process sharing the store; the store's job lock
// is the only coordination.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/catalog"
	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
	"github.com/maferick/corpaudit/internal/metrics"
)

const (
	// DueBatchSize caps how many due jobs a single tick processes.
	DueBatchSize = 25

	// MinLockTTL is the floor for a job's lock lifetime.
	MinLockTTL = 300 * time.Second

	lockActiveMessage = "Lock active"
	schemaMissingMsg  = "Job tables not migrated"
	missingHandlerMsg = "No handler registered"
)

type Store interface {
	SchemaReady(ctx context.Context) (bool, error)
	// DueJobs returns enabled jobs whose next run is null or not after now,
	// soonest due first, at most limit rows.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)

	// AcquireLock takes the lock for key when it is absent or expired at now.
	// It reports whether owner holds the lock afterwards.
	AcquireLock(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error)
	// ReleaseLock deletes the lock only if owner still holds it.
	ReleaseLock(ctx context.Context, key, owner string) error

	InsertRun(ctx context.Context, run domain.Run) error
	FinishRun(ctx context.Context, run domain.Run) error
	RecordJobResult(ctx context.Context, res domain.JobResult) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.RunEvent) error
}

type Config struct {
	TickInterval time.Duration
}

type Runner struct {
	config   Config
	registry *catalog.Registry
	store    Store
	emitter  EventEmitter // optional, nil = disabled
	metrics  metrics.Sink
	logger   *zap.SugaredLogger
	clock    func() time.Time
}

func New(config Config, registry *catalog.Registry, store Store) *Runner {
	return &Runner{
		config:   config,
		registry: registry,
		store:    store,
		metrics:  metrics.NewNoopSink(),
		logger:   logging.Nop(),
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the runner.
func (r *Runner) WithMetrics(sink metrics.Sink) *Runner {
	r.metrics = sink
	return r
}

// WithEmitter publishes a RunEvent for every terminal run.
func (r *Runner) WithEmitter(e EventEmitter) *Runner {
	r.emitter = e
	return r
}

func (r *Runner) WithLogger(l *zap.SugaredLogger) *Runner {
	r.logger = l
	return r
}

// Run ticks until ctx is cancelled. The first tick happens immediately.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	r.logger.Infof("runner: started, tick=%s", r.config.TickInterval)
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner: stopped")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.metrics.TickStarted()
	start := r.clock()

	outcomes, err := r.RunDueJobs(ctx, nil)
	r.metrics.TickCompleted(r.clock().Sub(start), len(outcomes), err)
	if err != nil {
		r.logger.Errorf("runner: tick error: %v", err)
		return
	}
	if len(outcomes) > 0 {
		r.logger.Infof("runner: tick ran %d jobs", len(outcomes))
	}
}

// RunDueJobs runs every due job, one after another, and returns their outcomes.
// A missing schema yields no outcomes and no error. Persistence errors stop the
// tick and are returned with the outcomes gathered so far.
func (r *Runner) RunDueJobs(ctx context.Context, params map[string]any) ([]domain.Outcome, error) {
	ready, err := r.store.SchemaReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if !ready {
		return nil, nil
	}

	jobs, err := r.store.DueJobs(ctx, r.clock().UTC(), DueBatchSize)
	if err != nil {
		return nil, fmt.Errorf("get due jobs: %w", err)
	}

	outcomes := make([]domain.Outcome, 0, len(jobs))
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			r.logger.Infof("runner: tick interrupted after %d/%d jobs", len(outcomes), len(jobs))
			return outcomes, err
		}
		outcome, err := r.runJob(ctx, job.Key, params)
		if err != nil {
			return outcomes, fmt.Errorf("job %s: %w", job.Key, err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// RunJob runs a single job now, regardless of its due time. Handler failures
// are recorded and reported through the outcome; only persistence errors are
// returned.
func (r *Runner) RunJob(ctx context.Context, key string, params map[string]any) (domain.Outcome, error) {
	ready, err := r.store.SchemaReady(ctx)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("check schema: %w", err)
	}
	if !ready {
		return domain.Outcome{JobKey: key, Status: domain.RunStatusSkipped, Message: schemaMissingMsg}, nil
	}
	return r.runJob(ctx, key, params)
}

func (r *Runner) runJob(ctx context.Context, key string, params map[string]any) (domain.Outcome, error) {
	def, ok := r.registry.Lookup(key)
	if !ok || def.Handler == nil {
		r.logger.Warnf("runner: job %s has no handler", key)
		return domain.Outcome{JobKey: key, Status: domain.RunStatusMissing, Message: missingHandlerMsg}, nil
	}

	owner := uuid.NewString()
	now := r.clock().UTC()
	acquired, err := r.store.AcquireLock(ctx, key, owner, now, now.Add(LockTTL(def.Interval)))
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return r.recordLockSkip(ctx, key, params, now)
	}

	outcome, err := r.execute(ctx, def, params)

	// Release even when the context is done so a cancelled tick does not leave
	// the lock to its TTL.
	if relErr := r.store.ReleaseLock(context.WithoutCancel(ctx), key, owner); relErr != nil {
		if err == nil {
			return outcome, fmt.Errorf("release lock: %w", relErr)
		}
		r.logger.Errorf("runner: job %s release lock: %v", key, relErr)
	}
	return outcome, err
}

func (r *Runner) recordLockSkip(ctx context.Context, key string, params map[string]any, now time.Time) (domain.Outcome, error) {
	r.metrics.LockContended(key)

	run := domain.Run{
		ID:         uuid.New(),
		JobKey:     key,
		Status:     domain.RunStatusSkipped,
		StartedAt:  now,
		FinishedAt: &now,
		Message:    lockActiveMessage,
		Metadata:   runMetadata(params, nil, nil),
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		return domain.Outcome{}, fmt.Errorf("insert skipped run: %w", err)
	}

	r.logger.Infof("runner: job %s skipped, lock held elsewhere", key)
	return domain.Outcome{JobKey: key, Status: domain.RunStatusSkipped, Message: lockActiveMessage}, nil
}

func (r *Runner) execute(ctx context.Context, def domain.Definition, params map[string]any) (domain.Outcome, error) {
	started := r.clock().UTC()
	run := domain.Run{
		ID:        uuid.New(),
		JobKey:    def.Key,
		Status:    domain.RunStatusRunning,
		StartedAt: started,
		Metadata:  runMetadata(params, nil, nil),
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		return domain.Outcome{}, fmt.Errorf("insert run: %w", err)
	}

	inv := invoke(ctx, def.Handler, params)

	finished := r.clock().UTC()
	durationMs := finished.Sub(started).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}

	message := domain.TruncateMessage(inv.message)
	run.Status = inv.status
	run.FinishedAt = &finished
	run.DurationMs = durationMs
	run.Message = message
	run.Trace = inv.trace
	run.Metadata = runMetadata(params, inv.result.Metrics, domain.TailLogLines(inv.result.LogLines))

	if err := r.store.FinishRun(ctx, run); err != nil {
		return domain.Outcome{}, fmt.Errorf("finish run: %w", err)
	}

	err := r.store.RecordJobResult(ctx, domain.JobResult{
		Key:        def.Key,
		RunAt:      finished,
		Status:     inv.status,
		DurationMs: durationMs,
		Message:    message,
		NextRunAt:  finished.Add(def.Interval),
	})
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("record job result: %w", err)
	}

	r.metrics.JobRunCompleted(def.Key, string(inv.status), finished.Sub(started))
	r.emit(ctx, domain.RunEvent{
		RunID:      run.ID,
		JobKey:     def.Key,
		Status:     inv.status,
		DurationMs: durationMs,
		Message:    message,
		FinishedAt: finished,
	})

	if inv.status == domain.RunStatusFailed {
		r.logger.Warnf("runner: job %s failed after %dms: %s", def.Key, durationMs, message)
	} else {
		r.logger.Infof("runner: job %s %s in %dms", def.Key, inv.status, durationMs)
	}

	return domain.Outcome{
		JobKey:     def.Key,
		Status:     inv.status,
		Message:    message,
		DurationMs: durationMs,
	}, nil
}

func (r *Runner) emit(ctx context.Context, event domain.RunEvent) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, event); err != nil {
		r.logger.Warnf("runner: emit run event job=%s: %v", event.JobKey, err)
	}
}

// LockTTL is the lock lifetime for a job scheduled every interval: never below
// MinLockTTL.
func LockTTL(interval time.Duration) time.Duration {
	if interval < MinLockTTL {
		return MinLockTTL
	}
	return interval
}

func runMetadata(params map[string]any, handlerMetrics map[string]any, logLines []string) map[string]any {
	md := map[string]any{}
	if len(params) > 0 {
		md["context"] = params
	}
	if len(handlerMetrics) > 0 {
		md["metrics"] = handlerMetrics
	}
	if len(logLines) > 0 {
		md["log_lines"] = logLines
	}
	return md
}

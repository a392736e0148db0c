// Package catalog holds the set of job definitions known to the process and
// mirrors it into persistent storage.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
)

// Store is the persistence the catalog syncs into.
type Store interface {
	// SchemaReady reports whether the job tables exist.
	SchemaReady(ctx context.Context) (bool, error)
	// UpsertJob inserts the definition or updates name, description and
	// interval of an existing row. Runtime fields are never touched.
	UpsertJob(ctx context.Context, def domain.Definition) error
	// ListJobs returns every persisted job row.
	ListJobs(ctx context.Context) ([]domain.Job, error)
}

// Registry is built once at process start and handed to the runner and the sync
// routine.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]domain.Definition
	order  []string
	logger *zap.SugaredLogger
}

func New() *Registry {
	return &Registry{defs: make(map[string]domain.Definition), logger: logging.Nop()}
}

func (r *Registry) WithLogger(l *zap.SugaredLogger) *Registry {
	r.logger = l
	return r
}

// Register inserts or replaces def by key. Definitions with an empty key are
// ignored.
func (r *Registry) Register(def domain.Definition) {
	if def.Key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Key]; !exists {
		r.order = append(r.order, def.Key)
	}
	r.defs[def.Key] = def
}

// Definitions returns the definitions in registration order.
func (r *Registry) Definitions() []domain.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Definition, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.defs[key])
	}
	return out
}

// DefinitionsByKey returns a copy of the definitions keyed by job key.
func (r *Registry) DefinitionsByKey() map[string]domain.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Definition, len(r.defs))
	for k, v := range r.defs {
		out[k] = v
	}
	return out
}

// Lookup returns the definition registered under key.
func (r *Registry) Lookup(key string) (domain.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[key]
	return def, ok
}

// Sync upserts every definition with a key and a positive interval. It is a
// no-op when the schema has not been migrated yet. Rows whose key is no longer
// registered are left in place and reported as warnings.
func (r *Registry) Sync(ctx context.Context, store Store) error {
	ready, err := store.SchemaReady(ctx)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if !ready {
		return nil
	}

	for _, def := range r.Definitions() {
		if def.Key == "" || def.IntervalSeconds() <= 0 {
			continue
		}
		if err := store.UpsertJob(ctx, def); err != nil {
			return fmt.Errorf("upsert job %s: %w", def.Key, err)
		}
	}

	jobs, err := store.ListJobs(ctx)
	if err != nil {
		r.logger.Warnf("catalog: list jobs: %v", err)
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range jobs {
		if _, ok := r.defs[job.Key]; !ok {
			r.logger.Warnf("catalog: job %s has no registered definition; it will not run", job.Key)
		}
	}
	return nil
}

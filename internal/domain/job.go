package domain

import (
	"context"
	"time"
)

// Handler executes one run of a job. params is the caller-supplied context map
// (nil for scheduled ticks).
type Handler func(ctx context.Context, params map[string]any) (Result, error)

// Definition is a statically registered job. It is immutable once the process
// has finished registration.
type Definition struct {
	Key         string
	Name        string
	Description string
	Interval    time.Duration
	Enabled     bool
	Handler     Handler
}

// IntervalSeconds returns the schedule interval in whole seconds.
func (d Definition) IntervalSeconds() int64 {
	return int64(d.Interval / time.Second)
}

// Job is the persisted mirror of a Definition plus the runtime fields only the
// runner writes.
type Job struct {
	Key             string
	Name            string
	Description     string
	IntervalSeconds int64
	Enabled         bool

	LastRunAt      *time.Time
	LastStatus     RunStatus
	LastDurationMs int64
	LastMessage    string

	// NextRunAt nil means due immediately.
	NextRunAt *time.Time
}

// DueAt returns the instant the job becomes due, treating a nil NextRunAt as now.
func (j Job) DueAt(now time.Time) time.Time {
	if j.NextRunAt == nil {
		return now
	}
	return *j.NextRunAt
}

// JobResult is the runtime state written back to a Job after a run.
type JobResult struct {
	Key        string
	RunAt      time.Time
	Status     RunStatus
	DurationMs int64
	Message    string
	NextRunAt  time.Time
}

// Outcome is the summary the runner returns for one job.
type Outcome struct {
	JobKey     string    `json:"job_key"`
	Status     RunStatus `json:"status"`
	Message    string    `json:"message"`
	DurationMs int64     `json:"duration_ms"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
	RunStatusMissing RunStatus = "missing"
)

// Terminal reports whether a run in this status will not change again.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// MaxMessageLength bounds messages before they are stored.
const MaxMessageLength = 1000

// Run is one row of the run history.
type Run struct {
	ID     uuid.UUID
	JobKey string
	Status RunStatus

	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMs int64

	Message string
	// Trace is set only for failed runs.
	Trace    string
	Metadata map[string]any
}

// RunEvent is published once a run reaches its terminal state.
type RunEvent struct {
	RunID      uuid.UUID
	JobKey     string
	Status     RunStatus
	DurationMs int64
	Message    string
	FinishedAt time.Time
}

// TruncateMessage cuts msg to MaxMessageLength runes.
func TruncateMessage(msg string) string {
	return truncateRunes(msg, MaxMessageLength)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package api

import "time"

type JobResponse struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Enabled         bool   `json:"enabled"`
	LastRunAt       string `json:"last_run_at,omitempty"`
	LastStatus      string `json:"last_status,omitempty"`
	LastDurationMs  int64  `json:"last_duration_ms"`
	LastMessage     string `json:"last_message,omitempty"`
	NextRunAt       string `json:"next_run_at,omitempty"`
}

type RunResponse struct {
	ID         string         `json:"id"`
	JobKey     string         `json:"job_key"`
	Status     string         `json:"status"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Message    string         `json:"message,omitempty"`
	Trace      string         `json:"trace,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type SnapshotResponse struct {
	CharacterID int64          `json:"character_id"`
	UpdatedAt   string         `json:"updated_at"`
	Fields      map[string]any `json:"fields"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Runner metrics
	TickStarted()
	TickCompleted(duration time.Duration, jobsRun int, err error)
	JobRunCompleted(jobKey string, status string, duration time.Duration)
	LockContended(jobKey string)

	// ESI metrics
	ESIRequestCompleted(route string, statusClass string, duration time.Duration)
	CacheLookup(hit bool)
	RateLimited()

	// Audit metrics
	CharacterAudited(collector string, outcome string)

	// EventBus metrics
	BufferSizeUpdate(size int)
	EmitError()

	// Reconciler metrics
	StaleRunsUpdate(count int)

	// Notification metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
}

// Audit outcome constants for CharacterAudited.
const (
	AuditOutcomeStored       = "stored"
	AuditOutcomeMissingScope = "missing_scope"
	AuditOutcomeTokenExpired = "token_expired"
	AuditOutcomeFetchError   = "fetch_error"
	AuditOutcomeStoreError   = "store_error"
)

// StatusClass constants for ESIRequestCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass3xx             = "3xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return StatusClassTimeout
		}
		// Wrapped transport errors often arrive flattened into strings.
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode == 304:
		// ESI answers conditional requests with 304; treat as a cache revalidation.
		return StatusClass3xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

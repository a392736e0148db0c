package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                  {}
func (n *NoopSink) TickCompleted(duration time.Duration, jobsRun int, err error)  {}
func (n *NoopSink) JobRunCompleted(jobKey string, status string, d time.Duration) {}
func (n *NoopSink) LockContended(jobKey string)                                   {}
func (n *NoopSink) ESIRequestCompleted(route, statusClass string, d time.Duration) {}
func (n *NoopSink) CacheLookup(hit bool)                                          {}
func (n *NoopSink) RateLimited()                                                  {}
func (n *NoopSink) CharacterAudited(collector string, outcome string)             {}
func (n *NoopSink) BufferSizeUpdate(size int)                                     {}
func (n *NoopSink) EmitError()                                                    {}
func (n *NoopSink) StaleRunsUpdate(count int)                                     {}
func (n *NoopSink) DeliveryAttemptCompleted(int, string, time.Duration)           {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                             {}

// Package dispatcher consumes run events from the bus, records them in
// analytics and posts webhook notifications for the statuses an operator
// subscribed to.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
	"github.com/maferick/corpaudit/internal/metrics"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

const maxAttempts = 4

// DrainTimeout is the maximum time to wait for buffered events during shutdown.
const DrainTimeout = 30 * time.Second

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.RunEvent)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
}

type Config struct {
	WebhookURL string
	Secret     string
	Timeout    time.Duration
	// Statuses selects which run statuses are notified. Empty means failed only.
	Statuses []domain.RunStatus
}

type WebhookRequest struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	Payload    WebhookPayload
	DeliveryID string
}

type WebhookPayload struct {
	RunID      string `json:"run_id"`
	JobKey     string `json:"job_key"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	FinishedAt string `json:"finished_at"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

type Dispatcher struct {
	config    Config
	sender    WebhookSender
	notify    map[domain.RunStatus]bool
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	backoff   []time.Duration
	logger    *zap.SugaredLogger
}

func New(config Config, sender WebhookSender) *Dispatcher {
	statuses := config.Statuses
	if len(statuses) == 0 {
		statuses = []domain.RunStatus{domain.RunStatusFailed}
	}
	notify := make(map[domain.RunStatus]bool, len(statuses))
	for _, s := range statuses {
		notify[s] = true
	}
	return &Dispatcher{
		config:  config,
		sender:  sender,
		notify:  notify,
		backoff: defaultBackoff,
		logger:  logging.Nop(),
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithLogger(l *zap.SugaredLogger) *Dispatcher {
	d.logger = l
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.RunEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, event); err != nil {
				d.logger.Errorf("dispatcher: error: %v", err)
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Retries are skipped once the drain deadline passes.
func (d *Dispatcher) drain(ch <-chan domain.RunEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.logger.Warnf("dispatcher: drain timeout, processed %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				d.logger.Infof("dispatcher: drain complete, processed %d events", count)
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				d.logger.Errorf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				d.logger.Infof("dispatcher: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Dispatch records event in analytics and, when its status is subscribed,
// delivers a notification with retries. Only ctx cancellation is returned
// as an error; a delivery that exhausts its attempts is logged.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.RunEvent) error {
	if d.analytics != nil {
		d.analytics.Record(ctx, event)
	}

	if d.config.WebhookURL == "" || !d.notify[event.Status] {
		return nil
	}

	req := WebhookRequest{
		URL:     d.config.WebhookURL,
		Secret:  d.config.Secret,
		Timeout: d.config.Timeout,
		Payload: WebhookPayload{
			RunID:      event.RunID.String(),
			JobKey:     event.JobKey,
			Status:     string(event.Status),
			Message:    event.Message,
			DurationMs: event.DurationMs,
			FinishedAt: event.FinishedAt.UTC().Format(time.RFC3339),
		},
	}

	var lastResult WebhookResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			backoff := d.backoff[idx]

			d.logger.Infof("dispatcher: job=%s run=%s attempt=%d backoff=%s", event.JobKey, event.RunID, attempt, backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		req.DeliveryID = uuid.NewString()
		result := d.sender.Send(ctx, req)
		lastResult = result

		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if result.IsSuccess() {
			d.logger.Infof("dispatcher: job=%s run=%s notified attempt=%d", event.JobKey, event.RunID, attempt)
			if d.metrics != nil {
				d.metrics.DeliveryOutcome("success")
			}
			return nil
		}

		if !result.IsRetryable() {
			d.logger.Warnf("dispatcher: job=%s non-retryable status=%d", event.JobKey, result.StatusCode)
			break
		}

		d.logger.Warnf("dispatcher: job=%s attempt=%d failed status=%d err=%v", event.JobKey, attempt, result.StatusCode, result.Error)
	}

	d.logger.Errorf("dispatcher: job=%s run=%s notification failed status=%d err=%v",
		event.JobKey, event.RunID, lastResult.StatusCode, lastResult.Error)
	if d.metrics != nil {
		d.metrics.DeliveryOutcome("failed")
	}
	return nil
}

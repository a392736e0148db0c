package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/logging"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.SugaredLogger

	// Runner metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	jobsRunTotal    prometheus.Counter
	tickDuration    prometheus.Histogram
	jobRunsTotal    *prometheus.CounterVec
	jobRunDuration  *prometheus.HistogramVec
	lockContentions *prometheus.CounterVec

	// ESI metrics
	esiRequestsTotal *prometheus.CounterVec
	esiDuration      prometheus.Histogram
	cacheLookups     *prometheus.CounterVec
	rateLimitedTotal prometheus.Counter

	// Audit metrics
	charactersAudited *prometheus.CounterVec

	// EventBus metrics
	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Reconciler metrics
	staleRuns prometheus.Gauge

	// Notification metrics
	deliveryAttempts *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	deliveryOutcomes *prometheus.CounterVec

	// Leader election metrics
	isLeader prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// A nil logger discards the warnings.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.SugaredLogger) *PrometheusSink {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &PrometheusSink{logger: logger}
	s.initRunnerMetrics(reg)
	s.initESIMetrics(reg)
	s.initAuditMetrics(reg)
	s.initNotifyMetrics(reg)
	return s
}

func (s *PrometheusSink) initRunnerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corpaudit_runner_ticks_total",
		Help: "Total number of runner ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corpaudit_runner_tick_errors_total",
		Help: "Total number of runner ticks that ended with a persistence error.",
	})
	s.jobsRunTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corpaudit_runner_jobs_run_total",
		Help: "Total number of due jobs processed by ticks.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "corpaudit_runner_tick_duration_seconds",
		Help:    "Duration of each runner tick in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
	s.jobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corpaudit_job_runs_total",
		Help: "Total number of job runs by terminal status.",
	}, []string{"job", "status"})
	s.jobRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corpaudit_job_run_duration_seconds",
		Help:    "Wall-clock duration of job handler runs in seconds.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
	}, []string{"job"})
	s.lockContentions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corpaudit_job_lock_contentions_total",
		Help: "Total number of runs skipped because another holder owned the job lock.",
	}, []string{"job"})

	s.register(reg, s.ticksTotal, "corpaudit_runner_ticks_total")
	s.register(reg, s.tickErrorsTotal, "corpaudit_runner_tick_errors_total")
	s.register(reg, s.jobsRunTotal, "corpaudit_runner_jobs_run_total")
	s.register(reg, s.tickDuration, "corpaudit_runner_tick_duration_seconds")
	s.register(reg, s.jobRunsTotal, "corpaudit_job_runs_total")
	s.register(reg, s.jobRunDuration, "corpaudit_job_run_duration_seconds")
	s.register(reg, s.lockContentions, "corpaudit_job_lock_contentions_total")
}

func (s *PrometheusSink) initESIMetrics(reg prometheus.Registerer) {
	s.esiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corpaudit_esi_requests_total",
		Help: "Total number of ESI requests by route and status class.",
	}, []string{"route", "status_class"})
	s.esiDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "corpaudit_esi_request_duration_seconds",
		Help:    "ESI request latency in seconds, retries included.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corpaudit_esi_cache_lookups_total",
		Help: "Total number of response cache lookups by result.",
	}, []string{"result"})
	s.rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corpaudit_esi_rate_limited_total",
		Help: "Total number of requests refused by the local rate limiter.",
	})

	s.register(reg, s.esiRequestsTotal, "corpaudit_esi_requests_total")
	s.register(reg, s.esiDuration, "corpaudit_esi_request_duration_seconds")
	s.register(reg, s.cacheLookups, "corpaudit_esi_cache_lookups_total")
	s.register(reg, s.rateLimitedTotal, "corpaudit_esi_rate_limited_total")
}

func (s *PrometheusSink) initAuditMetrics(reg prometheus.Registerer) {
	s.charactersAudited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corpaudit_characters_audited_total",
		Help: "Total number of per-character collector invocations by outcome.",
	}, []string{"collector", "outcome"})
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corpaudit_eventbus_buffer_size",
		Help: "Current number of run events in the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corpaudit_eventbus_emit_errors_total",
		Help: "Total number of run events dropped because the buffer was full.",
	})
	s.staleRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corpaudit_reconciler_stale_runs",
		Help: "Number of stale running rows found by the last reconcile cycle.",
	})

	s.register(reg, s.charactersAudited, "corpaudit_characters_audited_total")
	s.register(reg, s.bufferSize, "corpaudit_eventbus_buffer_size")
	s.register(reg, s.emitErrorsTotal, "corpaudit_eventbus_emit_errors_total")
	s.register(reg, s.staleRuns, "corpaudit_reconciler_stale_runs")
}

func (s *PrometheusSink) initNotifyMetrics(reg prometheus.Registerer) {
	s.deliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corpaudit_notify_attempts_total",
		Help: "Total number of webhook notification attempts.",
	}, []string{"attempt", "status_class"})
	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "corpaudit_notify_attempt_duration_seconds",
		Help:    "Duration of webhook notification attempts.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.deliveryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corpaudit_notify_outcomes_total",
		Help: "Total number of webhook notifications by final outcome.",
	}, []string{"outcome"})
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corpaudit_leader_is_leader",
		Help: "1 when this instance holds the leader lock.",
	})

	s.register(reg, s.deliveryAttempts, "corpaudit_notify_attempts_total")
	s.register(reg, s.deliveryDuration, "corpaudit_notify_attempt_duration_seconds")
	s.register(reg, s.deliveryOutcomes, "corpaudit_notify_outcomes_total")
	s.register(reg, s.isLeader, "corpaudit_leader_is_leader")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warnf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, jobsRun int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.jobsRunTotal.Add(float64(jobsRun))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) JobRunCompleted(jobKey string, status string, duration time.Duration) {
	s.jobRunsTotal.WithLabelValues(jobKey, status).Inc()
	s.jobRunDuration.WithLabelValues(jobKey).Observe(duration.Seconds())
}

func (s *PrometheusSink) LockContended(jobKey string) {
	s.lockContentions.WithLabelValues(jobKey).Inc()
}

func (s *PrometheusSink) ESIRequestCompleted(route string, statusClass string, duration time.Duration) {
	s.esiRequestsTotal.WithLabelValues(route, statusClass).Inc()
	s.esiDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) CacheLookup(hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	s.cacheLookups.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) RateLimited() {
	s.rateLimitedTotal.Inc()
}

func (s *PrometheusSink) CharacterAudited(collector string, outcome string) {
	s.charactersAudited.WithLabelValues(collector, outcome).Inc()
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) StaleRunsUpdate(count int) {
	s.staleRuns.Set(float64(count))
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttempts.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomes.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
	} else {
		s.isLeader.Set(0)
	}
}

var _ Sink = (*PrometheusSink)(nil)

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal          prometheus.Counter
	tickErrorsTotal     prometheus.Counter
	runsLaunchedTotal   prometheus.Counter
	tickDuration        prometheus.Histogram
	checkinsTotal       *prometheus.CounterVec
	checkinDuration     prometheus.Histogram
	runsInFlight        prometheus.Gauge
	staleResetsTotal    prometheus.Counter
	poolSaturatedTotal  prometheus.Counter
	manualRejectedTotal *prometheus.CounterVec

	// Notifier metrics
	notifyAttemptsTotal *prometheus.CounterVec
	notifyOutcomesTotal *prometheus.CounterVec
	notifyDuration      prometheus.Histogram
	retryAttemptsTotal  *prometheus.CounterVec
	eventsInFlight      prometheus.Gauge

	// EventBus metrics
	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Leader election metrics
	isLeader          prometheus.Gauge
	acquisitionsTotal prometheus.Counter
	lossesTotal       *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initNotifierMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easycheckin_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easycheckin_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.runsLaunchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easycheckin_scheduler_runs_launched_total",
		Help: "Total number of scheduled check-in runs started.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easycheckin_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.checkinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easycheckin_checkins_total",
		Help: "Total number of completed check-ins by outcome and trigger.",
	}, []string{"outcome", "trigger"})
	s.checkinDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easycheckin_checkin_duration_seconds",
		Help:    "Check-in execution latency in seconds (excludes jitter).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easycheckin_scheduler_runs_in_flight",
		Help: "Number of check-in runs currently executing.",
	})
	s.staleResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easycheckin_scheduler_stale_lock_resets_total",
		Help: "Total number of run locks forcibly released after exceeding the stale threshold.",
	})
	s.poolSaturatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easycheckin_scheduler_pool_saturated_total",
		Help: "Total number of due runs deferred because the worker pool was full.",
	})
	s.manualRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easycheckin_manual_triggers_rejected_total",
		Help: "Total number of rejected manual triggers by reason.",
	}, []string{"reason"})

	s.register(reg, s.ticksTotal, "easycheckin_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "easycheckin_scheduler_tick_errors_total")
	s.register(reg, s.runsLaunchedTotal, "easycheckin_scheduler_runs_launched_total")
	s.register(reg, s.tickDuration, "easycheckin_scheduler_tick_duration_seconds")
	s.register(reg, s.checkinsTotal, "easycheckin_checkins_total")
	s.register(reg, s.checkinDuration, "easycheckin_checkin_duration_seconds")
	s.register(reg, s.runsInFlight, "easycheckin_scheduler_runs_in_flight")
	s.register(reg, s.staleResetsTotal, "easycheckin_scheduler_stale_lock_resets_total")
	s.register(reg, s.poolSaturatedTotal, "easycheckin_scheduler_pool_saturated_total")
	s.register(reg, s.manualRejectedTotal, "easycheckin_manual_triggers_rejected_total")
}

func (s *PrometheusSink) initNotifierMetrics(reg prometheus.Registerer) {
	s.notifyAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easycheckin_notifier_attempts_total",
		Help: "Total number of notification send attempts.",
	}, []string{"channel", "status_class"})

	s.notifyOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easycheckin_notifier_outcomes_total",
		Help: "Total number of final notification outcomes per channel.",
	}, []string{"channel", "outcome"})

	s.notifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easycheckin_notifier_send_duration_seconds",
		Help:    "Notification request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easycheckin_notifier_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"channel"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easycheckin_notifier_events_in_flight",
		Help: "Number of outcome events currently being processed.",
	})

	s.register(reg, s.notifyAttemptsTotal, "easycheckin_notifier_attempts_total")
	s.register(reg, s.notifyOutcomesTotal, "easycheckin_notifier_outcomes_total")
	s.register(reg, s.notifyDuration, "easycheckin_notifier_send_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "easycheckin_notifier_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "easycheckin_notifier_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easycheckin_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easycheckin_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "easycheckin_eventbus_buffer_size")
	s.register(reg, s.emitErrorsTotal, "easycheckin_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easycheckin_leader_is_leader",
		Help: "1 if this instance currently runs the scheduler, 0 otherwise.",
	})
	s.acquisitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easycheckin_leader_acquisitions_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.lossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easycheckin_leader_losses_total",
		Help: "Total number of leadership losses by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "easycheckin_leader_is_leader")
	s.register(reg, s.acquisitionsTotal, "easycheckin_leader_acquisitions_total")
	s.register(reg, s.lossesTotal, "easycheckin_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("metrics: failed to register")
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, launched int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.runsLaunchedTotal.Add(float64(launched))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) CheckinCompleted(outcome, trigger string, duration time.Duration) {
	s.checkinsTotal.WithLabelValues(outcome, trigger).Inc()
	s.checkinDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RunsInFlightIncr() {
	s.runsInFlight.Inc()
}

func (s *PrometheusSink) RunsInFlightDecr() {
	s.runsInFlight.Dec()
}

func (s *PrometheusSink) StaleLockReset() {
	s.staleResetsTotal.Inc()
}

func (s *PrometheusSink) PoolSaturated() {
	s.poolSaturatedTotal.Inc()
}

func (s *PrometheusSink) ManualRejected(reason string) {
	s.manualRejectedTotal.WithLabelValues(reason).Inc()
}

// Notifier metrics implementation

func (s *PrometheusSink) NotificationAttempt(channel, statusClass string, duration time.Duration) {
	s.notifyAttemptsTotal.WithLabelValues(channel, statusClass).Inc()
	s.notifyDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) NotificationOutcome(channel, outcome string) {
	s.notifyOutcomesTotal.WithLabelValues(channel, outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(channel string) {
	s.retryAttemptsTotal.WithLabelValues(channel).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
	} else {
		s.isLeader.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.acquisitionsTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.lossesTotal.WithLabelValues(reason).Inc()
}

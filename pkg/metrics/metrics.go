package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_steps_total",
			Help: "Total number of flow nodes recorded in the ledger (count)",
		},
		[]string{"action"},
	)

	LedgerDetailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_details_total",
			Help: "Total number of filter or error records attached to flow nodes (count)",
		},
		[]string{"kind"},
	)

	LedgerContentReusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_content_reused_total",
			Help: "Total number of flow nodes that reused the parent's message content (count)",
		},
	)

	EventsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_recorded_total",
			Help: "Total number of outbox/inbox events recorded (count)",
		},
		[]string{"direction", "type"},
	)

	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Total number of events handed to a handler, by outcome (count)",
		},
		[]string{"type", "status"},
	)

	EventsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_retried_total",
			Help: "Total number of events scheduled for retry (count)",
		},
		[]string{"type"},
	)

	EventsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dead_lettered_total",
			Help: "Total number of events abandoned after exhausting retries (count)",
		},
		[]string{"type"},
	)

	EventBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_backlog",
			Help: "Pending events per component and direction (count)",
		},
		[]string{"component", "direction"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_dispatch_duration_ms",
			Help:    "Duration of event handler execution in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"type"},
	)

	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_wait_duration_ms",
			Help:    "Time spent waiting for a component lock in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		},
		[]string{"backend"},
	)

	LockAcquireFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquire_failures_total",
			Help: "Total number of lock acquisitions that timed out or failed (count)",
		},
		[]string{"backend"},
	)

	LockLeaseLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_lease_lost_total",
			Help: "Total number of leases that could not be renewed (count)",
		},
		[]string{"backend"},
	)

	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Total number of acceptance/forwarding decisions (count)",
		},
		[]string{"kind", "policy", "result"},
	)

	PipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Total number of stage failures by classification (count)",
		},
		[]string{"stage", "class"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_ms",
			Help:    "Duration of pipeline stages in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"stage", "status"},
	)

	ComponentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "component_state",
			Help: "Component run state (1=running, 0=stopped) (state code)",
		},
		[]string{"component", "side"},
	)

	ReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_reconcile_runs_total",
			Help: "Total number of lifecycle reconcile passes (count)",
		},
		[]string{"trigger"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	BrokerMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_read_total",
			Help: "Total number of messages read from the transport (count)",
		},
		[]string{"transport", "topic"},
	)

	BrokerMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_written_total",
			Help: "Total number of messages written to the transport (count)",
		},
		[]string{"transport", "topic"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of transport messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"transport", "topic", "direction"},
	)

	BrokerWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_write_duration_ms",
			Help:    "Duration of writing messages to the transport in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"transport", "topic"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of management API requests (count)",
		},
		[]string{"method", "path", "status"},
	)
)

var (
	engineOnce     sync.Once
	brokerOnce     sync.Once
	breakerOnce    sync.Once
	managementOnce sync.Once
)

func RegisterEngineMetrics() {
	engineOnce.Do(func() {
		prometheus.MustRegister(LedgerStepsTotal)
		prometheus.MustRegister(LedgerDetailsTotal)
		prometheus.MustRegister(LedgerContentReusedTotal)
		prometheus.MustRegister(EventsRecordedTotal)
		prometheus.MustRegister(EventsDispatchedTotal)
		prometheus.MustRegister(EventsRetriedTotal)
		prometheus.MustRegister(EventsDeadLetteredTotal)
		prometheus.MustRegister(EventBacklog)
		prometheus.MustRegister(DispatchDuration)
		prometheus.MustRegister(LockWaitDuration)
		prometheus.MustRegister(LockAcquireFailuresTotal)
		prometheus.MustRegister(LockLeaseLostTotal)
		prometheus.MustRegister(PolicyDecisionsTotal)
		prometheus.MustRegister(PipelineErrorsTotal)
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(ComponentState)
		prometheus.MustRegister(ReconcileRunsTotal)
	})
}

func RegisterBrokerMetrics() {
	brokerOnce.Do(func() {
		prometheus.MustRegister(RetryAttemptsTotal)
		prometheus.MustRegister(DLQMessagesTotal)
		prometheus.MustRegister(BrokerMessagesReadTotal)
		prometheus.MustRegister(BrokerMessagesWrittenTotal)
		prometheus.MustRegister(BrokerMessageSizeBytes)
		prometheus.MustRegister(BrokerWriteDuration)
	})
}

func RegisterCircuitBreakerMetrics() {
	breakerOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
	})
}

func RegisterManagementMetrics() {
	managementOnce.Do(func() {
		prometheus.MustRegister(RateLimitRequestsTotal)
		prometheus.MustRegister(HTTPRequestsTotal)
	})
}

func IncLedgerStep(action string) {
	LedgerStepsTotal.WithLabelValues(action).Inc()
}

func IncLedgerDetail(kind string) {
	LedgerDetailsTotal.WithLabelValues(kind).Inc()
}

func IncEventRecorded(direction, eventType string) {
	EventsRecordedTotal.WithLabelValues(direction, eventType).Inc()
}

func IncEventDispatched(eventType, status string) {
	EventsDispatchedTotal.WithLabelValues(eventType, status).Inc()
}

func IncEventRetried(eventType string) {
	EventsRetriedTotal.WithLabelValues(eventType).Inc()
}

func IncEventDeadLettered(eventType string) {
	EventsDeadLetteredTotal.WithLabelValues(eventType).Inc()
}

func SetEventBacklog(component, direction string, count int) {
	EventBacklog.WithLabelValues(component, direction).Set(float64(count))
}

func ObserveDispatchDuration(eventType string, duration time.Duration) {
	DispatchDuration.WithLabelValues(eventType).Observe(float64(duration.Milliseconds()))
}

func ObserveLockWait(backend string, duration time.Duration) {
	LockWaitDuration.WithLabelValues(backend).Observe(float64(duration.Milliseconds()))
}

func IncLockAcquireFailure(backend string) {
	LockAcquireFailuresTotal.WithLabelValues(backend).Inc()
}

func IncLockLeaseLost(backend string) {
	LockLeaseLostTotal.WithLabelValues(backend).Inc()
}

func IncPolicyDecision(kind, policy string, accepted bool) {
	result := "filtered"
	if accepted {
		result = "passed"
	}
	PolicyDecisionsTotal.WithLabelValues(kind, policy, result).Inc()
}

func IncPipelineError(stage, class string) {
	PipelineErrorsTotal.WithLabelValues(stage, class).Inc()
}

func ObserveStageDuration(stage, status string, duration time.Duration) {
	StageDuration.WithLabelValues(stage, status).Observe(float64(duration.Milliseconds()))
}

func SetComponentState(component, side string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	ComponentState.WithLabelValues(component, side).Set(v)
}

func IncReconcileRun(trigger string) {
	ReconcileRunsTotal.WithLabelValues(trigger).Inc()
}

func IncBrokerMessagesRead(transport, topic string) {
	BrokerMessagesReadTotal.WithLabelValues(transport, topic).Inc()
}

func IncBrokerMessagesWritten(transport, topic string) {
	BrokerMessagesWrittenTotal.WithLabelValues(transport, topic).Inc()
}

func ObserveBrokerMessageSize(transport, topic, direction string, sizeBytes int) {
	BrokerMessageSizeBytes.WithLabelValues(transport, topic, direction).Observe(float64(sizeBytes))
}

func ObserveBrokerWriteDuration(transport, topic string, duration time.Duration) {
	BrokerWriteDuration.WithLabelValues(transport, topic).Observe(float64(duration.Milliseconds()))
}

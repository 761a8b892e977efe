package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SelfEventProcessed   = "processed"
	SelfEventFailed      = "failed"
	SelfEventDuplicate   = "duplicate"
	SelfEventDropped     = "dropped"
	SelfEventUnknownType = "unknown_type"
	SelfEventExhausted   = "exhausted"

	CommandHandled   = "handled"
	CommandFailed    = "failed"
	CommandDuplicate = "duplicate"
	CommandUnknown   = "unknown_action"
	CommandDropped   = "dropped"
)

// Pipeline captures outbox, relay, consumer and saga health signals.
type Pipeline struct {
	outboxAppended      *prometheus.CounterVec
	outboxPublished     *prometheus.CounterVec
	outboxPublishErrors *prometheus.CounterVec
	outboxFailed        *prometheus.GaugeVec
	outboxExpired       *prometheus.GaugeVec
	outboxUnprocessed   *prometheus.GaugeVec
	outboxSkipped       *prometheus.CounterVec
	relayBreaker        *prometheus.GaugeVec
	selfEvents          *prometheus.CounterVec
	unknownEventTypes   *prometheus.CounterVec
	integrityWarnings   *prometheus.CounterVec
	dedupFallbacks      *prometheus.CounterVec
	sagaTransitions     *prometheus.CounterVec
	sagaConflicts       prometheus.Counter
	sagaStuck           prometheus.Gauge
	sagaResultsDropped  *prometheus.CounterVec
	commands            *prometheus.CounterVec
	unknownActions      *prometheus.CounterVec
	brokerRedeliveries  *prometheus.CounterVec
	brokerDeadLetters   *prometheus.CounterVec
}

var (
	pipelineOnce sync.Once
	pipeline     *Pipeline
)

// Default returns the process-wide pipeline metrics registered on the default registerer.
func Default() *Pipeline {
	return DefaultWithConfig(Config{})
}

func DefaultWithConfig(cfg Config) *Pipeline {
	pipelineOnce.Do(func() {
		pipeline = NewPipeline(prometheus.DefaultRegisterer, cfg)
	})
	return pipeline
}

// ResetForTest resets the pipeline metrics singleton for tests.
func ResetForTest() {
	pipelineOnce = sync.Once{}
	pipeline = nil
}

func NewPipeline(registerer prometheus.Registerer, cfg Config) *Pipeline {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels(cfg.constLabels())

	m := &Pipeline{
		outboxAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_outbox_appended_total",
			Help:        "Outbox rows written in the same transaction as a business mutation.",
			ConstLabels: constLabels,
		}, []string{"table", "event_type"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_outbox_published_total",
			Help:        "Outbox events handed to the broker by a relay.",
			ConstLabels: constLabels,
		}, []string{"relay", "topic"}),
		outboxPublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_outbox_publish_errors_total",
			Help:        "Relay publish attempts that failed and were scheduled for retry.",
			ConstLabels: constLabels,
		}, []string{"relay", "topic"}),
		outboxFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tripsaga_outbox_failed_events",
			Help:        "Unprocessed outbox rows that exhausted their retries and need an operator.",
			ConstLabels: constLabels,
		}, []string{"table"}),
		outboxExpired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tripsaga_outbox_expired_events",
			Help:        "Unprocessed outbox rows past their expiry.",
			ConstLabels: constLabels,
		}, []string{"table"}),
		outboxUnprocessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tripsaga_outbox_unprocessed_events",
			Help:        "Outbox rows not yet acknowledged by the polling relay.",
			ConstLabels: constLabels,
		}, []string{"table"}),
		outboxSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_outbox_skipped_total",
			Help:        "Rows a polling pass left alone, by reason.",
			ConstLabels: constLabels,
		}, []string{"table", "reason"}),
		relayBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tripsaga_relay_breaker_state",
			Help:        "Relay publish circuit breaker state: 0 closed, 1 half-open, 2 open.",
			ConstLabels: constLabels,
		}, []string{"relay"}),
		selfEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_selfevent_results_total",
			Help:        "Self-event consumer outcomes by owning service.",
			ConstLabels: constLabels,
		}, []string{"owner", "result"}),
		unknownEventTypes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_selfevent_unknown_type_total",
			Help:        "Self-events whose type has no registered handler.",
			ConstLabels: constLabels,
		}, []string{"owner", "event_type"}),
		integrityWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_integrity_warnings_total",
			Help:        "Self-event verifications that did not match local state.",
			ConstLabels: constLabels,
		}, []string{"owner", "event_type"}),
		dedupFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_dedup_fallback_total",
			Help:        "Deduplication calls served by the fallback store.",
			ConstLabels: constLabels,
		}, []string{"operation"}),
		sagaTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_saga_transitions_total",
			Help:        "Saga state transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		sagaConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tripsaga_saga_version_conflicts_total",
			Help:        "Optimistic lock conflicts on saga instances.",
			ConstLabels: constLabels,
		}),
		sagaStuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tripsaga_saga_stuck",
			Help:        "Non-terminal sagas past their SLA that require manual intervention.",
			ConstLabels: constLabels,
		}),
		sagaResultsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_saga_results_dropped_total",
			Help:        "Result events acknowledged without advancing a saga because they can never apply.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_command_results_total",
			Help:        "Saga command consumer outcomes.",
			ConstLabels: constLabels,
		}, []string{"owner", "action", "result"}),
		unknownActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_command_unknown_action_total",
			Help:        "Saga commands dropped because no handler knows the action.",
			ConstLabels: constLabels,
		}, []string{"owner", "action"}),
		brokerRedeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_broker_redeliveries_total",
			Help:        "Messages redelivered after a handler error.",
			ConstLabels: constLabels,
		}, []string{"topic", "group"}),
		brokerDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tripsaga_broker_dead_letters_total",
			Help:        "Messages abandoned after exhausting redeliveries.",
			ConstLabels: constLabels,
		}, []string{"topic", "group"}),
	}

	m.outboxAppended = registerCollector(registerer, m.outboxAppended)
	m.outboxPublished = registerCollector(registerer, m.outboxPublished)
	m.outboxPublishErrors = registerCollector(registerer, m.outboxPublishErrors)
	m.outboxFailed = registerCollector(registerer, m.outboxFailed)
	m.outboxExpired = registerCollector(registerer, m.outboxExpired)
	m.outboxUnprocessed = registerCollector(registerer, m.outboxUnprocessed)
	m.outboxSkipped = registerCollector(registerer, m.outboxSkipped)
	m.relayBreaker = registerCollector(registerer, m.relayBreaker)
	m.selfEvents = registerCollector(registerer, m.selfEvents)
	m.unknownEventTypes = registerCollector(registerer, m.unknownEventTypes)
	m.integrityWarnings = registerCollector(registerer, m.integrityWarnings)
	m.dedupFallbacks = registerCollector(registerer, m.dedupFallbacks)
	m.sagaTransitions = registerCollector(registerer, m.sagaTransitions)
	m.sagaConflicts = registerCollector(registerer, m.sagaConflicts)
	m.sagaStuck = registerCollector(registerer, m.sagaStuck)
	m.sagaResultsDropped = registerCollector(registerer, m.sagaResultsDropped)
	m.commands = registerCollector(registerer, m.commands)
	m.unknownActions = registerCollector(registerer, m.unknownActions)
	m.brokerRedeliveries = registerCollector(registerer, m.brokerRedeliveries)
	m.brokerDeadLetters = registerCollector(registerer, m.brokerDeadLetters)
	return m
}

// registerCollector registers c, reusing an identical collector that is already registered.
// Any other registration error is a broken descriptor and panics like MustRegister.
func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	err := registerer.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

func (m *Pipeline) IncOutboxAppended(table, eventType string) {
	if m == nil {
		return
	}
	m.outboxAppended.WithLabelValues(table, eventType).Inc()
}

func (m *Pipeline) IncOutboxPublished(relay, topic string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(relay, topic).Inc()
}

func (m *Pipeline) IncOutboxPublishError(relay, topic string) {
	if m == nil {
		return
	}
	m.outboxPublishErrors.WithLabelValues(relay, topic).Inc()
}

// SetOutboxBacklog publishes the queryable backlog counters for one outbox table.
func (m *Pipeline) SetOutboxBacklog(table string, unprocessed, failed, expired int64) {
	if m == nil {
		return
	}
	m.outboxUnprocessed.WithLabelValues(table).Set(float64(unprocessed))
	m.outboxFailed.WithLabelValues(table).Set(float64(failed))
	m.outboxExpired.WithLabelValues(table).Set(float64(expired))
}

// Skip reasons for a polling pass.
const (
	SkipBackoff = "backoff"
	SkipBlocked = "blocked"
)

func (m *Pipeline) IncOutboxSkipped(table, reason string) {
	if m == nil {
		return
	}
	m.outboxSkipped.WithLabelValues(table, reason).Inc()
}

func (m *Pipeline) SetRelayBreakerState(relay string, state int) {
	if m == nil {
		return
	}
	m.relayBreaker.WithLabelValues(relay).Set(float64(state))
}

func (m *Pipeline) IncSelfEvent(service, result string) {
	if m == nil {
		return
	}
	m.selfEvents.WithLabelValues(service, result).Inc()
}

func (m *Pipeline) IncUnknownEventType(service, eventType string) {
	if m == nil {
		return
	}
	m.unknownEventTypes.WithLabelValues(service, eventType).Inc()
}

func (m *Pipeline) IncIntegrityWarning(service, eventType string) {
	if m == nil {
		return
	}
	m.integrityWarnings.WithLabelValues(service, eventType).Inc()
}

func (m *Pipeline) IncDedupFallback(operation string) {
	if m == nil {
		return
	}
	m.dedupFallbacks.WithLabelValues(operation).Inc()
}

func (m *Pipeline) IncSagaTransition(from, to string) {
	if m == nil {
		return
	}
	m.sagaTransitions.WithLabelValues(from, to).Inc()
}

func (m *Pipeline) IncSagaConflict() {
	if m == nil {
		return
	}
	m.sagaConflicts.Inc()
}

func (m *Pipeline) IncSagaResultDropped(reason string) {
	if m == nil {
		return
	}
	m.sagaResultsDropped.WithLabelValues(reason).Inc()
}

func (m *Pipeline) SetSagaStuck(count int) {
	if m == nil {
		return
	}
	m.sagaStuck.Set(float64(count))
}

func (m *Pipeline) IncCommand(service, action, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(service, action, result).Inc()
}

// IncUnknownAction counts a dropped command with an unrecognized action.
func (m *Pipeline) IncUnknownAction(service, action string) {
	if m == nil {
		return
	}
	m.unknownActions.WithLabelValues(service, action).Inc()
	m.commands.WithLabelValues(service, action, CommandUnknown).Inc()
}

func (m *Pipeline) IncBrokerRedelivery(topic, group string) {
	if m == nil {
		return
	}
	m.brokerRedeliveries.WithLabelValues(topic, group).Inc()
}

func (m *Pipeline) IncBrokerDeadLetter(topic, group string) {
	if m == nil {
		return
	}
	m.brokerDeadLetters.WithLabelValues(topic, group).Inc()
}

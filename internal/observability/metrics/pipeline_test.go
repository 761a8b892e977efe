package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineBacklogGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPipeline(registry, Config{ServiceName: "tripsaga", Environment: "test"})

	m.SetOutboxBacklog("booking_outbox_events", 4, 2, 1)
	m.SetOutboxBacklog("booking_outbox_events", 3, 1, 0)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.outboxUnprocessed.WithLabelValues("booking_outbox_events")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outboxFailed.WithLabelValues("booking_outbox_events")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.outboxExpired.WithLabelValues("booking_outbox_events")))
}

func TestPipelineReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewPipeline(registry, Config{})
	second := NewPipeline(registry, Config{})

	first.IncCommand("payment", "PROCESS_PAYMENT", CommandHandled)
	second.IncCommand("payment", "PROCESS_PAYMENT", CommandHandled)

	assert.Equal(t, float64(2), testutil.ToFloat64(first.commands.WithLabelValues("payment", "PROCESS_PAYMENT", CommandHandled)))
}

func TestPipelineConstLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPipeline(registry, Config{ServiceName: "tripsaga", Environment: "test"})
	m.IncSagaConflict()

	families, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, family := range families {
		if family.GetName() != "tripsaga_saga_version_conflicts_total" {
			continue
		}
		found = true
		labels := map[string]string{}
		for _, pair := range family.GetMetric()[0].GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		assert.Equal(t, "tripsaga", labels["service"])
		assert.Equal(t, "test", labels["env"])
	}
	assert.True(t, found)
}

func TestNilPipelineIsNoop(t *testing.T) {
	var m *Pipeline
	m.IncSelfEvent("booking", SelfEventProcessed)
	m.SetSagaStuck(2)
}

func TestPipelineExportsOwnerLabelledCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPipeline(registry, Config{ServiceName: "tripsaga", Environment: "prod"})

	m.IncSelfEvent("booking", SelfEventProcessed)
	m.IncUnknownEventType("booking", "Mystery")
	m.IncIntegrityWarning("payment", "PaymentProcessed")
	m.IncCommand("hotel", "RESERVE_HOTEL", CommandHandled)
	m.IncUnknownAction("hotel", "TELEPORT")

	for _, name := range []string{
		"tripsaga_selfevent_results_total",
		"tripsaga_selfevent_unknown_type_total",
		"tripsaga_integrity_warnings_total",
		"tripsaga_command_results_total",
		"tripsaga_command_unknown_action_total",
	} {
		n, err := testutil.GatherAndCount(registry, name)
		require.NoError(t, err)
		assert.Equal(t, 1, n, name)
	}

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "tripsaga_command_unknown_action_total" {
			continue
		}
		labels := map[string]string{}
		for _, pair := range family.GetMetric()[0].GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		assert.Equal(t, "tripsaga", labels["service"])
		assert.Equal(t, "hotel", labels["owner"])
		assert.Equal(t, "TELEPORT", labels["action"])
	}
}

func TestPipelinePanicsOnConflictingDescriptor(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripsaga_saga_version_conflicts_total",
		Help: "A different help string.",
	}))

	assert.Panics(t, func() { NewPipeline(registry, Config{}) })
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), Sources{})

	specs := []struct {
		fn      func()
		counter prometheus.Counter
	}{
		{m.MessageSent, m.MessagesSent},
		{m.MessageReceived, m.MessagesReceived},
		{m.MessageReplied, m.MessagesReplied},
		{m.EventPosted, m.EventsPosted},
		{m.CapabilityDuplicated, m.CapabilityDups},
		{m.ObjectDestroyed, m.ObjectsDestroyed},
	}

	for specIndex, spec := range specs {
		spec.fn()
		spec.fn()
		assert.Equal(t, float64(2), testutil.ToFloat64(spec.counter), "[spec %d]", specIndex)
	}
}

func TestSnapshot(t *testing.T) {
	frames := 10.0
	m := New(prometheus.NewRegistry(), Sources{
		FreeFrames: func() float64 { return frames },
		Tasks:      func() float64 { return 3 },
	})

	m.ContextSwitches.Add(5)
	m.IRQsDelivered.WithLabelValues("7").Inc()
	frames = 8

	samples, err := m.Snapshot()
	require.NoError(t, err)

	byName := make(map[string]Sample)
	for _, s := range samples {
		byName[s.Name] = s
	}

	assert.Equal(t, 8.0, byName["capos_mm_free_frames"].Value)
	assert.Equal(t, 3.0, byName["capos_sched_tasks"].Value)
	assert.Equal(t, 5.0, byName["capos_sched_context_switches_total"].Value)
	assert.Equal(t, map[string]string{"irq": "7"}, byName["capos_irq_delivered_total"].Labels)
	assert.NotContains(t, byName, "capos_ipc_objects")

	for i := 1; i < len(samples); i++ {
		assert.LessOrEqual(t, samples[i-1].Name, samples[i].Name)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New(prometheus.NewRegistry(), Sources{})
	b := New(prometheus.NewRegistry(), Sources{})

	a.MessageSent()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.MessagesSent))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesSent))
	assert.NotSame(t, a.Registry(), b.Registry())
}

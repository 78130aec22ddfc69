// Package metrics exports kernel activity as Prometheus metrics. Every
// kernel instance owns its own registry.
package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "capos"

// Sources supplies the values of gauges that are read on collection.
type Sources struct {
	FreeFrames func() float64
	Tasks      func() float64
	InFlight   func() float64
	Objects    func() float64
	L2Reuses   func() float64
}

// Metrics holds all kernel metrics.
type Metrics struct {
	// IPC metrics
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MessagesReplied  prometheus.Counter
	EventsPosted     prometheus.Counter
	CapabilityDups   prometheus.Counter
	ObjectsDestroyed prometheus.Counter

	// Scheduler metrics
	ContextSwitches prometheus.Counter

	// Process metrics
	ProcessesSpawned prometheus.Counter
	ProcessesKilled  prometheus.Counter

	// Interrupt metrics
	IRQsDelivered *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers the kernel metrics with reg. Nil source functions are
// skipped.
func New(reg *prometheus.Registry, src Sources) *Metrics {
	factory := promauto.With(reg)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		MessagesSent:     counter("ipc", "messages_sent_total", "Total number of messages sent"),
		MessagesReceived: counter("ipc", "messages_received_total", "Total number of messages received"),
		MessagesReplied:  counter("ipc", "messages_replied_total", "Total number of replies delivered"),
		EventsPosted:     counter("ipc", "events_posted_total", "Total number of events posted to objects"),
		CapabilityDups:   counter("ipc", "capability_dups_total", "Total number of capabilities duplicated across processes"),
		ObjectsDestroyed: counter("ipc", "objects_destroyed_total", "Total number of objects destroyed"),
		ContextSwitches:  counter("sched", "context_switches_total", "Total number of context switches"),
		ProcessesSpawned: counter("proc", "spawned_total", "Total number of processes created"),
		ProcessesKilled:  counter("proc", "killed_total", "Total number of processes destroyed"),
		IRQsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "irq",
				Name:      "delivered_total",
				Help:      "Total number of interrupts delivered to subscribers",
			},
			[]string{"irq"},
		),
		registry: reg,
	}

	gauge := func(subsystem, name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, fn)
	}

	gauge("mm", "free_frames", "Number of free physical frames", src.FreeFrames)
	gauge("sched", "tasks", "Number of live tasks", src.Tasks)
	gauge("ipc", "messages_in_flight", "Number of allocated messages", src.InFlight)
	gauge("ipc", "objects", "Number of live objects", src.Objects)
	gauge("mm", "l2_table_reuses", "Coarse tables recycled by live page tables", src.L2Reuses)

	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// MessageSent implements ipc.Observer.
func (m *Metrics) MessageSent() { m.MessagesSent.Inc() }

// MessageReceived implements ipc.Observer.
func (m *Metrics) MessageReceived() { m.MessagesReceived.Inc() }

// MessageReplied implements ipc.Observer.
func (m *Metrics) MessageReplied() { m.MessagesReplied.Inc() }

// EventPosted implements ipc.Observer.
func (m *Metrics) EventPosted() { m.EventsPosted.Inc() }

// CapabilityDuplicated implements ipc.Observer.
func (m *Metrics) CapabilityDuplicated() { m.CapabilityDups.Inc() }

// ObjectDestroyed implements ipc.Observer.
func (m *Metrics) ObjectDestroyed() { m.ObjectsDestroyed.Inc() }

// Sample is one collected metric value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Snapshot gathers the current value of every counter and gauge, sorted by
// name.
func (m *Metrics) Snapshot() ([]Sample, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	var out []Sample
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			s := Sample{Name: family.GetName()}
			for _, label := range metric.GetLabel() {
				if s.Labels == nil {
					s.Labels = make(map[string]string)
				}
				s.Labels[label.GetName()] = label.GetValue()
			}

			switch {
			case metric.GetCounter() != nil:
				s.Value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				s.Value = metric.GetGauge().GetValue()
			default:
				continue
			}
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

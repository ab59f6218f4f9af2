package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"payoutmgr/core/events"
)

type eventMetrics struct {
	records *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted engine records.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			records: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payoutmgr",
				Subsystem: "events",
				Name:      "records_total",
				Help:      "Count of engine records segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.records)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied record type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.records.WithLabelValues(normalized).Inc()
}

// EventCounter is an events.Emitter that only counts records.
type EventCounter struct{}

// Emit implements events.Emitter.
func (EventCounter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	Events().RecordEvent(evt.EventType())
}

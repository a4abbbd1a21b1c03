// Package metrics exposes batch run activity as Prometheus metrics. It
// learns everything from the event bus, so the queue has no dependency on
// it.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batchq/internal/batch"
	"batchq/internal/eventbus"
)

const namespace = "batchq"

type Metrics struct {
	reg *prometheus.Registry

	ItemsProcessed *prometheus.CounterVec
	ItemsInFlight  *prometheus.GaugeVec
	ItemDuration   *prometheus.HistogramVec
	Runs           *prometheus.CounterVec
	LastRunSuccess *prometheus.GaugeVec
	LastRunTime    *prometheus.GaugeVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		ItemsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "items",
			Name:      "processed_total",
			Help:      "Items that reached a terminal state, labelled by queue and status.",
		}, []string{"queue", "status"}),

		ItemsInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "items",
			Name:      "inflight",
			Help:      "Items currently being processed.",
		}, []string{"queue"}),

		ItemDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "items",
			Name:      "duration_seconds",
			Help:      "Processor time per item in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
		}, []string{"queue", "status"}),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Finished runs, labelled by queue and final status.",
		}, []string{"queue", "status"}),

		LastRunSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "last_successful_items",
			Help:      "Successful items in the most recent run.",
		}, []string{"queue"}),

		LastRunTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time the most recent run finished.",
		}, []string{"queue"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Record updates collectors for one bus event. Unknown events are ignored.
func (m *Metrics) Record(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case batch.ItemEvent:
		switch ev.Type {
		case batch.EventItemStarted:
			m.ItemsInFlight.WithLabelValues(data.Queue).Inc()
		case batch.EventItemCompleted, batch.EventItemFailed, batch.EventItemCancelled:
			st := string(data.Status)
			m.ItemsProcessed.WithLabelValues(data.Queue, st).Inc()
			// items cancelled before a worker claimed them never started
			if data.Duration > 0 || ev.Type != batch.EventItemCancelled {
				m.ItemsInFlight.WithLabelValues(data.Queue).Dec()
				m.ItemDuration.WithLabelValues(data.Queue, st).Observe(data.Duration.Seconds())
			}
		}
	case batch.RunEvent:
		if ev.Type != batch.EventRunFinished {
			return
		}
		m.Runs.WithLabelValues(data.Queue, string(data.Status)).Inc()
		m.LastRunSuccess.WithLabelValues(data.Queue).Set(float64(data.Successful))
		at := ev.Time
		if at.IsZero() {
			at = time.Now()
		}
		m.LastRunTime.WithLabelValues(data.Queue).Set(float64(at.Unix()))
	}
}

// Observe records batch events from bus until ctx is done. It also exports
// the bus drop counter so lost events are visible.
func (m *Metrics) Observe(ctx context.Context, bus eventbus.Bus) {
	_ = m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber was slow.",
	}, func() float64 { return float64(eventbus.Dropped(bus)) }))

	eventbus.Consume(ctx, bus, 256, m.Record, "run.", "item.")
}

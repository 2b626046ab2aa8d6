// Package metrics exposes Prometheus metrics derived from event bus traffic.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pagenotify/internal/digest"
	"pagenotify/internal/eventbus"
	"pagenotify/internal/history"
	"pagenotify/internal/notifier"
	"pagenotify/internal/task/engine"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	RecordsTotal        *prometheus.CounterVec // by event_type
	RecordsDeletedTotal prometheus.Counter

	SingleDeliveriesTotal *prometheus.CounterVec // status: sent, failed

	DigestRunsTotal       *prometheus.CounterVec // status: completed, interrupted
	DigestDeliveriesTotal *prometheus.CounterVec // status: sent, failed
	DigestRunDuration     prometheus.Histogram
	DigestLastRun         prometheus.Gauge

	TasksTotal   *prometheus.CounterVec // by task, status
	TaskDuration *prometheus.HistogramVec

	mu           sync.Mutex
	digestStarts map[string]time.Time

	registry *prometheus.Registry
}

// New registers the metrics on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry, digestStarts: map[string]time.Time{}}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pagenotify_records_total", Help: "History records written, by event type"},
		[]string{"event_type"},
	)
	m.RecordsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pagenotify_records_deleted_total", Help: "Records deleted because their page was gone"},
	)
	m.SingleDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pagenotify_single_deliveries_total", Help: "Immediate notification sends, by status"},
		[]string{"status"},
	)
	m.DigestRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pagenotify_digest_runs_total", Help: "Digest runs, by outcome"},
		[]string{"status"},
	)
	m.DigestDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pagenotify_digest_deliveries_total", Help: "Digest sends, by status"},
		[]string{"status"},
	)
	m.DigestRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagenotify_digest_run_duration_seconds",
		Help:    "Wall time of a digest run",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	})
	m.DigestLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pagenotify_digest_last_run_timestamp_seconds", Help: "End time of the last digest run"},
	)
	m.TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pagenotify_tasks_total", Help: "Task engine outcomes, by task and status"},
		[]string{"task", "status"},
	)
	m.TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagenotify_task_duration_seconds",
		Help:    "Task run time including retries",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"task"})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RecordsTotal, m.RecordsDeletedTotal, m.SingleDeliveriesTotal,
		m.DigestRunsTotal, m.DigestDeliveriesTotal, m.DigestRunDuration, m.DigestLastRun,
		m.TasksTotal, m.TaskDuration,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Run feeds the metrics from bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe updates the metrics for one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch ev := e.Data.(type) {
	case history.Record:
		if e.Type == eventbus.RecordCreated {
			m.RecordsTotal.WithLabelValues(string(ev.Type)).Inc()
		}
	case notifier.DispatchEvent:
		switch e.Type {
		case eventbus.RecordDeleted:
			m.RecordsDeletedTotal.Inc()
		case eventbus.SingleSent:
			m.SingleDeliveriesTotal.WithLabelValues("sent").Add(float64(ev.Sent))
		case eventbus.DeliveryFailed:
			m.SingleDeliveriesTotal.WithLabelValues("failed").Inc()
		}
	case digest.Event:
		m.observeDigest(e.Type, ev)
	case engine.TaskEvent:
		switch e.Type {
		case "task.finished":
			m.TasksTotal.WithLabelValues(ev.Name, "ok").Inc()
			m.TaskDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
		case "task.failed":
			m.TasksTotal.WithLabelValues(ev.Name, "failed").Inc()
			m.TaskDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
		default:
			if status, ok := strings.CutPrefix(e.Type, "task."); ok && status != "started" {
				m.TasksTotal.WithLabelValues(ev.Name, status).Inc()
			}
		}
	}
}

func (m *Metrics) observeDigest(typ string, ev digest.Event) {
	switch typ {
	case eventbus.DigestStarted:
		m.mu.Lock()
		m.digestStarts[ev.RunID] = ev.At
		m.mu.Unlock()
	case eventbus.DigestDelivered:
		m.DigestDeliveriesTotal.WithLabelValues("sent").Inc()
	case eventbus.DigestFinished:
		status := "completed"
		if ev.Error != "" {
			status = "interrupted"
		}
		m.DigestRunsTotal.WithLabelValues(status).Inc()
		m.DigestDeliveriesTotal.WithLabelValues("failed").Add(float64(ev.Failed))
		m.DigestLastRun.Set(float64(ev.At.Unix()))
		m.mu.Lock()
		if start, ok := m.digestStarts[ev.RunID]; ok {
			m.DigestRunDuration.Observe(ev.At.Sub(start).Seconds())
			delete(m.digestStarts, ev.RunID)
		}
		m.mu.Unlock()
	}
}

// RegisterGauges adds gauges read at scrape time.
func RegisterGauges(registry *prometheus.Registry, bus eventbus.Bus, mailState func() string, tasks func() engine.Snapshot) error {
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pagenotify_task_queue_length",
			Help: "Tasks waiting in the engine queue",
		}, func() float64 { return float64(tasks().QueueLen) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pagenotify_task_in_flight",
			Help: "Tasks currently executing",
		}, func() float64 { return float64(tasks().InFlight) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pagenotify_task_circuits_open",
			Help: "Task names whose circuit breaker is open",
		}, func() float64 { return float64(tasks().CircuitOpen) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pagenotify_bus_dropped_events",
			Help: "Events dropped by slow bus subscribers",
		}, func() float64 { return float64(bus.Dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pagenotify_mail_circuit_state",
			Help: "Mail circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, func() float64 { return circuitValue(mailState()) }),
	}
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("failed to register gauge: %w", err)
		}
	}
	return nil
}

func circuitValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

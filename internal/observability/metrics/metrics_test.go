package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"pagenotify/internal/digest"
	"pagenotify/internal/eventbus"
	"pagenotify/internal/history"
	"pagenotify/internal/notifier"
	"pagenotify/internal/task/engine"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string][]*dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string][]*dto.Metric, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf.GetMetric()
	}
	return out
}

func counter(ms []*dto.Metric, label, value string) float64 {
	for _, m := range ms {
		for _, l := range m.GetLabel() {
			if l.GetName() == label && l.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	for _, e := range []eventbus.Event{
		{Type: eventbus.RecordCreated, Data: history.Record{Type: history.AddStar}},
		{Type: eventbus.RecordCreated, Data: history.Record{Type: history.AddStar}},
		{Type: eventbus.RecordDeleted, Data: notifier.DispatchEvent{RecordID: 3}},
		{Type: eventbus.SingleSent, Data: notifier.DispatchEvent{Sent: 4}},
		{Type: eventbus.DeliveryFailed, Data: notifier.DispatchEvent{UserID: 9}},
		{Type: eventbus.DigestStarted, Data: digest.Event{RunID: "r1", At: start}},
		{Type: eventbus.DigestDelivered, Data: digest.Event{RunID: "r1"}},
		{Type: eventbus.DigestFinished, Data: digest.Event{RunID: "r1", Failed: 2, At: start.Add(time.Minute)}},
		{Type: "task.finished", Data: engine.TaskEvent{Name: "dispatch", Duration: time.Second}},
		{Type: "task.skipped", Data: engine.TaskEvent{Name: "dispatch"}},
		{Type: "unrelated", Data: 42},
	} {
		m.Observe(e)
	}

	got := gather(t, reg)
	require.Equal(t, 2.0, counter(got["pagenotify_records_total"], "event_type", string(history.AddStar)))
	require.Equal(t, 1.0, got["pagenotify_records_deleted_total"][0].GetCounter().GetValue())
	require.Equal(t, 4.0, counter(got["pagenotify_single_deliveries_total"], "status", "sent"))
	require.Equal(t, 1.0, counter(got["pagenotify_single_deliveries_total"], "status", "failed"))
	require.Equal(t, 1.0, counter(got["pagenotify_digest_runs_total"], "status", "completed"))
	require.Equal(t, 2.0, counter(got["pagenotify_digest_deliveries_total"], "status", "failed"))
	require.Equal(t, uint64(1), got["pagenotify_digest_run_duration_seconds"][0].GetHistogram().GetSampleCount())
	require.Equal(t, 60.0, got["pagenotify_digest_run_duration_seconds"][0].GetHistogram().GetSampleSum())
	require.Equal(t, 1.0, counter(got["pagenotify_tasks_total"], "status", "skipped"))
}

func TestRunStopsWithContext(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.RecordCreated, Data: history.Record{Type: history.PageCreated}})
		return counter(gather(t, reg)["pagenotify_records_total"], "event_type", string(history.PageCreated)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	state := "open"
	snap := engine.Snapshot{QueueLen: 3, InFlight: 1}
	require.NoError(t, RegisterGauges(reg, eventbus.New(), func() string { return state }, func() engine.Snapshot { return snap }))
	got := gather(t, reg)
	require.Equal(t, 2.0, got["pagenotify_mail_circuit_state"][0].GetGauge().GetValue())
	require.Zero(t, got["pagenotify_bus_dropped_events"][0].GetGauge().GetValue())
	require.Equal(t, 3.0, got["pagenotify_task_queue_length"][0].GetGauge().GetValue())
	require.Equal(t, 1.0, got["pagenotify_task_in_flight"][0].GetGauge().GetValue())
}

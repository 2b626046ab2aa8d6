package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pagenotify/internal/eventbus"
	"pagenotify/internal/history"
	"pagenotify/internal/mail"
	"pagenotify/internal/recipients"
	"pagenotify/internal/storage"
	"pagenotify/internal/task/engine"
	logx "pagenotify/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []mail.Message
	fail map[string]error
}

func (f *fakeTransport) Send(_ context.Context, m mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[m.To]; err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store *storage.Store
	tr    *fakeTransport
	d     *Dispatcher
}

func newFixture(t *testing.T, eng Engine) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, u := range []recipients.User{
		{ID: 1, Name: "Actor", Email: "actor@example.org", Channel: recipients.ChannelSingle},
		{ID: 2, Name: "Single", Email: "single@example.org", Channel: recipients.ChannelSingle},
		{ID: 3, Name: "Digest", Email: "digest@example.org", Channel: recipients.ChannelDigest},
		{ID: 4, Name: "Quiet", Email: "quiet@example.org", Channel: recipients.ChannelNone},
		{ID: 5, Name: "Other", Email: "other@example.org", Channel: recipients.ChannelSingle},
	} {
		require.NoError(t, st.UpsertUser(ctx, u))
	}
	require.NoError(t, st.UpsertPage(ctx, history.Page{ID: 100, Title: "Handbook"}))
	for _, uid := range []int64{1, 2, 3, 4, 5} {
		require.NoError(t, st.UpsertUserParticipation(ctx, storage.UserParticipation{UserID: uid, PageID: 100, Watch: true}))
	}

	tr := &fakeTransport{fail: map[string]error{}}
	d := New(Config{Enabled: true}, Deps{
		Store:     st,
		Resolver:  recipients.NewResolver(st, st),
		Transport: tr,
		Renderer:  mail.NewTextRenderer(mail.RenderConfig{}, st, st, nil),
		Engine:    eng,
		Bus:       eventbus.New(),
	}, logx.Nop())
	return &fixture{store: st, tr: tr, d: d}
}

func (f *fixture) record(t *testing.T, typ history.EventType) int64 {
	t.Helper()
	r := &history.Record{ActorID: 1, PageID: 100, Type: typ}
	require.NoError(t, f.store.InsertRecord(context.Background(), r))
	return r.ID
}

func TestDispatchTwiceSendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.record(t, history.UpdatedContent)

	res, err := f.d.Dispatch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
	require.Equal(t, 2, f.tr.count())
	for _, m := range f.tr.sent {
		require.NotEqual(t, "actor@example.org", m.To)
		require.NotEqual(t, "digest@example.org", m.To)
		require.NotEqual(t, "quiet@example.org", m.To)
	}

	res, err = f.d.Dispatch(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 2, f.tr.count())

	rec, err := f.store.GetRecord(ctx, id)
	require.NoError(t, err)
	require.False(t, rec.SingleSentAt.IsZero())
}

func TestDispatchDeletesRecordWithoutPage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.record(t, history.AddComment)
	require.NoError(t, f.store.DeletePage(ctx, 100))

	res, err := f.d.Dispatch(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Deleted)
	require.Zero(t, f.tr.count())
	_, err = f.store.GetRecord(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDispatchMissingRecordIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.d.Dispatch(context.Background(), 999)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestDispatchSystemicFailureLeavesUnstamped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.record(t, history.ChangeTitle)
	f.tr.fail["other@example.org"] = mail.Systemic(errors.New("smtp unreachable"))

	_, err := f.d.Dispatch(ctx, id)
	require.Error(t, err)
	require.True(t, mail.IsSystemic(err))
	rec, err := f.store.GetRecord(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.SingleSentAt.IsZero())

	delete(f.tr.fail, "other@example.org")
	res, err := f.d.Dispatch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
}

func TestDispatchRecipientFailureStillStamps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.record(t, history.MakePublic)
	f.tr.fail["single@example.org"] = errors.New("550 mailbox unavailable")

	res, err := f.d.Dispatch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 1, res.Failed)

	rec, err := f.store.GetRecord(ctx, id)
	require.NoError(t, err)
	require.False(t, rec.SingleSentAt.IsZero())

	dels, err := f.store.Deliveries(ctx, storage.DeliveryFilter{RecordID: id})
	require.NoError(t, err)
	require.Len(t, dels, 2)
	var failed int
	for _, d := range dels {
		if !d.OK {
			failed++
			require.Contains(t, d.Error, "550")
		}
	}
	require.Equal(t, 1, failed)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, history.Record) (recipients.Recipients, error) {
	return recipients.Recipients{}, errors.New("participations unavailable")
}

func TestDispatchResolverErrorLeavesUnstamped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.record(t, history.StartWatching)
	f.d.resolver = failingResolver{}

	_, err := f.d.Dispatch(ctx, id)
	require.Error(t, err)
	rec, err := f.store.GetRecord(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.SingleSentAt.IsZero())
}

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func waitIdle(t *testing.T, eng *engine.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Idle(ctx))
}

func TestEnqueueThroughEngine(t *testing.T) {
	eng := startEngine(t)
	f := newFixture(t, eng)
	id := f.record(t, history.UpdatedContent)

	require.NoError(t, f.d.Enqueue(id))
	waitIdle(t, eng)

	require.Equal(t, 2, f.tr.count())
	rec, err := f.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.False(t, rec.SingleSentAt.IsZero())
}

func TestSweepRequeuesUnstamped(t *testing.T) {
	eng := startEngine(t)
	f := newFixture(t, eng)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	for range 3 {
		r := &history.Record{ActorID: 1, PageID: 100, Type: history.AddComment, CreatedAt: past}
		require.NoError(t, f.store.InsertRecord(ctx, r))
	}
	fresh := f.record(t, history.AddComment)

	n, err := f.d.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	waitIdle(t, eng)
	require.Equal(t, 6, f.tr.count())

	rec, err := f.store.GetRecord(ctx, fresh)
	require.NoError(t, err)
	require.True(t, rec.SingleSentAt.IsZero(), "records inside the grace period are left alone")
}

func TestSweepDeletesSentRecordsWithoutPage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.record(t, history.UpdatedContent)
	res, err := f.d.Dispatch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)

	events, unsubscribe := f.d.bus.Subscribe(4, eventbus.RecordDeleted)
	defer unsubscribe()
	require.NoError(t, f.store.DeletePage(ctx, 100))

	n, err := f.d.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = f.store.GetRecord(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, 2, f.tr.count())
	select {
	case e := <-events:
		require.Equal(t, id, e.Data.(DispatchEvent).RecordID)
	default:
		t.Fatal("no record deleted event")
	}
}

func TestEnqueueDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.d.Apply(Config{Enabled: false})
	require.ErrorIs(t, f.d.Enqueue(1), ErrDisabled)
}

package digest

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

func (f *fakeTransport) to() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.To
	}
	return out
}

type fixture struct {
	store *storage.Store
	tr    *fakeTransport
	agg   *Aggregator
	now   time.Time
	ids   []int64
}

// newFixture seeds three digest readers: ann watches pages 1 and 2, bob
// watches 2, cat watches 3. Page 1 also has a single-channel watcher.
// One record per page lands an hour before the run.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	users := []recipients.User{
		{ID: 10, Name: "Ann", Email: "ann@example.org", Channel: recipients.ChannelDigest},
		{ID: 11, Name: "Bob", Email: "bob@example.org", Channel: recipients.ChannelDigest},
		{ID: 12, Name: "Cat", Email: "cat@example.org", Channel: recipients.ChannelDigest},
		{ID: 13, Name: "Dan", Email: "dan@example.org", Channel: recipients.ChannelSingle},
	}
	for _, u := range users {
		require.NoError(t, st.UpsertUser(ctx, u))
	}
	for _, p := range []history.Page{{ID: 1, Title: "Intro"}, {ID: 2, Title: "Setup"}, {ID: 3, Title: "FAQ"}} {
		require.NoError(t, st.UpsertPage(ctx, p))
	}
	for _, w := range [][2]int64{{10, 1}, {10, 2}, {11, 2}, {12, 3}, {13, 1}} {
		require.NoError(t, st.UpsertUserParticipation(ctx, storage.UserParticipation{UserID: w[0], PageID: w[1], Watch: true}))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	f := &fixture{store: st, tr: &fakeTransport{fail: map[string]error{}}, now: now}
	for _, page := range []int64{1, 2, 3} {
		r := &history.Record{ActorID: 13, PageID: page, Type: history.UpdatedContent, CreatedAt: now.Add(-time.Hour)}
		require.NoError(t, st.InsertRecord(ctx, r))
		f.ids = append(f.ids, r.ID)
	}

	f.agg = New(Config{Enabled: true}, Deps{
		Store:      st,
		Recipients: recipients.NewResolver(st, st),
		Transport:  f.tr,
		Renderer:   mail.NewTextRenderer(mail.RenderConfig{SiteTitle: "Wiki"}, st, st, nil),
		Bus:        eventbus.New(),
		Now:        func() time.Time { return now },
	}, logx.Nop())
	return f
}

func (f *fixture) digestSent(t *testing.T, id int64) bool {
	t.Helper()
	r, err := f.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return !r.DigestSentAt.IsZero()
}

func TestRunSendsOneDigestPerRecipient(t *testing.T) {
	f := newFixture(t)

	rep, err := f.agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Records)
	require.Equal(t, 3, rep.Recipients)
	require.Equal(t, 3, rep.Sent)
	require.Zero(t, rep.Failed)
	require.EqualValues(t, 3, rep.Stamped)
	require.False(t, rep.Interrupted)
	require.NotEmpty(t, rep.RunID)

	require.Equal(t, []string{"ann@example.org", "bob@example.org", "cat@example.org"}, f.tr.to())
	require.Contains(t, f.tr.sent[0].Subject, "2 changes")
	require.Contains(t, f.tr.sent[0].Body, "Intro")
	require.Contains(t, f.tr.sent[0].Body, "Setup")
	require.NotContains(t, f.tr.sent[1].Body, "Intro")
	for _, id := range f.ids {
		require.True(t, f.digestSent(t, id))
	}

	dels, err := f.store.Deliveries(context.Background(), storage.DeliveryFilter{RunID: rep.RunID})
	require.NoError(t, err)
	require.Len(t, dels, 3)
	for _, d := range dels {
		require.Equal(t, "digest", d.Channel)
		require.True(t, d.OK)
	}
}

func TestSecondRunSendsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.agg.Run(ctx)
	require.NoError(t, err)

	rep, err := f.agg.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Records)
	require.Zero(t, rep.Sent)
	require.Equal(t, 3, rep.Empty)
	require.Len(t, f.tr.to(), 3)
}

func TestRunStampsRecordsNobodyWatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertPage(ctx, history.Page{ID: 4, Title: "Orphaned"}))
	r := &history.Record{ActorID: 13, PageID: 4, Type: history.AddComment, CreatedAt: f.now.Add(-time.Hour)}
	require.NoError(t, f.store.InsertRecord(ctx, r))

	rep, err := f.agg.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, rep.Records)
	require.Equal(t, 3, rep.Sent)
	require.EqualValues(t, 4, rep.Stamped)
	require.True(t, f.digestSent(t, r.ID))
	for _, m := range f.tr.sent {
		require.NotContains(t, m.Body, "Orphaned")
	}
}

func TestRunIgnoresRecordsOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := &history.Record{ActorID: 13, PageID: 3, Type: history.AddComment, CreatedAt: f.now.Add(-25 * time.Hour)}
	require.NoError(t, f.store.InsertRecord(ctx, old))

	rep, err := f.agg.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Records)
	require.EqualValues(t, 3, rep.Stamped)
	require.False(t, f.digestSent(t, old.ID))
	for _, m := range f.tr.sent {
		if m.To == "cat@example.org" {
			require.Contains(t, m.Subject, "1 change")
			require.NotContains(t, m.Body, "added a comment")
		}
	}
}

func TestRecipientFailureDoesNotStopRun(t *testing.T) {
	f := newFixture(t)
	f.tr.fail["ann@example.org"] = errors.New("550 mailbox unavailable")

	rep, err := f.agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.Sent)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, []int64{10}, rep.Failures)
	// Completed runs stamp the whole window.
	require.EqualValues(t, 3, rep.Stamped)
}

func TestInterruptedRunStampsOnlyDelivered(t *testing.T) {
	f := newFixture(t)
	f.agg.Apply(Config{Enabled: true, Throttle: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.agg.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	rep, err := f.agg.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, rep.Interrupted)
	require.Equal(t, 1, rep.Sent)
	require.EqualValues(t, 2, rep.Stamped)
	require.Equal(t, []string{"ann@example.org"}, f.tr.to())

	require.True(t, f.digestSent(t, f.ids[0]))
	require.True(t, f.digestSent(t, f.ids[1]))
	require.False(t, f.digestSent(t, f.ids[2]))
}

func TestSystemicFailureEndsRun(t *testing.T) {
	f := newFixture(t)
	f.tr.fail["bob@example.org"] = mail.Systemic(errors.New("connection refused"))

	rep, err := f.agg.Run(context.Background())
	require.Error(t, err)
	require.True(t, mail.IsSystemic(err))
	require.True(t, rep.Interrupted)
	require.Equal(t, 1, rep.Sent)
	require.False(t, f.digestSent(t, f.ids[2]))
}

func TestConcurrentRunIsRejected(t *testing.T) {
	f := newFixture(t)
	f.agg.run.Lock()
	_, err := f.agg.Run(context.Background())
	f.agg.run.Unlock()
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Empty(t, f.tr.to())
}

func TestRunLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.store.AcquireRunLock(ctx, LockName, "other-host", f.now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.agg.Run(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, f.store.ReleaseRunLock(ctx, LockName, "other-host"))
	rep, err := f.agg.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Sent)
}

func TestRunDisabled(t *testing.T) {
	f := newFixture(t)
	f.agg.Apply(Config{})
	_, err := f.agg.Run(context.Background())
	require.ErrorIs(t, err, ErrDisabled)
}

func TestRunPublishesLifecycle(t *testing.T) {
	f := newFixture(t)
	bus := eventbus.New()
	f.agg.bus = bus
	ch, unsub := bus.Subscribe(16, "digest.")
	defer unsub()

	_, err := f.agg.Run(context.Background())
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	require.Equal(t, eventbus.DigestStarted, types[0])
	require.Equal(t, eventbus.DigestFinished, types[len(types)-1])
	require.Len(t, types, 5)
}

package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagenotify/internal/history"
	"pagenotify/internal/recipients"
	logx "pagenotify/pkg/logx"
)

func TestClassify(t *testing.T) {
	require.True(t, IsSystemic(classify(&net.OpError{Op: "dial", Err: errors.New("refused")})))
	require.True(t, IsSystemic(classify(fmt.Errorf("send: %w", context.DeadlineExceeded))))
	require.True(t, IsSystemic(classify(errors.New("failed to get SMTP client: dial tcp 10.0.0.1:25: connection refused"))))
	require.False(t, IsSystemic(classify(errors.New("550 5.1.1 mailbox unavailable"))))
	require.Nil(t, classify(nil))
	require.Nil(t, Systemic(nil))
}

func TestGuardBreaker(t *testing.T) {
	var calls atomic.Int32
	fail := true
	next := TransportFunc(func(context.Context, Message) error {
		calls.Add(1)
		if fail {
			return Systemic(errors.New("smtp down"))
		}
		return nil
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard(next, GuardConfig{BreakerFailures: 2, BreakerCooldown: time.Minute})
	g.now = func() time.Time { return now }
	ctx := context.Background()
	msg := Message{To: "a@example.org"}

	require.Error(t, g.Send(ctx, msg))
	require.Error(t, g.Send(ctx, msg))
	require.Equal(t, "open", g.State())

	err := g.Send(ctx, msg)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.True(t, IsSystemic(err))
	require.EqualValues(t, 2, calls.Load())

	now = now.Add(2 * time.Minute)
	fail = false
	require.NoError(t, g.Send(ctx, msg))
	require.Equal(t, "closed", g.State())
}

func TestGuardRecipientErrorsDoNotTrip(t *testing.T) {
	g := NewGuard(TransportFunc(func(context.Context, Message) error {
		return errors.New("550 no such user")
	}), GuardConfig{BreakerFailures: 1})
	for range 3 {
		err := g.Send(context.Background(), Message{To: "x@example.org"})
		require.Error(t, err)
		require.False(t, IsSystemic(err))
	}
	require.Equal(t, "closed", g.State())
}

func TestGuardRateLimitHonorsContext(t *testing.T) {
	g := NewGuard(TransportFunc(func(context.Context, Message) error { return nil }), GuardConfig{RatePerSec: 0.001})
	require.NoError(t, g.Send(context.Background(), Message{To: "a@example.org"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Send(ctx, Message{To: "a@example.org"})
	require.Error(t, err)
	require.True(t, IsSystemic(err))
}

func TestOpen(t *testing.T) {
	g, err := Open(Config{Driver: "log"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, g.Send(context.Background(), Message{To: "a@example.org", Subject: "hi"}))
	require.ErrorIs(t, g.Send(context.Background(), Message{}), ErrNoRecipient)

	_, err = Open(Config{Driver: "carrier-pigeon"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "smtp"}, logx.Nop())
	require.Error(t, err)
}

type names map[int64]string

func (n names) UserName(_ context.Context, id int64) (string, bool, error) {
	v, ok := n[id]
	return v, ok, nil
}
func (n names) GroupName(context.Context, int64) (string, bool, error) { return "", false, nil }

type pages map[int64]string

func (p pages) Page(_ context.Context, id int64) (history.Page, error) {
	t, ok := p[id]
	if !ok {
		return history.Page{}, errors.New("gone")
	}
	return history.Page{ID: id, Title: t}, nil
}

func TestRenderSingle(t *testing.T) {
	r := NewTextRenderer(RenderConfig{SiteTitle: "Wiki", BaseURL: "https://wiki.example.org/"}, names{1: "Ada"}, pages{5: "Roadmap"}, nil)
	u := recipients.User{ID: 2, Name: "Bob", Email: "bob@example.org"}
	rec := history.Record{
		ActorID: 1, PageID: 5, Type: history.ChangeTitle,
		Details:   history.Details{history.KeyFrom: "Plan", history.KeyTo: "Roadmap"},
		CreatedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	m, err := r.Single(context.Background(), u, rec)
	require.NoError(t, err)
	require.Equal(t, "bob@example.org", m.To)
	require.Equal(t, "[Wiki] Roadmap: Ada changed the title", m.Subject)
	require.Contains(t, m.Body, `from "Plan" to "Roadmap"`)
	require.Contains(t, m.Body, "https://wiki.example.org/pages/5")
}

func TestRenderSubjectFoldsLineBreaks(t *testing.T) {
	r := NewTextRenderer(RenderConfig{SiteTitle: "Wiki"}, names{1: "Ada\r\nBcc: x@example.org"}, pages{5: "Minutes\nQ3"}, nil)
	u := recipients.User{ID: 2, Email: "bob@example.org"}
	rec := history.Record{ActorID: 1, PageID: 5, Type: history.UpdatedContent}

	m, err := r.Single(context.Background(), u, rec)
	require.NoError(t, err)
	require.NotContains(t, m.Subject, "\n")
	require.NotContains(t, m.Subject, "\r")
	require.True(t, strings.HasPrefix(m.Subject, "[Wiki] Minutes Q3: "), m.Subject)
	require.NoError(t, NewLog(logx.Nop(), false).Send(context.Background(), m))
}

func TestRenderParanoid(t *testing.T) {
	r := NewTextRenderer(RenderConfig{BaseURL: "https://wiki.example.org", Paranoid: true}, names{1: "Ada"}, pages{5: "Secret plans"}, nil)
	u := recipients.User{ID: 2, Email: "bob@example.org"}
	rec := history.Record{ActorID: 1, PageID: 5, Type: history.UpdatedContent}

	m, err := r.Single(context.Background(), u, rec)
	require.NoError(t, err)
	require.NotContains(t, m.Subject+m.Body, "Secret")
	require.NotContains(t, m.Body, "Ada")

	m, err = r.Digest(context.Background(), u, []history.Record{rec, rec})
	require.NoError(t, err)
	require.NotContains(t, m.Body, "Secret")
	require.Contains(t, m.Body, "2 changes: https://wiki.example.org/pages/5")
}

func TestRenderDigestGroupsByPage(t *testing.T) {
	r := NewTextRenderer(RenderConfig{}, names{}, pages{1: "One"}, nil)
	u := recipients.User{ID: 9, Email: "z@example.org"}
	rs := []history.Record{
		{PageID: 1, Type: history.AddComment},
		{PageID: 1, Type: history.GrantUserAccess, Details: history.Details{history.KeyAccess: "read"}},
		{PageID: 2, Type: history.MakePublic},
	}
	m, err := r.Digest(context.Background(), u, rs)
	require.NoError(t, err)
	require.Equal(t, "[pagenotify] Daily digest: 3 changes", m.Subject)
	require.Equal(t, 1, strings.Count(m.Body, "\nOne\n"))
	require.Contains(t, m.Body, "Page #2")
	require.Contains(t, m.Body, "Unknown/Deleted added a comment")
	require.Contains(t, m.Body, "granted read access to Unknown/Deleted")

	_, err = r.Digest(context.Background(), u, nil)
	require.Error(t, err)
}

func TestCatalogFallback(t *testing.T) {
	require.Equal(t, "some_key", English.Translate("some_key", nil))
	require.Equal(t, "%{user_name} created the page", English.Translate("page_history_user_created_page", nil))
}

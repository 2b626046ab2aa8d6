package logx

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "digest"))
	log.Debug("hidden")
	log.Info("run finished", Int64("record", 42), Err(errors.New("smtp down")), Err(nil))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"comp":"digest"`)
	require.Contains(t, out, `"record":42`)
	require.Contains(t, out, `"err":"smtp down"`)
	require.Contains(t, out, `"caller":"logging_test.go:`)
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("nothing happens")
	require.False(t, Nop().IsZero())
}

func TestAlertSinkForwardsErrors(t *testing.T) {
	snd := &recordingSender{}
	svc, log := New(Config{Level: "info", Alert: AlertConfig{Enabled: true, RatePerSec: 100}}, snd)
	defer func() { require.NoError(t, svc.Close()) }()

	log.Warn("below threshold")
	log.Error("digest run failed", String("run", "r-1"), Int("failed", 2))

	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := snd.sent()[0]
	require.Contains(t, msg, "digest run failed")
	require.Contains(t, msg, "run=r-1")
	require.Contains(t, msg, "failed=2")
	require.NotContains(t, msg, "below threshold")
}

func TestApplyChangesLevel(t *testing.T) {
	svc, log := New(Config{Level: "warn"}, nil)
	defer svc.Close()
	require.False(t, log.Enabled(LevelInfo))
	svc.Apply(Config{Level: "debug"})
	require.True(t, log.Enabled(LevelDebug))
}

func TestFormatAlertNonJSON(t *testing.T) {
	require.Equal(t, "plain line", formatAlert([]byte("  plain line \n")))
}

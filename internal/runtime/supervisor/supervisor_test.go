package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCanceledIsNotAnError(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	require.NoError(t, s.Err())
}

func TestFirstErrorCancels(t *testing.T) {
	boom := errors.New("boom")
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(context.Context) error { return boom })
	s.Go("other", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	select {
	case <-s.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not canceled")
	}
	err := s.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "bad:")
}

func TestPanicBecomesError(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })
	err := s.Wait(waitCtx(t))
	require.ErrorContains(t, err, "panic: oops")
	require.Equal(t, uint64(1), s.Counters().Panics)
}

func TestGoRestartGivesUp(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("down")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true),
	)
	err := s.Wait(waitCtx(t))
	require.ErrorContains(t, err, "flaky: down")
	require.Equal(t, int32(3), runs.Load())
	require.Equal(t, uint64(3), s.Counters().Restarts)
}

func TestGoRestartRecoversUntilCleanExit(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("once-flaky", func(context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))
	require.NoError(t, s.Wait(waitCtx(t)))
	require.Equal(t, int32(2), runs.Load())
}

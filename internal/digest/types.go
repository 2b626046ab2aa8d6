package digest

import (
	"context"
	"errors"
	"time"

	"pagenotify/internal/history"
	"pagenotify/internal/recipients"
	"pagenotify/internal/storage"
)

var (
	ErrDisabled       = errors.New("digest disabled")
	ErrAlreadyRunning = errors.New("digest already running")
)

// LockName is the run_locks row guarding the daily run across processes.
const LockName = "digest"

type Config struct {
	Enabled bool
	// Window is how far back a run looks; records in [now-Window, now).
	Window time.Duration
	// Throttle is the pause before each digest send attempt after the
	// first. Recipients with nothing to report are skipped without waiting.
	Throttle time.Duration
	// MaxRun bounds a run so it finishes the same day.
	MaxRun  time.Duration
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.Throttle < 0 {
		c.Throttle = 0
	}
	if c.MaxRun <= 0 {
		c.MaxRun = 2 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 6 * time.Hour
	}
	return c
}

// DefaultThrottle applies when the config leaves throttle unset.
const DefaultThrottle = time.Second

type Store interface {
	PendingDigest(ctx context.Context, from, to time.Time) ([]history.Record, error)
	StampDigestSent(ctx context.Context, ids []int64, at time.Time) (int64, error)
	AcquireRunLock(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, name, holder string) error
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

type Recipients interface {
	DigestRecipients(ctx context.Context) ([]recipients.User, error)
	WatchedPages(ctx context.Context, userID int64) (map[int64]bool, error)
}

// Report describes one run.
type Report struct {
	RunID    string
	From     time.Time
	To       time.Time
	Started  time.Time
	Finished time.Time

	Records    int
	Recipients int
	Sent       int
	Failed     int
	// Empty counts recipients skipped because nothing on their pages changed.
	Empty    int
	Failures []int64 // user ids

	Stamped     int64
	Interrupted bool
}

// Event is published on the event bus for run lifecycle and deliveries.
type Event struct {
	RunID   string    `json:"run_id"`
	UserID  int64     `json:"user_id,omitempty"`
	Records int       `json:"records"`
	Sent    int       `json:"sent,omitempty"`
	Failed  int       `json:"failed,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

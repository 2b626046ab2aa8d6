package notifier

import (
	"context"
	"time"

	"pagenotify/internal/history"
	"pagenotify/internal/recipients"
	"pagenotify/internal/storage"
	"pagenotify/internal/task/engine"
)

// Config controls single-notification dispatch.
type Config struct {
	Enabled bool
	// Timeout bounds one Dispatch, all recipients included.
	Timeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// SweepGrace is how old an unstamped record must be before a sweep
	// re-enqueues it; SweepBatch caps ids per sweep.
	SweepGrace time.Duration
	SweepBatch int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.SweepGrace <= 0 {
		c.SweepGrace = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
	return c
}

// RecordStore is the persistence the dispatcher needs; *storage.Store
// implements it.
type RecordStore interface {
	GetRecord(ctx context.Context, id int64) (history.Record, error)
	DeleteRecord(ctx context.Context, id int64) error
	DeleteOrphanRecords(ctx context.Context) ([]int64, error)
	StampSingleSent(ctx context.Context, id int64, at time.Time) (bool, error)
	PendingSingle(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

type Resolver interface {
	Resolve(ctx context.Context, r history.Record) (recipients.Recipients, error)
}

// Engine queues tasks without blocking.
type Engine interface {
	Enqueue(t engine.Task) error
}

// Result summarizes one Dispatch.
type Result struct {
	RecordID int64
	// Skipped is set when the record was missing or already stamped.
	Skipped bool
	// Deleted is set when the record had lost its page.
	Deleted bool
	Sent    int
	Failed  int
}

// DispatchEvent is published on the event bus after a dispatch or a failed send.
type DispatchEvent struct {
	RecordID int64     `json:"record_id"`
	UserID   int64     `json:"user_id,omitempty"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

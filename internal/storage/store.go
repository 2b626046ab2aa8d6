package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"pagenotify/internal/history"
	logx "pagenotify/pkg/logx"

	_ "modernc.org/sqlite"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

const defaultBusyTimeout = 5 * time.Second

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	// DeliveryRetention prunes delivery log rows older than this; 0 keeps them.
	DeliveryRetention time.Duration
}

// querier is the part of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries carries every statement; Store runs them on the pool and Tx
// inside a transaction.
type queries struct {
	q   querier
	log logx.Logger
}

// Store is the SQLite-backed store. It is safe for concurrent use; SQLite
// sees a single connection.
type Store struct {
	queries
	db  *sql.DB
	cfg Config

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Tx is a Store view bound to one transaction.
type Tx struct {
	queries
	tx *sql.Tx
}

// Open opens (creating if needed) the database at cfg.Path and applies
// pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: storage.path is required", ErrDisabled)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes txs.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := Migrate(db, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	s := &Store{
		queries:    queries{q: db, log: log},
		db:         db,
		cfg:        cfg,
		pruneEvery: 500,
	}
	log.Info("storage opened", logx.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the pool for tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn in a transaction, committing when fn returns nil. Calls on
// the Store itself from inside fn would wait for the only connection, so
// fn must use tx.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(&Tx{queries: queries{q: sqlTx, log: s.log}, tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WithWriter adapts InTx to the recorder.
func (s *Store) WithWriter(ctx context.Context, fn func(history.Writer) error) error {
	return s.InTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// placeholders returns "?,?,?" for n args.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

package storage

import (
	"context"
	"time"

	logx "pagenotify/pkg/logx"
)

// Delivery is one attempted send, single or digest. Keep it compact and
// schema-stable.
type Delivery struct {
	At       time.Time
	Channel  string // "single" or "digest"
	RecordID int64  // single only
	UserID   int64
	RunID    string // digest only
	Records  int
	OK       bool
	Error    string
	TookMS   int64
}

// AppendDelivery logs a send attempt. Old rows are pruned every few
// hundred appends when a retention is configured.
func (s *Store) AppendDelivery(ctx context.Context, d Delivery) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	if d.Records <= 0 {
		d.Records = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, channel, record_id, user_id, run_id, records, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		d.At.UnixMilli(), d.Channel, nullID(d.RecordID), d.UserID, nullStr(d.RunID), d.Records,
		boolInt(d.OK), nullStr(d.Error), d.TookMS,
	)
	if err == nil && s.cfg.DeliveryRetention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneDeliveries(pctx, time.Now().Add(-s.cfg.DeliveryRetention)); perr != nil {
			s.log.Debug("prune deliveries failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *Store) pruneDeliveries(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, before.UnixMilli())
	return err
}

// DeliveryFilter selects rows of the delivery log; zero fields match all.
type DeliveryFilter struct {
	RecordID int64
	RunID    string
	Limit    int
}

func (q queries) Deliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	if f.Limit <= 0 {
		f.Limit = 1000
	}
	query := `SELECT at, channel, COALESCE(record_id, 0), user_id, COALESCE(run_id, ''), records, ok, COALESCE(err, ''), took_ms
	          FROM deliveries WHERE 1=1`
	var args []any
	if f.RecordID != 0 {
		query += ` AND record_id = ?`
		args = append(args, f.RecordID)
	}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, f.Limit)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var (
			d  Delivery
			at int64
			ok int64
		)
		if err := rows.Scan(&at, &d.Channel, &d.RecordID, &d.UserID, &d.RunID, &d.Records, &ok, &d.Error, &d.TookMS); err != nil {
			return nil, err
		}
		d.At = time.UnixMilli(at).UTC()
		d.OK = ok != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pagenotify/internal/history"
	logx "pagenotify/pkg/logx"
)

const recordColumns = `id, actor_id, page_id, subject_type, subject_id, event_type, details, created_at, single_sent_at, digest_sent_at`

// stampChunk bounds the IN list of a bulk stamp.
const stampChunk = 500

func (q queries) InsertRecord(ctx context.Context, r *history.Record) error {
	if r == nil {
		return errors.New("nil record")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid event type %q", r.Type)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var details any
	if len(r.Details) > 0 {
		b, err := json.Marshal(r.Details)
		if err != nil {
			return err
		}
		details = string(b)
	}
	var subjType, subjID any
	if r.Subject != nil {
		subjType, subjID = string(r.Subject.Type), r.Subject.ID
	}
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO page_histories(actor_id, page_id, subject_type, subject_id, event_type, details, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		nullID(r.ActorID), nullID(r.PageID), subjType, subjID, string(r.Type), details, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (q queries) TouchPage(ctx context.Context, pageID int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `UPDATE pages SET updated_at = ? WHERE id = ?`, at.UnixMilli(), pageID)
	return err
}

func (q queries) GetRecord(ctx context.Context, id int64) (history.Record, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM page_histories WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Record{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return r, err
}

func (q queries) DeleteRecord(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM page_histories WHERE id = ?`, id)
	return err
}

// DeleteOrphanRecords removes records whose page is gone and whose single
// notification is already settled, returning their ids. Unstamped orphans
// are left for the dispatcher.
func (q queries) DeleteOrphanRecords(ctx context.Context) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx,
		`DELETE FROM page_histories WHERE page_id IS NULL AND single_sent_at IS NOT NULL RETURNING id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StampSingleSent sets single_sent_at unless already set. It reports
// whether this call did the stamping.
func (q queries) StampSingleSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE page_histories SET single_sent_at = ? WHERE id = ? AND single_sent_at IS NULL`,
		at.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// StampDigestSent sets digest_sent_at on every unstamped record in ids and
// returns how many it changed.
func (q queries) StampDigestSent(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += stampChunk {
		chunk := ids[start:min(start+stampChunk, len(ids))]
		args := append([]any{at.UnixMilli()}, int64Args(chunk)...)
		res, err := q.q.ExecContext(ctx,
			`UPDATE page_histories SET digest_sent_at = ?
			 WHERE digest_sent_at IS NULL AND id IN (`+placeholders(len(chunk))+`)`,
			args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PendingDigest returns records not yet in a digest with created_at in
// [from, to), ordered by page then creation. Records whose page is gone
// are purged by the dispatcher sweep instead.
func (q queries) PendingDigest(ctx context.Context, from, to time.Time) ([]history.Record, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM page_histories
		 WHERE digest_sent_at IS NULL AND page_id IS NOT NULL
		   AND created_at >= ? AND created_at < ?
		 ORDER BY page_id, created_at, id`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	return q.collect(rows)
}

// PendingSingle lists ids of records without single_sent_at created before
// olderThan, oldest first.
func (q queries) PendingSingle(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT id FROM page_histories WHERE single_sent_at IS NULL AND created_at < ? ORDER BY id LIMIT ?`,
		olderThan.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q queries) collect(rows *sql.Rows) ([]history.Record, error) {
	defer rows.Close()
	var out []history.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			var ue unknownTypeError
			if errors.As(err, &ue) {
				q.log.Warn("skipping history record with unknown type", logx.Int64("record", ue.id), logx.String("type", ue.name))
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type unknownTypeError struct {
	id   int64
	name string
	err  error
}

func (e unknownTypeError) Error() string { return fmt.Sprintf("record %d: %v", e.id, e.err) }
func (e unknownTypeError) Unwrap() error { return e.err }

type scanner interface{ Scan(dest ...any) error }

func scanRecord(s scanner) (history.Record, error) {
	var (
		r                      history.Record
		actor, page, subjID    sql.NullInt64
		subjType, details      sql.NullString
		typ                    string
		created                int64
		singleSent, digestSent sql.NullInt64
	)
	if err := s.Scan(&r.ID, &actor, &page, &subjType, &subjID, &typ, &details, &created, &singleSent, &digestSent); err != nil {
		return history.Record{}, err
	}
	r.ActorID = actor.Int64
	r.PageID = page.Int64
	if subjType.Valid && subjID.Valid {
		r.Subject = &history.Subject{Type: history.SubjectType(subjType.String), ID: subjID.Int64}
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
			return history.Record{}, fmt.Errorf("record %d details: %w", r.ID, err)
		}
	}
	t, d, err := history.ParseEventType(typ, r.Details)
	if err != nil {
		return history.Record{}, unknownTypeError{id: r.ID, name: typ, err: err}
	}
	r.Type, r.Details = t, d
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.SingleSentAt = fromMillis(singleSent)
	r.DigestSentAt = fromMillis(digestSent)
	return r, nil
}

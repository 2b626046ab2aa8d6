package storage

import (
	"context"
	"time"
)

// AcquireRunLock takes the named lock for holder until now+ttl. It succeeds
// when the lock is free, expired, or already held by holder.
func (q queries) AcquireRunLock(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO run_locks(name, holder, expires_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at
		 WHERE run_locks.expires_at <= ? OR run_locks.holder = excluded.holder`,
		name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseRunLock drops the lock if holder still owns it.
func (q queries) ReleaseRunLock(ctx context.Context, name, holder string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM run_locks WHERE name = ? AND holder = ?`, name, holder)
	return err
}

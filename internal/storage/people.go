package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pagenotify/internal/history"
	"pagenotify/internal/recipients"
	logx "pagenotify/pkg/logx"
)

// UserParticipation is a user's relation to a page.
type UserParticipation struct {
	UserID int64
	PageID int64
	Watch  bool
	Star   bool
	Access string
}

func (q queries) PageWatchers(ctx context.Context, pageID int64) ([]int64, error) {
	return q.ids(ctx, `SELECT user_id FROM user_participations WHERE page_id = ? AND watch = 1 ORDER BY user_id`, pageID)
}

func (q queries) WatchedPages(ctx context.Context, userID int64) ([]int64, error) {
	return q.ids(ctx, `SELECT page_id FROM user_participations WHERE user_id = ? AND watch = 1 ORDER BY page_id`, userID)
}

func (q queries) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const userColumns = `id, name, email, receive_notifications`

func (q queries) Users(ctx context.Context, ids []int64) ([]recipients.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	return q.collectUsers(rows)
}

func (q queries) UsersWithChannel(ctx context.Context, ch recipients.Channel) ([]recipients.User, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(receive_notifications) = ? ORDER BY id`,
		string(ch))
	if err != nil {
		return nil, err
	}
	return q.collectUsers(rows)
}

func (q queries) collectUsers(rows *sql.Rows) ([]recipients.User, error) {
	defer rows.Close()
	var out []recipients.User
	for rows.Next() {
		var (
			u  recipients.User
			ch string
		)
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &ch); err != nil {
			return nil, err
		}
		c, err := recipients.ParseChannel(ch)
		if err != nil {
			q.log.Warn("user has unknown notification channel; treating as none", logx.Int64("user", u.ID), logx.String("channel", ch))
			c = recipients.ChannelNone
		}
		u.Channel = c
		out = append(out, u)
	}
	return out, rows.Err()
}

func (q queries) UserName(ctx context.Context, id int64) (string, bool, error) {
	return q.name(ctx, `SELECT name FROM users WHERE id = ?`, id)
}

func (q queries) GroupName(ctx context.Context, id int64) (string, bool, error) {
	return q.name(ctx, `SELECT full_name FROM groups WHERE id = ?`, id)
}

func (q queries) name(ctx context.Context, query string, id int64) (string, bool, error) {
	var n string
	err := q.q.QueryRowContext(ctx, query, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return n, true, nil
}

func (q queries) Page(ctx context.Context, id int64) (history.Page, error) {
	var (
		p       history.Page
		public  int64
		updated sql.NullInt64
	)
	err := q.q.QueryRowContext(ctx, `SELECT id, title, public, updated_at FROM pages WHERE id = ?`, id).
		Scan(&p.ID, &p.Title, &public, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Page{}, fmt.Errorf("page %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return history.Page{}, err
	}
	p.Public = public != 0
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (q queries) UpsertUser(ctx context.Context, u recipients.User) error {
	ch := u.Channel
	if ch == "" {
		ch = recipients.ChannelSingle
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO users(id, name, email, receive_notifications) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, receive_notifications=excluded.receive_notifications`,
		u.ID, u.Name, u.Email, string(ch))
	return err
}

func (q queries) DeleteUser(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (q queries) UpsertGroup(ctx context.Context, id int64, fullName string) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO groups(id, full_name) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET full_name=excluded.full_name`,
		id, fullName)
	return err
}

func (q queries) UpsertPage(ctx context.Context, p history.Page) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO pages(id, title, public, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, public=excluded.public`,
		p.ID, p.Title, boolInt(p.Public), toMillis(p.UpdatedAt))
	return err
}

// DeletePage removes a page. History rows keep existing with a null page
// until the dispatcher deletes them.
func (q queries) DeletePage(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id)
	return err
}

func (q queries) UpsertUserParticipation(ctx context.Context, p UserParticipation) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO user_participations(user_id, page_id, watch, star, access) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, page_id) DO UPDATE SET watch=excluded.watch, star=excluded.star, access=excluded.access`,
		p.UserID, p.PageID, boolInt(p.Watch), boolInt(p.Star), nullStr(p.Access))
	return err
}

func (q queries) UserParticipation(ctx context.Context, userID, pageID int64) (UserParticipation, bool, error) {
	p := UserParticipation{UserID: userID, PageID: pageID}
	var (
		watch, star int64
		access      sql.NullString
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT watch, star, access FROM user_participations WHERE user_id = ? AND page_id = ?`,
		userID, pageID).Scan(&watch, &star, &access)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	p.Watch, p.Star, p.Access = watch != 0, star != 0, access.String
	return p, true, nil
}

func (q queries) DeleteUserParticipation(ctx context.Context, userID, pageID int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM user_participations WHERE user_id = ? AND page_id = ?`, userID, pageID)
	return err
}

func (q queries) UpsertGroupParticipation(ctx context.Context, groupID, pageID int64, access string) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO group_participations(group_id, page_id, access) VALUES(?,?,?)
		 ON CONFLICT(group_id, page_id) DO UPDATE SET access=excluded.access`,
		groupID, pageID, nullStr(access))
	return err
}

func (q queries) DeleteGroupParticipation(ctx context.Context, groupID, pageID int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM group_participations WHERE group_id = ? AND page_id = ?`, groupID, pageID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package storage

import (
	"context"
	"fmt"

	"pagenotify/internal/history"
)

// ApplyMutation writes mc to the entity tables and records it through r in
// the same transaction, then hands the record to r's enqueuer. A page
// destroy is recorded before the row goes away, so the record ends up with
// a null page.
func (s *Store) ApplyMutation(ctx context.Context, r *history.Recorder, mc history.MutationContext) (*history.Record, error) {
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	var rec *history.Record
	err := s.InTx(ctx, func(tx *Tx) error {
		pageGone := mc.Kind == history.KindPage && mc.Op == history.OpDestroy
		if !pageGone {
			if err := tx.applyEntity(ctx, &mc); err != nil {
				return err
			}
		}
		var err error
		if rec, err = r.RecordIn(ctx, tx, mc); err != nil {
			return err
		}
		if pageGone {
			return tx.DeletePage(ctx, mc.PageID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		r.Committed(rec)
	}
	return rec, nil
}

func (tx *Tx) applyEntity(ctx context.Context, mc *history.MutationContext) error {
	switch mc.Kind {
	case history.KindPage:
		return tx.applyPage(ctx, mc)
	case history.KindParticipation:
		if mc.Owner == history.OwnerGroup {
			return tx.applyGroupParticipation(ctx, mc)
		}
		return tx.applyUserParticipation(ctx, mc)
	}
	// comments live outside this store
	return nil
}

func (tx *Tx) applyPage(ctx context.Context, mc *history.MutationContext) error {
	p, err := tx.Page(ctx, mc.PageID)
	if err != nil && mc.Op != history.OpCreate {
		return err
	}
	p.ID = mc.PageID
	if c, ok := mc.Changes["title"]; ok {
		p.Title = fmt.Sprint(valueOr(c.New, ""))
	}
	if c, ok := mc.Changes["public"]; ok {
		p.Public = asBool(c.New)
	}
	if err := tx.UpsertPage(ctx, p); err != nil {
		return err
	}
	if c, ok := mc.Changes["body"]; ok {
		if _, err := tx.q.ExecContext(ctx, `UPDATE pages SET body = ? WHERE id = ?`, c.New, mc.PageID); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) applyUserParticipation(ctx context.Context, mc *history.MutationContext) error {
	if mc.Op == history.OpDestroy {
		cur, ok, err := tx.UserParticipation(ctx, mc.OwnerID, mc.PageID)
		if err != nil {
			return err
		}
		if ok && mc.Access == "" {
			mc.Access = cur.Access
		}
		return tx.DeleteUserParticipation(ctx, mc.OwnerID, mc.PageID)
	}
	p, _, err := tx.UserParticipation(ctx, mc.OwnerID, mc.PageID)
	if err != nil {
		return err
	}
	if c, ok := mc.Changes["watch"]; ok {
		p.Watch = asBool(c.New)
	}
	if c, ok := mc.Changes["star"]; ok {
		p.Star = asBool(c.New)
	}
	if c, ok := mc.Changes[history.KeyAccess]; ok {
		p.Access = fmt.Sprint(valueOr(c.New, ""))
	}
	if mc.Access == "" {
		mc.Access = p.Access
	}
	return tx.UpsertUserParticipation(ctx, p)
}

func (tx *Tx) applyGroupParticipation(ctx context.Context, mc *history.MutationContext) error {
	if mc.Op == history.OpDestroy {
		return tx.DeleteGroupParticipation(ctx, mc.OwnerID, mc.PageID)
	}
	c, ok := mc.Changes[history.KeyAccess]
	if !ok {
		return nil
	}
	access := fmt.Sprint(valueOr(c.New, ""))
	if mc.Access == "" {
		mc.Access = access
	}
	return tx.UpsertGroupParticipation(ctx, mc.OwnerID, mc.PageID, access)
}

func valueOr(v, def any) any {
	if v == nil {
		return def
	}
	return v
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x == "true" || x == "1"
	}
	return false
}

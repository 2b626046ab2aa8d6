package recipients

import (
	"context"
	"fmt"
	"slices"

	"pagenotify/internal/history"
)

// WatcherSource answers participation questions.
type WatcherSource interface {
	PageWatchers(ctx context.Context, pageID int64) ([]int64, error)
	WatchedPages(ctx context.Context, userID int64) ([]int64, error)
}

// PreferenceSource loads users with their channel. Users returns only the
// ids that exist, in any order.
type PreferenceSource interface {
	Users(ctx context.Context, ids []int64) ([]User, error)
	UsersWithChannel(ctx context.Context, ch Channel) ([]User, error)
}

type Resolver struct {
	watchers WatcherSource
	prefs    PreferenceSource
}

func NewResolver(w WatcherSource, p PreferenceSource) *Resolver {
	return &Resolver{watchers: w, prefs: p}
}

// Resolve returns the watchers of rec's page, minus its actor, split by
// channel. Users preferring none are left out. The subject of the record
// plays no part.
func (r *Resolver) Resolve(ctx context.Context, rec history.Record) (Recipients, error) {
	var out Recipients
	if !rec.HasPage() {
		return out, nil
	}
	ids, err := r.watchers.PageWatchers(ctx, rec.PageID)
	if err != nil {
		return out, fmt.Errorf("watchers of page %d: %w", rec.PageID, err)
	}
	ids = slices.DeleteFunc(slices.Clone(ids), func(id int64) bool { return id == rec.ActorID && id != 0 })
	if len(ids) == 0 {
		return out, nil
	}
	users, err := r.prefs.Users(ctx, ids)
	if err != nil {
		return out, fmt.Errorf("load watchers: %w", err)
	}
	return partition(users), nil
}

// DigestRecipients lists every user preferring the digest, sorted by ID.
func (r *Resolver) DigestRecipients(ctx context.Context) ([]User, error) {
	users, err := r.prefs.UsersWithChannel(ctx, ChannelDigest)
	if err != nil {
		return nil, fmt.Errorf("digest recipients: %w", err)
	}
	users = slices.Clone(users)
	sortByID(users)
	return slices.CompactFunc(users, sameID), nil
}

// WatchedPages is the page filter applied to a digest recipient.
func (r *Resolver) WatchedPages(ctx context.Context, userID int64) (map[int64]bool, error) {
	ids, err := r.watchers.WatchedPages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pages watched by %d: %w", userID, err)
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func partition(users []User) Recipients {
	var out Recipients
	seen := make(map[int64]bool, len(users))
	for _, u := range users {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		switch u.Channel {
		case ChannelSingle:
			out.Single = append(out.Single, u)
		case ChannelDigest:
			out.Digest = append(out.Digest, u)
		}
	}
	sortByID(out.Single)
	sortByID(out.Digest)
	return out
}

func sortByID(us []User) {
	slices.SortFunc(us, func(a, b User) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

func sameID(a, b User) bool { return a.ID == b.ID }

package history

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the entity kind a mutation touched.
type Kind string

const (
	KindPage          Kind = "page"
	KindParticipation Kind = "participation"
	KindComment       Kind = "comment"
)

type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpDestroy Op = "destroy"
)

// Owner says whether a participation belongs to a user or a group.
type Owner string

const (
	OwnerUser  Owner = "user"
	OwnerGroup Owner = "group"
)

// Change is one field delta. Old is nil for fields that had no value.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// MutationContext describes a persisted change to a page, a participation
// or a comment.
//
// For participations, Op destroy means the row no longer exists and Access
// holds the participation's current access symbol (view, edit or admin).
type MutationContext struct {
	Kind    Kind              `json:"kind"`
	Op      Op                `json:"op"`
	ActorID int64             `json:"actor_id,omitempty"`
	PageID  int64             `json:"page_id"`
	Changes map[string]Change `json:"changes,omitempty"`

	Owner   Owner  `json:"owner,omitempty"`
	OwnerID int64  `json:"owner_id,omitempty"`
	Access  string `json:"access,omitempty"`

	CommentID int64 `json:"comment_id,omitempty"`

	// At overrides the record timestamp; zero means the recorder's clock.
	At time.Time `json:"at,omitzero"`
}

func (mc MutationContext) Validate() error {
	switch mc.Kind {
	case KindPage, KindParticipation, KindComment:
	default:
		return fmt.Errorf("mutation: unknown kind %q", mc.Kind)
	}
	switch mc.Op {
	case OpCreate, OpUpdate, OpDestroy:
	default:
		return fmt.Errorf("mutation: unknown op %q", mc.Op)
	}
	if mc.PageID <= 0 {
		return fmt.Errorf("mutation: page_id required")
	}
	if mc.Kind == KindParticipation {
		if mc.Owner != OwnerUser && mc.Owner != OwnerGroup {
			return fmt.Errorf("mutation: unknown participation owner %q", mc.Owner)
		}
		if mc.OwnerID <= 0 {
			return fmt.Errorf("mutation: owner_id required")
		}
	}
	return nil
}

// changed reports whether key has a delta whose old and new values differ.
// A missing value and an empty string count as equal.
func (mc MutationContext) changed(key string) (Change, bool) {
	c, ok := mc.Changes[key]
	if !ok {
		return Change{}, false
	}
	return c, stringOf(c.Old) != stringOf(c.New)
}

// activated is true when a boolean field went from unset/false to true.
func (mc MutationContext) activated(key string) bool {
	c, ok := mc.Changes[key]
	return ok && truthy(c.New) && !truthy(c.Old)
}

func (mc MutationContext) deactivated(key string) bool {
	c, ok := mc.Changes[key]
	return ok && truthy(c.Old) && !truthy(c.New)
}

// truthy accepts the shapes flags arrive in from JSON and SQLite.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return err == nil && b
	default:
		return false
	}
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

package history

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the classified variant of a history record. The string form
// is what the store persists.
type EventType string

const (
	PageCreated    EventType = "PageCreated"
	Deleted        EventType = "Deleted"
	MakePublic     EventType = "MakePublic"
	MakePrivate    EventType = "MakePrivate"
	ChangeTitle    EventType = "ChangeTitle"
	UpdatedContent EventType = "UpdatedContent"

	AddStar            EventType = "AddStar"
	RemoveStar         EventType = "RemoveStar"
	StartWatching      EventType = "StartWatching"
	StopWatching       EventType = "StopWatching"
	GrantGroupAccess   EventType = "GrantGroupAccess"
	RevokedGroupAccess EventType = "RevokedGroupAccess"
	GrantUserAccess    EventType = "GrantUserAccess"
	RevokedUserAccess  EventType = "RevokedUserAccess"

	AddComment     EventType = "AddComment"
	UpdateComment  EventType = "UpdateComment"
	DestroyComment EventType = "DestroyComment"
)

// touching lists the variants that move the page's updated_at to the
// record's creation time.
var touching = map[EventType]bool{
	PageCreated:        true,
	Deleted:            true,
	ChangeTitle:        true,
	UpdatedContent:     true,
	GrantGroupAccess:   true,
	RevokedGroupAccess: true,
	GrantUserAccess:    true,
	RevokedUserAccess:  true,
	AddComment:         true,
	UpdateComment:      true,
	DestroyComment:     true,
}

var known = map[EventType]bool{
	MakePublic: true, MakePrivate: true,
	AddStar: true, RemoveStar: true, StartWatching: true, StopWatching: true,
}

func init() {
	for t := range touching {
		known[t] = true
	}
}

func (t EventType) Valid() bool { return known[t] }

// TouchesPage reports whether recording t bumps the page's updated_at.
func (t EventType) TouchesPage() bool { return touching[t] }

// legacyGrants maps deprecated per-level grant types to the canonical
// variant and the access level they imply.
var legacyGrants = map[string]struct {
	typ    EventType
	access Level
}{
	"GrantGroupFullAccess":  {GrantGroupAccess, LevelFull},
	"GrantGroupWriteAccess": {GrantGroupAccess, LevelWrite},
	"GrantGroupReadAccess":  {GrantGroupAccess, LevelRead},
	"GrantUserFullAccess":   {GrantUserAccess, LevelFull},
	"GrantUserWriteAccess":  {GrantUserAccess, LevelWrite},
	"GrantUserReadAccess":   {GrantUserAccess, LevelRead},
}

// ParseEventType resolves a stored type name. Legacy grant names resolve to
// the canonical grant and fill details["access"] when it is missing. The
// returned Details is d itself, possibly with that key added.
func ParseEventType(name string, d Details) (EventType, Details, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "PageHistory::")
	if t := EventType(name); t.Valid() {
		return t, d, nil
	}
	if lg, ok := legacyGrants[name]; ok {
		if _, has := d.Get(KeyAccess); !has {
			d = d.With(KeyAccess, string(lg.access))
		}
		return lg.typ, d, nil
	}
	return "", d, fmt.Errorf("unknown event type %q", name)
}

// Detail keys.
const (
	KeyAccess = "access"
	KeyFrom   = "from"
	KeyTo     = "to"
)

// Details is the flat, variant-specific payload of a record. Missing keys
// read as unknown; nothing in the package fails on them.
type Details map[string]string

func (d Details) Get(key string) (string, bool) {
	v, ok := d[key]
	return v, ok && v != ""
}

// With returns a copy of d with key set.
func (d Details) With(key, value string) Details {
	out := make(Details, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[key] = value
	return out
}

type SubjectType string

const (
	SubjectGroup SubjectType = "Group"
	SubjectUser  SubjectType = "User"
	SubjectPost  SubjectType = "Post"
)

// Subject is the polymorphic entity a record is about.
type Subject struct {
	Type SubjectType `json:"type"`
	ID   int64       `json:"id"`
}

// Record is one classified event. ActorID and PageID are 0 when the user or
// page no longer exists. Zero sent timestamps mean "not sent yet".
type Record struct {
	ID           int64
	ActorID      int64
	PageID       int64
	Subject      *Subject
	Type         EventType
	Details      Details
	CreatedAt    time.Time
	SingleSentAt time.Time
	DigestSentAt time.Time
}

func (r Record) HasPage() bool { return r.PageID != 0 }

// Page is the slice of page state history cares about.
type Page struct {
	ID        int64
	Title     string
	Public    bool
	UpdatedAt time.Time
}

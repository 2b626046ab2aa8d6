package history

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func participation(owner Owner, op Op, changes map[string]Change) MutationContext {
	return MutationContext{Kind: KindParticipation, Op: op, ActorID: 7, PageID: 3, Owner: owner, OwnerID: 11, Changes: changes}
}

func TestClassifyParticipation(t *testing.T) {
	cases := []struct {
		name    string
		mc      MutationContext
		want    EventType
		details Details
		subject *Subject
	}{
		{
			name: "watch on",
			mc:   participation(OwnerUser, OpUpdate, map[string]Change{"watch": {Old: false, New: true}}),
			want: StartWatching,
		},
		{
			name: "watch off",
			mc:   participation(OwnerUser, OpUpdate, map[string]Change{"watch": {Old: true, New: false}}),
			want: StopWatching,
		},
		{
			name: "star on create",
			mc:   participation(OwnerUser, OpCreate, map[string]Change{"star": {Old: nil, New: true}}),
			want: AddStar,
		},
		{
			name: "star beats watch",
			mc: participation(OwnerUser, OpUpdate, map[string]Change{
				"star":  {Old: true, New: false},
				"watch": {Old: false, New: true},
			}),
			want: RemoveStar,
		},
		{
			name:    "grant edit to user",
			mc:      participation(OwnerUser, OpUpdate, map[string]Change{"access": {Old: "view", New: "edit"}}),
			want:    GrantUserAccess,
			details: Details{KeyAccess: "write"},
			subject: &Subject{Type: SubjectUser, ID: 11},
		},
		{
			name:    "grant admin to group on create",
			mc:      participation(OwnerGroup, OpCreate, map[string]Change{"access": {Old: nil, New: "admin"}}),
			want:    GrantGroupAccess,
			details: Details{KeyAccess: "full"},
			subject: &Subject{Type: SubjectGroup, ID: 11},
		},
		{
			name:    "revoke user",
			mc:      participation(OwnerUser, OpDestroy, nil),
			want:    RevokedUserAccess,
			subject: &Subject{Type: SubjectUser, ID: 11},
		},
		{
			name:    "revoke group ignores stale flags",
			mc:      participation(OwnerGroup, OpDestroy, map[string]Change{"watch": {Old: false, New: true}}),
			want:    RevokedGroupAccess,
			subject: &Subject{Type: SubjectGroup, ID: 11},
		},
		{
			name: "watch as sqlite ints",
			mc:   participation(OwnerUser, OpUpdate, map[string]Change{"watch": {Old: int64(0), New: int64(1)}}),
			want: StartWatching,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, ok, err := Classify(tc.mc)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.want, c.Type)
			require.Equal(t, tc.details, c.Details)
			require.Equal(t, tc.subject, c.Subject)
		})
	}
}

func TestClassifyNoMatch(t *testing.T) {
	for name, mc := range map[string]MutationContext{
		"unrelated participation field": participation(OwnerUser, OpUpdate, map[string]Change{"last_seen": {Old: 1, New: 2}}),
		"watch unchanged":               participation(OwnerUser, OpUpdate, map[string]Change{"watch": {Old: true, New: true}}),
		"access unchanged":              participation(OwnerUser, OpUpdate, map[string]Change{"access": {Old: "edit", New: "edit"}}),
		"page nothing relevant":         {Kind: KindPage, Op: OpUpdate, PageID: 1, Changes: map[string]Change{"slug": {Old: "a", New: "b"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := Classify(mc)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestClassifyUnmappedAccess(t *testing.T) {
	mc := participation(OwnerUser, OpUpdate, map[string]Change{"access": {Old: "view", New: "owner"}})
	_, ok, err := Classify(mc)
	require.False(t, ok)
	require.True(t, errors.Is(err, ErrUnmappedAccess))

	// the current access symbol wins over the delta
	mc.Access = "edit"
	c, ok, err := Classify(mc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "write", c.Details[KeyAccess])
}

func TestClassifyPage(t *testing.T) {
	page := func(op Op, changes map[string]Change) MutationContext {
		return MutationContext{Kind: KindPage, Op: op, PageID: 5, Changes: changes}
	}
	cases := []struct {
		name string
		mc   MutationContext
		want EventType
	}{
		{"create", page(OpCreate, map[string]Change{"title": {New: "x"}}), PageCreated},
		{"destroy", page(OpDestroy, nil), Deleted},
		{"public", page(OpUpdate, map[string]Change{"public": {Old: false, New: true}}), MakePublic},
		{"private", page(OpUpdate, map[string]Change{"public": {Old: true, New: false}}), MakePrivate},
		{"public beats title", page(OpUpdate, map[string]Change{"public": {Old: false, New: true}, "title": {Old: "a", New: "b"}}), MakePublic},
		{"title beats body", page(OpUpdate, map[string]Change{"title": {Old: "a", New: "b"}, "body": {Old: "x", New: "y"}}), ChangeTitle},
		{"body", page(OpUpdate, map[string]Change{"body": {Old: "x", New: "y"}}), UpdatedContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, ok, err := Classify(tc.mc)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.want, c.Type)
		})
	}

	c, _, _ := Classify(page(OpUpdate, map[string]Change{"title": {Old: "Old", New: "New"}}))
	require.Equal(t, Details{KeyFrom: "Old", KeyTo: "New"}, c.Details)
}

func TestClassifyIgnoresNilToEmpty(t *testing.T) {
	for _, key := range []string{"title", "body"} {
		_, ok, err := Classify(MutationContext{Kind: KindPage, Op: OpUpdate, PageID: 5,
			Changes: map[string]Change{key: {Old: nil, New: ""}}})
		require.NoError(t, err)
		require.False(t, ok, key)
	}
	c, ok, err := Classify(MutationContext{Kind: KindPage, Op: OpUpdate, PageID: 5,
		Changes: map[string]Change{"title": {Old: nil, New: "Draft"}}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ChangeTitle, c.Type)
}

func TestClassifyComment(t *testing.T) {
	for op, want := range map[Op]EventType{OpCreate: AddComment, OpUpdate: UpdateComment, OpDestroy: DestroyComment} {
		c, ok, err := Classify(MutationContext{Kind: KindComment, Op: op, PageID: 2, CommentID: 99})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, c.Type)
		require.Equal(t, &Subject{Type: SubjectPost, ID: 99}, c.Subject)
	}
}

func TestParseEventTypeLegacyGrant(t *testing.T) {
	typ, d, err := ParseEventType("PageHistory::GrantUserWriteAccess", nil)
	require.NoError(t, err)
	require.Equal(t, GrantUserAccess, typ)
	require.Equal(t, "write", d[KeyAccess])

	typ, d, err = ParseEventType("GrantGroupFullAccess", Details{KeyAccess: "read"})
	require.NoError(t, err)
	require.Equal(t, GrantGroupAccess, typ)
	require.Equal(t, "read", d[KeyAccess])

	_, _, err = ParseEventType("Bogus", nil)
	require.Error(t, err)
}

func TestDetailsGetMissing(t *testing.T) {
	var d Details
	v, ok := d.Get(KeyAccess)
	require.False(t, ok)
	require.Empty(t, v)
}

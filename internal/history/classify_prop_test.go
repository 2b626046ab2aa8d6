package history

import (
	"errors"
	"testing"

	"pgregory.net/rapid"
)

var symbols = []string{"view", "edit", "admin", "", "View", "owner", " edit"}

func genParticipation(t *rapid.T) MutationContext {
	mc := MutationContext{
		Kind:    KindParticipation,
		Op:      rapid.SampledFrom([]Op{OpCreate, OpUpdate, OpDestroy}).Draw(t, "op"),
		PageID:  1,
		Owner:   rapid.SampledFrom([]Owner{OwnerUser, OwnerGroup}).Draw(t, "owner"),
		OwnerID: rapid.Int64Range(1, 50).Draw(t, "owner_id"),
		Changes: map[string]Change{},
	}
	flag := func(key string) {
		if rapid.Bool().Draw(t, key+"_present") {
			mc.Changes[key] = Change{Old: rapid.Bool().Draw(t, key+"_old"), New: rapid.Bool().Draw(t, key+"_new")}
		}
	}
	flag("star")
	flag("watch")
	if rapid.Bool().Draw(t, "access_present") {
		mc.Changes["access"] = Change{
			Old: rapid.SampledFrom(symbols).Draw(t, "access_old"),
			New: rapid.SampledFrom(symbols).Draw(t, "access_new"),
		}
	}
	return mc
}

// expectParticipation spells out the priority order by hand.
func expectParticipation(mc MutationContext) (EventType, bool) {
	b := func(key string) (old, cur, ok bool) {
		c, ok := mc.Changes[key]
		if !ok {
			return false, false, false
		}
		return c.Old.(bool), c.New.(bool), true
	}
	live := mc.Op != OpDestroy
	if o, n, ok := b("star"); live && ok && n && !o {
		return AddStar, true
	}
	if o, n, ok := b("star"); live && ok && o && !n {
		return RemoveStar, true
	}
	if o, n, ok := b("watch"); live && ok && n && !o {
		return StartWatching, true
	}
	if o, n, ok := b("watch"); live && ok && o && !n {
		return StopWatching, true
	}
	acc, hasAcc := mc.Changes["access"]
	accChanged := hasAcc && acc.Old != acc.New
	switch {
	case live && mc.Owner == OwnerGroup && accChanged:
		return GrantGroupAccess, true
	case !live && mc.Owner == OwnerGroup:
		return RevokedGroupAccess, true
	case live && mc.Owner == OwnerUser && accChanged:
		return GrantUserAccess, true
	case !live && mc.Owner == OwnerUser:
		return RevokedUserAccess, true
	}
	return "", false
}

func TestClassifyFirstMatchProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mc := genParticipation(t)
		want, wantOK := expectParticipation(mc)
		got, ok, err := Classify(mc)
		if err != nil {
			if !errors.Is(err, ErrUnmappedAccess) {
				t.Fatalf("unexpected error: %v", err)
			}
			if want != GrantGroupAccess && want != GrantUserAccess {
				t.Fatalf("error %v for non-grant %q", err, want)
			}
			return
		}
		if ok != wantOK || got.Type != want {
			t.Fatalf("got (%q, %v), want (%q, %v) for %+v", got.Type, ok, want, wantOK, mc)
		}
	})
}

func TestClassifyAgreesWithRegistryScan(t *testing.T) {
	reg := DefaultRegistry()
	rapid.Check(t, func(t *rapid.T) {
		mc := genParticipation(t)
		var matches []EventType
		for _, v := range reg[KindParticipation] {
			if v.Matches(mc) {
				matches = append(matches, v.Type)
			}
		}
		got, ok, err := reg.Classify(mc)
		if len(matches) == 0 {
			if ok || err != nil {
				t.Fatalf("no variant matches but got (%q, %v, %v)", got.Type, ok, err)
			}
			return
		}
		if err == nil && got.Type != matches[0] {
			t.Fatalf("got %q, first match %q", got.Type, matches[0])
		}
	})
}

func TestAccessMappingProperty(t *testing.T) {
	valid := map[string]Level{"view": LevelRead, "edit": LevelWrite, "admin": LevelFull}
	seen := map[Level]string{}
	for sym, want := range valid {
		got, err := LevelFromParticipation(sym)
		if err != nil || got != want {
			t.Fatalf("%q: got (%q, %v)", sym, got, err)
		}
		if prev, dup := seen[got]; dup {
			t.Fatalf("%q and %q map to %q", prev, sym, got)
		}
		seen[got] = sym
	}
	rapid.Check(t, func(t *rapid.T) {
		sym := rapid.String().Draw(t, "sym")
		if _, ok := valid[sym]; ok {
			return
		}
		if _, err := LevelFromParticipation(sym); !errors.Is(err, ErrUnmappedAccess) {
			t.Fatalf("%q accepted", sym)
		}
	})
}

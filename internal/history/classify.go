package history

// Classification is the outcome of a successful match.
type Classification struct {
	Type    EventType
	Details Details
	Subject *Subject
}

// Variant is one entry of the per-kind registry.
type Variant struct {
	Type    EventType
	Matches func(mc MutationContext) bool
	// Details builds the payload; nil means none. An error rejects the mutation.
	Details func(mc MutationContext) (Details, error)
	Subject func(mc MutationContext) *Subject
}

// Registry holds the ordered variants per entity kind. The first match wins.
type Registry map[Kind][]Variant

// DefaultRegistry returns the standard page, participation and comment variants.
func DefaultRegistry() Registry {
	return Registry{
		KindPage:          pageVariants(),
		KindParticipation: participationVariants(),
		KindComment:       commentVariants(),
	}
}

// Classify returns the first variant of mc's kind whose predicate holds.
// ok is false when nothing matches, which is not an error.
func (r Registry) Classify(mc MutationContext) (c Classification, ok bool, err error) {
	for _, v := range r[mc.Kind] {
		if !v.Matches(mc) {
			continue
		}
		c.Type = v.Type
		if v.Details != nil {
			if c.Details, err = v.Details(mc); err != nil {
				return Classification{}, false, err
			}
		}
		if v.Subject != nil {
			c.Subject = v.Subject(mc)
		}
		return c, true, nil
	}
	return Classification{}, false, nil
}

// Classify uses the default registry.
func Classify(mc MutationContext) (Classification, bool, error) {
	return defaultRegistry.Classify(mc)
}

var defaultRegistry = DefaultRegistry()

func pageVariants() []Variant {
	return []Variant{
		{Type: PageCreated, Matches: func(mc MutationContext) bool { return mc.Op == OpCreate }},
		{Type: Deleted, Matches: func(mc MutationContext) bool { return mc.Op == OpDestroy }},
		{Type: MakePublic, Matches: func(mc MutationContext) bool { return mc.activated("public") }},
		{Type: MakePrivate, Matches: func(mc MutationContext) bool { return mc.deactivated("public") }},
		{
			Type: ChangeTitle,
			Matches: func(mc MutationContext) bool {
				_, ok := mc.changed("title")
				return ok
			},
			Details: func(mc MutationContext) (Details, error) {
				c := mc.Changes["title"]
				return Details{KeyFrom: stringOf(c.Old), KeyTo: stringOf(c.New)}, nil
			},
		},
		{Type: UpdatedContent, Matches: func(mc MutationContext) bool {
			_, ok := mc.changed("body")
			return ok
		}},
	}
}

func participationVariants() []Variant {
	live := func(mc MutationContext) bool { return mc.Op != OpDestroy }
	flag := func(key string, on bool) func(MutationContext) bool {
		return func(mc MutationContext) bool {
			if !live(mc) {
				return false
			}
			if on {
				return mc.activated(key)
			}
			return mc.deactivated(key)
		}
	}
	grant := func(owner Owner) func(MutationContext) bool {
		return func(mc MutationContext) bool {
			_, ok := mc.changed(KeyAccess)
			return live(mc) && mc.Owner == owner && ok
		}
	}
	revoke := func(owner Owner) func(MutationContext) bool {
		return func(mc MutationContext) bool { return mc.Op == OpDestroy && mc.Owner == owner }
	}
	subject := func(t SubjectType) func(MutationContext) *Subject {
		return func(mc MutationContext) *Subject { return &Subject{Type: t, ID: mc.OwnerID} }
	}

	return []Variant{
		{Type: AddStar, Matches: flag("star", true)},
		{Type: RemoveStar, Matches: flag("star", false)},
		{Type: StartWatching, Matches: flag("watch", true)},
		{Type: StopWatching, Matches: flag("watch", false)},
		{Type: GrantGroupAccess, Matches: grant(OwnerGroup), Details: grantDetails, Subject: subject(SubjectGroup)},
		{Type: RevokedGroupAccess, Matches: revoke(OwnerGroup), Subject: subject(SubjectGroup)},
		{Type: GrantUserAccess, Matches: grant(OwnerUser), Details: grantDetails, Subject: subject(SubjectUser)},
		{Type: RevokedUserAccess, Matches: revoke(OwnerUser), Subject: subject(SubjectUser)},
	}
}

// grantDetails stores the canonical level of the participation's current
// access symbol. The symbol comes from mc.Access, else the delta's new value.
func grantDetails(mc MutationContext) (Details, error) {
	sym := mc.Access
	if sym == "" {
		sym = stringOf(mc.Changes[KeyAccess].New)
	}
	lvl, err := LevelFromParticipation(sym)
	if err != nil {
		return nil, err
	}
	return Details{KeyAccess: string(lvl)}, nil
}

func commentVariants() []Variant {
	op := func(want Op) func(MutationContext) bool {
		return func(mc MutationContext) bool { return mc.Op == want }
	}
	post := func(mc MutationContext) *Subject { return &Subject{Type: SubjectPost, ID: mc.CommentID} }
	return []Variant{
		{Type: AddComment, Matches: op(OpCreate), Subject: post},
		{Type: UpdateComment, Matches: op(OpUpdate), Subject: post},
		{Type: DestroyComment, Matches: op(OpDestroy), Subject: post},
	}
}

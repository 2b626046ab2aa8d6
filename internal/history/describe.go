package history

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// UnknownName stands in for a deleted or unresolvable user or group.
const UnknownName = "Unknown/Deleted"

var commentSuffix = regexp.MustCompile(`e?_comment`)

// DescriptionKey is the translation key describing r.
//
//	GrantUserAccess{access: write} -> page_history_granted_user_write_access
//	UpdateComment                  -> page_history_updated_comment
func (r Record) DescriptionKey() string {
	switch r.Type {
	case PageCreated:
		return "page_history_user_created_page"
	case Deleted:
		return "page_history_deleted_page"
	}
	key := "page_history_" + snake(string(r.Type))
	switch r.Type {
	case GrantGroupAccess, GrantUserAccess:
		key = strings.Replace(key, "grant", "granted", 1)
		if lvl, ok := r.Details.Get(KeyAccess); ok {
			key = strings.Replace(key, "group_access", "group_"+lvl+"_access", 1)
			key = strings.Replace(key, "user_access", "user_"+lvl+"_access", 1)
		}
	case AddComment, UpdateComment, DestroyComment:
		key = commentSuffix.ReplaceAllString(key, "ed_comment")
	}
	return key
}

// DetailsKey is the translation key for the details line, or "" when the
// variant has none.
func (r Record) DetailsKey() string {
	if r.Type == ChangeTitle {
		return "page_history_details_change_title"
	}
	return ""
}

// Names resolves display names for description params. Implementations
// return ok=false for missing rows.
type Names interface {
	UserName(ctx context.Context, id int64) (string, bool, error)
	GroupName(ctx context.Context, id int64) (string, bool, error)
}

// DescriptionParams returns the user_name and item_name params of r.
// Lookup errors degrade to UnknownName; descriptions never fail.
func DescriptionParams(ctx context.Context, n Names, r Record) map[string]string {
	params := map[string]string{
		"user_name": UnknownName,
		"item_name": UnknownName,
	}
	if n == nil {
		return params
	}
	if r.ActorID != 0 {
		if name, ok, err := n.UserName(ctx, r.ActorID); err == nil && ok && name != "" {
			params["user_name"] = name
		}
	}
	if r.Subject != nil {
		var (
			name string
			ok   bool
			err  error
		)
		switch r.Subject.Type {
		case SubjectGroup:
			name, ok, err = n.GroupName(ctx, r.Subject.ID)
		case SubjectUser:
			name, ok, err = n.UserName(ctx, r.Subject.ID)
		}
		if err == nil && ok && name != "" {
			params["item_name"] = name
		}
	}
	return params
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

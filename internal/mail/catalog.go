package mail

import (
	"regexp"
	"strings"
)

// Translator turns a description key and its params into text.
type Translator interface {
	Translate(key string, params map[string]string) string
}

// Catalog is a flat key to template map. Templates interpolate %{param};
// unknown keys render as the key itself.
type Catalog map[string]string

var interpolation = regexp.MustCompile(`%\{(\w+)\}`)

func (c Catalog) Translate(key string, params map[string]string) string {
	tpl, ok := c[key]
	if !ok {
		return key
	}
	return interpolation.ReplaceAllStringFunc(tpl, func(m string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(m, "%{"), "}")
		if v, ok := params[name]; ok {
			return v
		}
		return m
	})
}

// English is the built-in catalog.
var English = Catalog{
	"page_history_user_created_page":    "%{user_name} created the page",
	"page_history_deleted_page":         "%{user_name} deleted the page",
	"page_history_make_public":          "%{user_name} made the page public",
	"page_history_make_private":         "%{user_name} made the page private",
	"page_history_change_title":         "%{user_name} changed the title",
	"page_history_details_change_title": "from \"%{from}\" to \"%{to}\"",
	"page_history_updated_content":      "%{user_name} updated the content",
	"page_history_add_star":             "%{user_name} starred the page",
	"page_history_remove_star":          "%{user_name} removed their star",
	"page_history_start_watching":       "%{user_name} started watching the page",
	"page_history_stop_watching":        "%{user_name} stopped watching the page",

	"page_history_granted_group_access":       "%{user_name} granted access to the group %{item_name}",
	"page_history_granted_group_read_access":  "%{user_name} granted read access to the group %{item_name}",
	"page_history_granted_group_write_access": "%{user_name} granted write access to the group %{item_name}",
	"page_history_granted_group_full_access":  "%{user_name} granted full access to the group %{item_name}",
	"page_history_revoked_group_access":       "%{user_name} revoked access of the group %{item_name}",
	"page_history_granted_user_access":        "%{user_name} granted access to %{item_name}",
	"page_history_granted_user_read_access":   "%{user_name} granted read access to %{item_name}",
	"page_history_granted_user_write_access":  "%{user_name} granted write access to %{item_name}",
	"page_history_granted_user_full_access":   "%{user_name} granted full access to %{item_name}",
	"page_history_revoked_user_access":        "%{user_name} revoked access of %{item_name}",

	"page_history_added_comment":     "%{user_name} added a comment",
	"page_history_updated_comment":   "%{user_name} updated a comment",
	"page_history_destroyed_comment": "%{user_name} deleted a comment",
}

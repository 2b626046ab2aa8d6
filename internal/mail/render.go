package mail

import (
	"context"
	"fmt"
	"strings"

	"pagenotify/internal/history"
	"pagenotify/internal/recipients"
)

// Renderer builds the message for one record or one digest.
type Renderer interface {
	Single(ctx context.Context, u recipients.User, r history.Record) (Message, error)
	Digest(ctx context.Context, u recipients.User, rs []history.Record) (Message, error)
}

// PageSource resolves page titles for subjects and headings.
type PageSource interface {
	Page(ctx context.Context, id int64) (history.Page, error)
}

type RenderConfig struct {
	SiteTitle string
	BaseURL   string
	// Paranoid leaves page titles and event details out of messages and
	// only links to the page.
	Paranoid bool
}

// TextRenderer renders plain-text messages from description keys.
type TextRenderer struct {
	cfg   RenderConfig
	names history.Names
	pages PageSource
	tr    Translator
}

// NewTextRenderer builds a renderer; tr nil means English.
func NewTextRenderer(cfg RenderConfig, names history.Names, pages PageSource, tr Translator) *TextRenderer {
	if tr == nil {
		tr = English
	}
	if cfg.SiteTitle == "" {
		cfg.SiteTitle = "pagenotify"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TextRenderer{cfg: cfg, names: names, pages: pages, tr: tr}
}

func (r *TextRenderer) Single(ctx context.Context, u recipients.User, rec history.Record) (Message, error) {
	m := Message{To: u.Email, ToName: u.Name}
	if r.cfg.Paranoid {
		m.Subject = oneLine(fmt.Sprintf("[%s] Page updated", r.cfg.SiteTitle))
		m.Body = fmt.Sprintf("Hello %s,\n\nthere is new activity on a page you watch:\n%s\n", greet(u), r.pageURL(rec.PageID))
		return m, nil
	}
	title := r.pageTitle(ctx, rec.PageID)
	line := r.describe(ctx, rec)
	m.Subject = oneLine(fmt.Sprintf("[%s] %s: %s", r.cfg.SiteTitle, title, line))
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n%s on %q", greet(u), line, title)
	if d := r.details(rec); d != "" {
		fmt.Fprintf(&b, " (%s)", d)
	}
	fmt.Fprintf(&b, " at %s.\n\n%s\n", rec.CreatedAt.Format("2006-01-02 15:04 MST"), r.pageURL(rec.PageID))
	m.Body = b.String()
	return m, nil
}

// Digest expects rs ordered by page, then time.
func (r *TextRenderer) Digest(ctx context.Context, u recipients.User, rs []history.Record) (Message, error) {
	if len(rs) == 0 {
		return Message{}, fmt.Errorf("digest for user %d has no records", u.ID)
	}
	m := Message{To: u.Email, ToName: u.Name}
	m.Subject = oneLine(fmt.Sprintf("[%s] Daily digest: %d %s", r.cfg.SiteTitle, len(rs), plural(len(rs), "change", "changes")))

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nhere is what happened on the pages you watch:\n", greet(u))
	for start := 0; start < len(rs); {
		end := start
		for end < len(rs) && rs[end].PageID == rs[start].PageID {
			end++
		}
		group := rs[start:end]
		pageID := group[0].PageID
		if r.cfg.Paranoid {
			fmt.Fprintf(&b, "\n- %d %s: %s\n", len(group), plural(len(group), "change", "changes"), r.pageURL(pageID))
		} else {
			fmt.Fprintf(&b, "\n%s\n%s\n", r.pageTitle(ctx, pageID), r.pageURL(pageID))
			for _, rec := range group {
				fmt.Fprintf(&b, "  %s  %s", rec.CreatedAt.Format("15:04"), r.describe(ctx, rec))
				if d := r.details(rec); d != "" {
					fmt.Fprintf(&b, " (%s)", d)
				}
				b.WriteByte('\n')
			}
		}
		start = end
	}
	m.Body = b.String()
	return m, nil
}

func (r *TextRenderer) describe(ctx context.Context, rec history.Record) string {
	return r.tr.Translate(rec.DescriptionKey(), history.DescriptionParams(ctx, r.names, rec))
}

func (r *TextRenderer) details(rec history.Record) string {
	key := rec.DetailsKey()
	if key == "" {
		return ""
	}
	params := map[string]string{}
	for k := range rec.Details {
		if v, ok := rec.Details.Get(k); ok {
			params[k] = v
		}
	}
	for _, k := range []string{history.KeyFrom, history.KeyTo} {
		if _, ok := params[k]; !ok {
			params[k] = "unknown"
		}
	}
	return r.tr.Translate(key, params)
}

func (r *TextRenderer) pageTitle(ctx context.Context, id int64) string {
	if r.pages != nil {
		if p, err := r.pages.Page(ctx, id); err == nil && p.Title != "" {
			return p.Title
		}
	}
	return fmt.Sprintf("Page #%d", id)
}

func (r *TextRenderer) pageURL(id int64) string {
	return fmt.Sprintf("%s/pages/%d", r.cfg.BaseURL, id)
}

func greet(u recipients.User) string {
	if u.Name != "" {
		return u.Name
	}
	return "there"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// oneLine folds line breaks from titles and names so subjects stay a
// single header line.
func oneLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Join(strings.Fields(s), " ")
}

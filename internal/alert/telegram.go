// Package alert forwards operator alerts (error log lines, failed digest
// runs) to a Telegram chat.
package alert

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// maxText is Telegram's message length limit.
const maxText = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint.
	URL     string
	Timeout time.Duration
}

// Telegram is a send-only bot. It never polls for updates.
type Telegram struct {
	cfg Config
	bot *tele.Bot
}

func NewTelegram(cfg Config) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, bot: b}, nil
}

// SendText posts text to the configured chat, truncated to the API limit.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if r := []rune(text); len(r) > maxText {
		text = string(r[:maxText-1]) + "…"
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	})
	return err
}

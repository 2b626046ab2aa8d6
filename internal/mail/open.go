package mail

import (
	"fmt"
	"strings"
	"time"

	logx "pagenotify/pkg/logx"
)

type Config struct {
	// Driver is "shoutrrr" (alias "smtp") or "log".
	Driver string
	URL    string
	Guard  GuardConfig
	// LogBody makes the log driver print message bodies.
	LogBody bool
}

// Open builds the configured transport wrapped in a Guard.
func Open(cfg Config, log logx.Logger) (*Guard, error) {
	var (
		t   Transport
		err error
	)
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "log":
		t = NewLog(log, cfg.LogBody)
	case "shoutrrr", "smtp":
		t, err = NewShoutrrr(cfg.URL, sendTimeout(cfg.Guard.Timeout))
	default:
		err = fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewGuard(t, cfg.Guard), nil
}

// sendTimeout gives the router a bit less than the guard so it reports its
// own error first.
func sendTimeout(guard time.Duration) time.Duration {
	if guard <= 0 {
		return 0
	}
	return guard * 9 / 10
}

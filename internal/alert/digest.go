package alert

import (
	"context"
	"fmt"
	"strings"

	"pagenotify/internal/digest"
	"pagenotify/internal/eventbus"
	logx "pagenotify/pkg/logx"
)

// WatchDigest sends an alert for every digest run that ended with an error
// or with failed recipients. It returns when ctx is done.
func WatchDigest(ctx context.Context, bus eventbus.Bus, s logx.Sender, log logx.Logger) error {
	ch, unsub := bus.Subscribe(16, eventbus.DigestFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			ev, ok := e.Data.(digest.Event)
			if !ok || (ev.Error == "" && ev.Failed == 0) {
				continue
			}
			if err := s.SendText(ctx, digestText(ev)); err != nil {
				log.Warn("digest alert failed", logx.String("run", ev.RunID), logx.Err(err))
			}
		}
	}
}

func digestText(ev digest.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Digest run %s: %d sent, %d failed, %d records.", ev.RunID, ev.Sent, ev.Failed, ev.Records)
	if ev.Error != "" {
		fmt.Fprintf(&b, "\nInterrupted: %s", ev.Error)
	}
	return b.String()
}

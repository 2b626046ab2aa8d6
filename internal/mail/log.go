package mail

import (
	"context"

	logx "pagenotify/pkg/logx"
)

// LogTransport writes messages to the log instead of sending them.
type LogTransport struct {
	log  logx.Logger
	body bool
}

// NewLog returns a LogTransport; withBody includes the message text.
func NewLog(log logx.Logger, withBody bool) *LogTransport {
	return &LogTransport{log: log.With(logx.String("comp", "mail")), body: withBody}
}

func (t *LogTransport) Send(_ context.Context, m Message) error {
	if err := validate(m); err != nil {
		return err
	}
	fields := []logx.Field{logx.String("to", m.To), logx.String("subject", m.Subject)}
	if t.body {
		fields = append(fields, logx.String("body", m.Body))
	}
	t.log.Info("mail", fields...)
	return nil
}

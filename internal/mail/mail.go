// Package mail delivers rendered notifications.
//
// A Transport sends one Message. Errors wrapped with Systemic mean the
// transport itself is unusable (unreachable server, open circuit, expired
// credentials) and the caller should keep the work for a later attempt;
// any other error is specific to the recipient.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

type Transport interface {
	Send(ctx context.Context, m Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, m Message) error

func (f TransportFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

var (
	ErrCircuitOpen = errors.New("mail circuit open")
	ErrNoRecipient = errors.New("mail: recipient address is empty")
)

type systemicError struct{ err error }

func (e systemicError) Error() string { return e.err.Error() }
func (e systemicError) Unwrap() error { return e.err }

// Systemic marks err as a transport-wide failure.
func Systemic(err error) error {
	if err == nil || IsSystemic(err) {
		return err
	}
	return systemicError{err: err}
}

func IsSystemic(err error) bool {
	var se systemicError
	return errors.As(err, &se)
}

// classify marks connection-level failures as systemic. Anything the
// server answered about a single address stays per-recipient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Systemic(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Systemic(err)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "no such host", "dial tcp", "i/o timeout", "tls:", "authentication", "auth failed", "connection reset", "eof"} {
		if strings.Contains(msg, s) {
			return Systemic(err)
		}
	}
	return err
}

func validate(m Message) error {
	if strings.TrimSpace(m.To) == "" {
		return ErrNoRecipient
	}
	if strings.ContainsAny(m.To, "\r\n") || strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("mail: header injection in message to %q", m.To)
	}
	return nil
}

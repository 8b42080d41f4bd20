package core

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"socketkit/internal/session"
	"socketkit/internal/transport"
	"socketkit/util"
)

// SessionMode keeps one connection open and turns every stdin line
// into one exchange: the line (newline included) is sent, one bounded
// reply is read and printed.
type SessionMode struct {
	stdio

	Session  *session.Session
	Dialer   transport.Dialer
	Endpoint transport.Endpoint
	Charset  string
	// Reconnect allows one reconnect-and-resend when the peer closes
	// the connection between lines.
	Reconnect bool
	Logger    *util.Logger
}

// Run starts the session and exchanges lines until stdin is exhausted
// or ctx is cancelled.  The session is stopped when Run returns.
func (m *SessionMode) Run(ctx context.Context) error {
	defer m.Close()

	if err := m.Session.Start(ctx, m.Endpoint, m.Charset); err != nil {
		return err
	}

	lines, errc := scanLines(ctx, m.stdin())
	out := m.stdout()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			got, err := m.exchange(ctx, line+"\n")
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := printReply(out, got); err != nil {
				return err
			}
		}
	}
}

func (m *SessionMode) exchange(ctx context.Context, text string) (*transport.Received, error) {
	got, err := m.sendText(ctx, text)
	if err == nil || !m.Reconnect || m.Session.State() != session.StateBroken {
		return got, err
	}

	m.Logger.Warn("session %s: %v, reconnecting", m.Endpoint, err)
	if err := m.Session.Reconnect(ctx); err != nil {
		return nil, err
	}
	return m.sendText(ctx, text)
}

func (m *SessionMode) sendText(ctx context.Context, text string) (*transport.Received, error) {
	if err := m.Session.SendText(ctx, text); err != nil {
		return nil, err
	}
	got, err := m.Session.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if got.Saturated {
		m.Logger.Warn("reply filled the %d-byte read buffer and may be truncated", got.Len())
	}
	return got, nil
}

// Close stops the session and releases the dialer.
func (m *SessionMode) Close() error {
	m.Session.Stop()
	return m.Dialer.Close()
}

func (m *SessionMode) String() string {
	return fmt.Sprintf("session with %s (charset %s)", m.Endpoint, charsetName(m.Charset))
}

// scanLines feeds stdin lines into a channel so the caller can select
// on ctx while a read is blocked.  The error channel receives the
// scanner's final error once lines is closed.
func scanLines(ctx context.Context, r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		if err := sc.Err(); err != nil {
			errc <- fmt.Errorf("read stdin: %w", err)
			return
		}
		errc <- nil
	}()
	return lines, errc
}

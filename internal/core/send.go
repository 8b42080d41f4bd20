package core

import (
	"context"
	"fmt"
	"io"
	"strings"

	"socketkit/internal/charset"
	"socketkit/internal/connector"
	"socketkit/internal/transport"
	"socketkit/util"
)

// SendMode performs one blocking exchange: connect, write the payload,
// read one bounded reply, print it.  The payload is Data when set,
// otherwise everything read from stdin.
type SendMode struct {
	stdio

	Connector *connector.Connector
	Endpoint  transport.Endpoint
	Charset   string
	Data      string
	Logger    *util.Logger
}

// Run sends the payload and writes the decoded reply to stdout.
func (m *SendMode) Run(ctx context.Context) error {
	defer m.Close()

	payload, err := m.payload()
	if err != nil {
		return err
	}

	m.Logger.Verbose("sending %d bytes to %s", payload.Len(), m.Endpoint)

	got, err := m.Connector.Connect(ctx, m.Endpoint, payload)
	if err != nil {
		return err
	}
	if got.Saturated {
		m.Logger.Warn("reply filled the %d-byte read buffer and may be truncated", got.Len())
	}
	return printReply(m.stdout(), got)
}

func (m *SendMode) payload() (transport.Payload, error) {
	if m.Data != "" {
		return transport.NewTextPayload(m.Data, m.Charset)
	}
	raw, err := io.ReadAll(m.stdin())
	if err != nil {
		return transport.Payload{}, fmt.Errorf("read stdin: %w", err)
	}
	return transport.NewTextPayload(string(raw), m.Charset)
}

// Close releases the connector's dialer.
func (m *SendMode) Close() error { return m.Connector.Close() }

func (m *SendMode) String() string {
	return fmt.Sprintf("send to %s (charset %s)", m.Endpoint, charsetName(m.Charset))
}

// ── shared helpers ───────────────────────────────────────────────────

// printReply writes the decoded reply, terminated by a newline.
func printReply(w io.Writer, got *transport.Received) error {
	text := got.Text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(w, text)
	return err
}

func charsetName(name string) string {
	cs, err := charset.Lookup(name)
	if err != nil {
		return name
	}
	return cs.Name()
}

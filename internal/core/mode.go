// Package core is the orchestration layer.  It composes the dialer, the
// clients and the server into complete operational modes and provides a
// builder that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  connector / session / server  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point between the
// parsed configuration and the socket components.
package core

import (
	"context"
	"io"
	"os"
)

// Mode represents a complete operational mode of socketkit (one-shot
// send, persistent session, or multiplexing server).  Each mode owns
// its full lifecycle from connection establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

// stdio holds the stream overrides shared by the client modes.
// Stdin/Stdout default to os.Stdin/os.Stdout when nil; tests set them
// for deterministic I/O.
type stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
}

func (s *stdio) stdin() io.Reader {
	if s.Stdin != nil {
		return s.Stdin
	}
	return os.Stdin
}

func (s *stdio) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}
	return os.Stdout
}

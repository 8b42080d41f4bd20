// Package errors provides domain-specific error types for socketkit.
//
// These types carry structured context (operation, address, kind,
// retryability) so callers can tell a connect timeout from a read
// timeout or a peer reset without comparing strings.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrConnectTimeout = errors.New("connect timed out")
	ErrReadTimeout    = errors.New("read timed out")
	ErrPeerClosed     = errors.New("connection closed by peer")
	ErrIllegalState   = errors.New("illegal state")
	ErrListenBind     = errors.New("cannot bind listening socket")

	ErrTunnelClosed    = errors.New("tunnel is closed")
	ErrNotConnected    = errors.New("not connected")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Kind      error  // one of the sentinels above, or nil
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Kind != nil && !errors.Is(e.Err, e.Kind) {
		s = fmt.Sprintf("%s %s: %v: %v", e.Op, e.Addr, e.Kind, e.Err)
	}
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches the error's Kind so errors.Is(err, ErrReadTimeout) works
// without the kind being in the Unwrap chain.
func (e *NetworkError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// StateError reports an operation invoked outside its lifecycle stage.
// It always matches ErrIllegalState.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (state %s)", e.Op, ErrIllegalState, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrIllegalState }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "dial"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError without a kind, detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// Classify wraps err in a NetworkError whose Kind is derived from the
// operation and the underlying failure:
//
//	dial + timeout           → ErrConnectTimeout
//	read/write + timeout     → ErrReadTimeout / ErrTimeout
//	EOF, reset, broken pipe  → ErrPeerClosed
//	listen                   → ErrListenBind
//
// Context cancellation is passed through unchanged so callers can still
// match context.Canceled.
func Classify(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NetworkError
	if errors.As(err, &ne) && ne.Kind != nil {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	e := &NetworkError{Op: op, Addr: addr, Err: err}
	switch {
	case op == "listen":
		e.Kind = ErrListenBind
	case isTimeout(err):
		switch op {
		case "dial":
			e.Kind = ErrConnectTimeout
		case "read":
			e.Kind = ErrReadTimeout
		default:
			e.Kind = ErrTimeout
		}
		e.Retryable = true
	case IsPeerClosed(err):
		e.Kind = ErrPeerClosed
		e.Retryable = true
	default:
		e.Retryable = classifyRetryable(err)
	}
	return e
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTemporary reports whether err represents a temporary condition.
func IsTemporary(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsPeerClosed reports whether err means the remote end went away.
func IsPeerClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPeerClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use socketkit/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }

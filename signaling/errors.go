package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Classified signaling outcomes. Only these cross into the orchestrator;
// raw transport and crypto errors are wrapped at this boundary.
var (
	// ErrDeviceNotFound means the daemon does not know this device. The
	// device has to be paired again; retrying cannot help.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAuthenticationFailed means the daemon rejected our proof of the
	// shared secret. Not retriable.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTimeout means a path produced no answer within its budget. It is
	// retriable like ErrNetwork but reported separately to the user.
	ErrTimeout = errors.New("signaling timed out")

	// ErrNetwork marks a transient transport failure.
	ErrNetwork = errors.New("network error")

	// ErrRelayBusy means the relay answered but asked us to come back
	// later: rate limited or a server-side failure. Retriable.
	ErrRelayBusy = errors.New("relay temporarily unavailable")

	// ErrNoPath is returned when neither a direct address nor a relay is
	// configured for an exchange.
	ErrNoPath = errors.New("no signaling path available")

	// ErrRetriesExhausted wraps the last error once a RetryPolicy has
	// used all its attempts. It is never retriable itself, so an outer
	// retry loop cannot multiply an inner one.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrWrongMode is returned when an operation is not supported by the
	// signaler variant it was called on.
	ErrWrongMode = errors.New("operation not supported in this signaling mode")
)

// Path identifies which signaling route produced an outcome.
type Path string

const (
	// PathDirect is the point-to-point request/response route.
	PathDirect Path = "direct"
	// PathRelay is the public pub/sub relay route.
	PathRelay Path = "relay"
)

// Error represents a signaling failure with context about where it
// happened.
type Error struct {
	Op   string // operation that caused the error
	Path Path   // route the error came from, if any
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("signaling %s via %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError creates a new *Error
func newError(op string, path Path, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}

// IsTerminal reports whether err proves the exchange cannot succeed on
// any path: the daemon answered and said no.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrAuthenticationFailed)
}

// retriableErrnos are the socket-level conditions treated as transient.
var retriableErrnos = []syscall.Errno{
	syscall.ECONNABORTED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
}

// retriableMessages is the fallback for errors that carry no structure,
// such as those surfaced by WebSocket or HTTP client libraries. It covers
// the same conditions as retriableErrnos plus timeouts.
var retriableMessages = []string{
	"connection abort",
	"connection reset",
	"broken pipe",
	"socket closed",
	"unreachable",
	"timeout",
	"timed out",
}

// IsRetriable reports whether a relay operation that failed with err
// should be attempted again. Cancellation and terminal outcomes are never
// retriable.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrRetriesExhausted),
		IsTerminal(err):
		return false
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRelayBusy),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}

	for _, errno := range retriableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range retriableMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/strategy"
	"github.com/opd-ai/daemonlink/transport"
)

var (
	// ErrBusy is returned when Connect is called while another attempt
	// is running.
	ErrBusy = errors.New("connection attempt already in progress")

	// ErrAlreadyConnected is returned by Connect and Adopt while an
	// authenticated transport is held. Disconnect first.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected is returned by Send without a transport.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidRequest covers malformed Connect input.
	ErrInvalidRequest = errors.New("invalid connection request")

	// ErrReadyHandshake means the ready frame could not be sent. The
	// transport is closed and the attempt fails.
	ErrReadyHandshake = errors.New("ready handshake failed")

	// ErrLinkDown means the transport reported a failure before the
	// orchestrator took it over. The daemon accepted and then dropped it.
	ErrLinkDown = errors.New("link failed during handshake")

	// ErrOwnership is returned when a transport could not be taken over
	// because its owner changed or it was closed concurrently.
	ErrOwnership = errors.New("transport ownership transfer failed")
)

// Attempt records the outcome of one strategy.
type Attempt struct {
	Strategy string
	Status   strategy.Status
	Err      error
	CanRetry bool
	Duration time.Duration
}

func (a Attempt) String() string {
	if a.Err == nil {
		return fmt.Sprintf("%s: %s", a.Strategy, a.Status)
	}
	return fmt.Sprintf("%s: %s: %v", a.Strategy, a.Status, a.Err)
}

// AllFailedError is returned when no strategy produced a transport. It
// holds every strategy that was considered, including those that
// reported themselves unavailable, in the order they were tried.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all connection strategies failed: no strategies configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	return "all connection strategies failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-attempt errors to errors.Is and errors.As.
func (e *AllFailedError) Unwrap() []error {
	var combined error
	for _, a := range e.Attempts {
		combined = multierr.Append(combined, a.Err)
	}
	return multierr.Errors(combined)
}

// Tried reports whether any strategy got as far as a connect attempt.
func (e *AllFailedError) Tried() bool {
	for _, a := range e.Attempts {
		if a.Status == strategy.StatusFailed {
			return true
		}
	}
	return false
}

// Remedy is the action a user should take after a failed connect.
type Remedy int

const (
	// RemedyNone applies to success and to cancellation.
	RemedyNone Remedy = iota
	// RemedyRetry means the failure was transient.
	RemedyRetry
	// RemedyRePair means the daemon rejected the pairing; the device
	// has to be paired again.
	RemedyRePair
	// RemedyCheckNetwork means nothing was reachable from here.
	RemedyCheckNetwork
)

// String returns a string representation of the remedy
func (r Remedy) String() string {
	switch r {
	case RemedyNone:
		return "none"
	case RemedyRetry:
		return "retry"
	case RemedyRePair:
		return "re-pair"
	case RemedyCheckNetwork:
		return "check network"
	default:
		return "unknown"
	}
}

// Remediation classifies a Connect error.
func Remediation(err error) Remedy {
	switch {
	case err == nil:
		return RemedyNone
	case errors.Is(err, context.Canceled):
		return RemedyNone
	case errors.Is(err, signaling.ErrDeviceNotFound),
		errors.Is(err, signaling.ErrAuthenticationFailed),
		errors.Is(err, transport.ErrAuthenticationRejected):
		return RemedyRePair
	}

	var all *AllFailedError
	if errors.As(err, &all) && !all.Tried() {
		return RemedyCheckNetwork
	}
	if isUnreachable(err) {
		return RemedyCheckNetwork
	}
	return RemedyRetry
}

func isUnreachable(err error) bool {
	if errors.Is(err, signaling.ErrNoPath) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "no route to host")
}

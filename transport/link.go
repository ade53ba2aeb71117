package transport

import (
	"errors"
	"fmt"
	"net"
)

// LinkEvent is a connectivity transition reported by a Transport.
type LinkEvent int

const (
	// LinkConnected reports the link is usable.
	LinkConnected LinkEvent = iota
	// LinkDisconnected reports a possibly transient loss of the link.
	LinkDisconnected
	// LinkFailed reports the link is gone for good.
	LinkFailed
)

// String returns a string representation of the link event
func (e LinkEvent) String() string {
	switch e {
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is an established, authenticated byte-message link to the
// daemon. Handlers may be replaced at any time; a nil handler drops
// inbound messages. A link that went down while no link handler was set
// reports that state to the next handler registered.
type Transport interface {
	// Send delivers one message.
	Send(data []byte) error
	// Close tears the link down. Only the ownership registry should
	// call it on a shared transport.
	Close() error
	// RemoteAddr describes the peer end.
	RemoteAddr() net.Addr
	// SetLinkStateHandler registers a callback for link transitions.
	SetLinkStateHandler(fn func(LinkEvent))
	// SetMessageHandler registers a callback for inbound messages.
	SetMessageHandler(fn func([]byte))
}

// Common transport errors
var (
	// ErrClosed indicates the transport has been closed
	ErrClosed = errors.New("transport closed")

	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrAuthenticationRejected indicates the daemon refused the auth handshake
	ErrAuthenticationRejected = errors.New("authentication rejected")

	// ErrInvalidHandshake indicates handshake inputs are malformed
	ErrInvalidHandshake = errors.New("invalid handshake")
)

// Error represents a transport error with additional context.
type Error struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError creates a new *Error
func newError(op, addr string, err error) *Error {
	return &Error{Op: op, Addr: addr, Err: err}
}

package strategy

import (
	"context"
	"fmt"

	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/transport"
)

// Default daemon ports.
const (
	DefaultLANPort     = 8765
	DefaultOverlayPort = 8766
)

// Strategy priorities; lower is tried first.
const (
	PriorityLAN     = 10
	PriorityOverlay = 20
	PriorityP2P     = 30
)

// OfferExchanger obtains an SDP answer for an offer. *signaling.Signaler
// satisfies it.
type OfferExchanger interface {
	ExchangeOffer(ctx context.Context, secret []byte, target signaling.Target, sessionID, sdp string) (*signaling.AnswerResult, error)
}

// ConnectionContext is everything a strategy may use for one connection
// attempt. It is built once per attempt and must not be modified after.
type ConnectionContext struct {
	DeviceID   string
	DeviceName string

	// DaemonHost and DaemonPort are the daemon's last known LAN address.
	DaemonHost string
	DaemonPort int

	// OverlayHost and OverlayPort are a statically known overlay
	// address. Peer capabilities take precedence when present.
	OverlayHost string
	OverlayPort int

	// AuthToken is the derived auth key used for the socket handshake.
	AuthToken []byte
	// Secret is the borrowed master secret, needed by signaling.
	Secret []byte
	// SessionID is set only for pairing.
	SessionID string

	// Signaling exchanges offers for the P2P strategy.
	Signaling OfferExchanger

	// Local is the result of local network inspection.
	Local transport.LocalNetwork
	// Peer holds the daemon's capabilities, if the exchange succeeded.
	Peer *signaling.Capabilities
}

// Target returns the signaling target for this context.
func (cc *ConnectionContext) Target() signaling.Target {
	return signaling.Target{
		DeviceID:   cc.DeviceID,
		DeviceName: cc.DeviceName,
		Host:       cc.DaemonHost,
		Port:       cc.DaemonPort,
	}
}

// Detection is the outcome of Detect.
type Detection struct {
	Available bool
	// Info describes the chosen address when available, or the reason
	// the strategy is unavailable.
	Info string
}

// Availablef reports an available strategy.
func Availablef(format string, args ...interface{}) Detection {
	return Detection{Available: true, Info: fmt.Sprintf(format, args...)}
}

// Unavailablef reports an unavailable strategy.
func Unavailablef(format string, args ...interface{}) Detection {
	return Detection{Info: fmt.Sprintf(format, args...)}
}

// Status tags a Result.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusUnavailable
)

// String returns a string representation of the status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result is the outcome of Connect. Exactly one of Transport (success) or
// Err (failed, unavailable) is set.
type Result struct {
	Status    Status
	Transport *transport.OwnedTransport
	Err       error
	// CanRetry reports whether repeating the attempt could succeed.
	CanRetry bool
}

// Success wraps a connected transport, owned by OwnerStrategy until the
// orchestrator takes it over.
func Success(t transport.Transport) Result {
	return Result{Status: StatusSuccess, Transport: transport.NewOwnedTransport(t, transport.OwnerStrategy)}
}

// Failed reports a failed attempt.
func Failed(err error, canRetry bool) Result {
	return Result{Status: StatusFailed, Err: err, CanRetry: canRetry}
}

// Unavailable reports that the strategy turned out not to apply.
func Unavailable(err error) Result {
	return Result{Status: StatusUnavailable, Err: err}
}

// Step identifies a phase of a connection attempt.
type Step string

const (
	StepResolving      Step = "resolving"
	StepDialing        Step = "dialing"
	StepAuthenticating Step = "authenticating"
	StepSignaling      Step = "signaling"
	StepNegotiating    Step = "negotiating"
	StepConnected      Step = "connected"
)

// ConnectionStep is a progress event emitted during Connect.
type ConnectionStep struct {
	Step   Step
	Detail string
}

// ProgressFunc receives progress events. It may be nil.
type ProgressFunc func(ConnectionStep)

func (f ProgressFunc) report(step Step, format string, args ...interface{}) {
	if f != nil {
		f(ConnectionStep{Step: step, Detail: fmt.Sprintf(format, args...)})
	}
}

// Strategy is one way of reaching the daemon.
type Strategy interface {
	// Name identifies the strategy in logs and failure reports.
	Name() string
	// Priority orders attempts; lower goes first.
	Priority() int
	// Detect decides from local state whether Connect is worth trying.
	// It must not perform network I/O.
	Detect(cc *ConnectionContext) Detection
	// Connect attempts a connection.
	Connect(ctx context.Context, cc *ConnectionContext, onProgress ProgressFunc) Result
}

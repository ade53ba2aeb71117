package connection

// State is a step of the connection state machine.
type State int

const (
	// StateIdle is the state before the first attempt and after Disconnect.
	StateIdle State = iota
	StateInitializing
	StateDiscoveringCapabilities
	StateExchangingCapabilities
	StateDetectingStrategies
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateFailed
	StateCancelled
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateDiscoveringCapabilities:
		return "discovering_capabilities"
	case StateExchangingCapabilities:
		return "exchanging_capabilities"
	case StateDetectingStrategies:
		return "detecting_strategies"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether an attempt has finished in s.
func (s State) IsTerminal() bool {
	switch s {
	case StateIdle, StateAuthenticated, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ProgressKind tags a Progress event.
type ProgressKind string

const (
	ProgressDiscovery  ProgressKind = "discovery"
	ProgressExchange   ProgressKind = "exchange"
	ProgressStrategy   ProgressKind = "strategy"
	ProgressSignaling  ProgressKind = "signaling"
	ProgressConnecting ProgressKind = "connecting"
	ProgressConnected  ProgressKind = "connected"
	ProgressFailed     ProgressKind = "failed"
	ProgressCancelled  ProgressKind = "cancelled"
)

// Progress is one observational event emitted during Connect.
type Progress struct {
	Kind ProgressKind
	// Strategy names the strategy the event belongs to, if any.
	Strategy string
	Detail   string
	Err      error
}

// ProgressFunc receives progress events. It may be nil.
type ProgressFunc func(Progress)

func (f ProgressFunc) emit(p Progress) {
	if f != nil {
		f(p)
	}
}

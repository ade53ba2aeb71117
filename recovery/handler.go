package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// DefaultGracePeriod is how long a disconnected link may take to recover
// before the handler gives up on it.
const DefaultGracePeriod = 12 * time.Second

// Event is a link-level connectivity transition.
type Event int

const (
	// EventConnected reports that the link is (again) usable.
	EventConnected Event = iota
	// EventDisconnected reports a possibly transient loss of the link.
	EventDisconnected
	// EventFailed reports a terminal loss of the link.
	EventFailed
)

// String returns a string representation of the event
func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Phase is the coarse recovery state.
type Phase int

const (
	PhaseStable Phase = iota
	PhaseDisconnected
	PhaseFailed
)

// String returns a string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the handler. Since is set only while
// disconnected.
type State struct {
	Phase Phase
	Since time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithClock sets the clock that drives the grace timer.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithLogger sets the logger entry.
func WithLogger(l *logrus.Entry) Option {
	return func(h *Handler) { h.logger = l }
}

// Handler is the recovery state machine. It is safe for concurrent use.
//
// Failure fires at most once per Handler. Each armed timer carries the
// generation it was armed in; a timer whose generation no longer matches
// when it runs lost a race with a cancellation and does nothing.
type Handler struct {
	mu          sync.Mutex
	gracePeriod time.Duration
	onFailed    func(reason string)
	clock       clock.Clock
	logger      *logrus.Entry

	phase      Phase
	since      time.Time
	timer      *clock.Timer
	generation uint64
	fired      bool
	closed     bool
}

// NewHandler creates a handler that calls onFailed when the link does not
// recover within gracePeriod, or immediately on a hard failure. A
// non-positive gracePeriod selects DefaultGracePeriod. onFailed runs on
// its own goroutine and never under the handler's lock.
func NewHandler(gracePeriod time.Duration, onFailed func(reason string), opts ...Option) *Handler {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	h := &Handler{
		gracePeriod: gracePeriod,
		onFailed:    onFailed,
		clock:       clock.New(),
		logger:      logrus.WithField("component", "recovery"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle feeds one link event into the state machine.
func (h *Handler) Handle(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.phase == PhaseFailed {
		return
	}

	switch ev {
	case EventDisconnected:
		if h.phase == PhaseDisconnected {
			return
		}
		h.phase = PhaseDisconnected
		h.since = h.clock.Now()
		h.arm()
		h.logger.WithField("grace_period", h.gracePeriod).Info("Link disconnected, waiting for recovery")

	case EventConnected:
		if h.phase != PhaseDisconnected {
			return
		}
		h.disarm()
		h.logger.WithField("downtime", h.clock.Since(h.since)).Info("Link recovered")
		h.phase = PhaseStable
		h.since = time.Time{}

	case EventFailed:
		h.disarm()
		h.fail("link failed")

	default:
		h.logger.WithField("event", ev).Warn("Ignoring unknown link event")
	}
}

// arm starts the grace timer for the current generation. Caller holds mu.
func (h *Handler) arm() {
	h.disarm()
	gen := h.generation
	h.timer = h.clock.AfterFunc(h.gracePeriod, func() { h.expire(gen) })
}

// disarm stops any pending timer and invalidates it. Caller holds mu.
func (h *Handler) disarm() {
	h.generation++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Handler) expire(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || gen != h.generation || h.phase != PhaseDisconnected {
		return
	}
	h.timer = nil
	h.fail(fmt.Sprintf("link did not recover within %s", h.gracePeriod))
}

// fail moves to PhaseFailed and fires the callback once. Caller holds mu.
func (h *Handler) fail(reason string) {
	h.phase = PhaseFailed
	h.since = time.Time{}
	if h.fired {
		return
	}
	h.fired = true

	h.logger.WithField("reason", reason).Warn("Recovery failed")
	if h.onFailed != nil {
		go h.onFailed(reason)
	}
}

// State returns the current state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return State{Phase: h.phase, Since: h.since}
}

// Close cancels any pending timer. Events and timer expiries after Close
// are ignored.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disarm()
	h.closed = true
}

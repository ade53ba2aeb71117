package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/daemonlink/crypto"
	"github.com/opd-ai/daemonlink/metrics"
	"github.com/opd-ai/daemonlink/recovery"
	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/strategy"
	"github.com/opd-ai/daemonlink/transport"
)

// Request identifies the daemon to connect to.
type Request struct {
	DeviceID   string
	DeviceName string
	// Secret is the master secret. It is borrowed for the duration of
	// Connect and never retained.
	Secret []byte

	DaemonHost  string
	DaemonPort  int
	OverlayHost string
	OverlayPort int
}

func (r *Request) validate() error {
	switch {
	case r.DeviceID == "":
		return fmt.Errorf("%w: missing device id", ErrInvalidRequest)
	case len(r.Secret) != crypto.MasterSecretSize:
		return fmt.Errorf("%w: master secret must be %d bytes, got %d",
			ErrInvalidRequest, crypto.MasterSecretSize, len(r.Secret))
	}
	return nil
}

func (r *Request) target() signaling.Target {
	return signaling.Target{
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
		Host:       r.DaemonHost,
		Port:       r.DaemonPort,
	}
}

// CapabilityExchanger learns the daemon's capabilities. A reconnection
// *signaling.Signaler satisfies it.
type CapabilityExchanger interface {
	ExchangeCapabilities(ctx context.Context, secret []byte, target signaling.Target, local signaling.Capabilities) (*signaling.CapabilityResult, error)
}

// Inspector reports the local networks. *transport.NetworkInspector
// satisfies it.
type Inspector interface {
	Inspect() (transport.LocalNetwork, error)
}

// Established describes a successful Connect.
type Established struct {
	Strategy   string
	RemoteAddr net.Addr
	// Peer is nil when the capability exchange failed non-terminally.
	Peer *signaling.Capabilities
	// Attempts lists the strategies considered before the winner,
	// followed by the winner itself.
	Attempts []Attempt
	Elapsed  time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStrategies sets the strategy set. Order does not matter; attempts
// follow Priority.
func WithStrategies(s ...strategy.Strategy) Option {
	return func(o *Orchestrator) { o.strategies = append([]strategy.Strategy(nil), s...) }
}

// WithCapabilityExchanger enables the capability exchange step.
func WithCapabilityExchanger(c CapabilityExchanger) Option {
	return func(o *Orchestrator) { o.capabilities = c }
}

// WithOfferExchanger sets the signaling used by the P2P strategy.
func WithOfferExchanger(x strategy.OfferExchanger) Option {
	return func(o *Orchestrator) { o.offers = x }
}

// WithInspector replaces the local network inspector.
func WithInspector(i Inspector) Option {
	return func(o *Orchestrator) { o.inspector = i }
}

// WithRecoveryGracePeriod sets how long a disconnected link may take to
// come back.
func WithRecoveryGracePeriod(d time.Duration) Option {
	return func(o *Orchestrator) { o.gracePeriod = d }
}

// WithClock sets the clock for timestamps and the recovery timer.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMonitor records attempts and link health.
func WithMonitor(m *metrics.Monitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

// WithLogger sets the logger entry.
func WithLogger(l *logrus.Entry) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// DefaultStrategies returns the LAN, overlay and P2P strategies with
// default dialers.
func DefaultStrategies(peer transport.PeerConfig) []strategy.Strategy {
	return []strategy.Strategy{
		strategy.NewLANStrategy(nil),
		strategy.NewOverlayStrategy(nil),
		strategy.NewP2PStrategy(peer),
	}
}

type listener struct {
	id int
	fn func(State)
}

// Orchestrator runs connection attempts and owns the resulting transport.
// At most one attempt runs at a time, and at most one transport is held.
type Orchestrator struct {
	strategies   []strategy.Strategy
	capabilities CapabilityExchanger
	offers       strategy.OfferExchanger
	inspector    Inspector
	gracePeriod  time.Duration
	clock        clock.Clock
	monitor      *metrics.Monitor
	logger       *logrus.Entry

	mu        sync.Mutex
	state     State
	busy      bool
	owned     *transport.OwnedTransport
	recovery  *recovery.Handler
	onMessage func([]byte)
	listeners []listener
	nextID    int
}

// New creates an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		inspector:   transport.NewNetworkInspector(),
		gracePeriod: recovery.DefaultGracePeriod,
		clock:       clock.New(),
		logger:      logrus.WithField("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsConnected reports whether an authenticated transport is held.
func (o *Orchestrator) IsConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateAuthenticated && o.owned != nil && !o.owned.IsClosed()
}

// IsHealthy reports whether the held transport is connected and its link
// is currently up.
func (o *Orchestrator) IsHealthy() bool {
	o.mu.Lock()
	rec := o.recovery
	connected := o.state == StateAuthenticated && o.owned != nil && !o.owned.IsClosed()
	o.mu.Unlock()

	return connected && rec != nil && rec.State().Phase == recovery.PhaseStable
}

// OnStateChange registers fn to be called after every state transition.
// Callbacks run synchronously on the goroutine making the transition and
// must not block. The returned func removes the registration.
func (o *Orchestrator) OnStateChange(fn func(State)) (remove func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.listeners = append(o.listeners, listener{id: id, fn: fn})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, l := range o.listeners {
			if l.id == id {
				o.listeners = append(o.listeners[:i], o.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetMessageHandler registers fn for messages arriving on the held
// transport.
func (o *Orchestrator) SetMessageHandler(fn func([]byte)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onMessage = fn
}

// Send writes data to the held transport.
func (o *Orchestrator) Send(data []byte) error {
	o.mu.Lock()
	owned := o.owned
	o.mu.Unlock()

	if owned == nil || owned.IsClosed() {
		return ErrNotConnected
	}
	return owned.Transport().Send(data)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	o.state = s
	fns := make([]func(State), len(o.listeners))
	for i, l := range o.listeners {
		fns[i] = l.fn
	}
	o.mu.Unlock()

	o.logger.WithField("state", s.String()).Debug("State changed")
	for _, fn := range fns {
		fn(s)
	}
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.busy:
		return ErrBusy
	case o.owned != nil && !o.owned.IsClosed():
		return ErrAlreadyConnected
	}
	o.busy = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = false
}

// Connect establishes an authenticated transport to the daemon described
// by req. Success is reported only after the ready frame has been sent
// and the orchestrator owns the transport.
//
// Cancelling ctx stops the attempt in whatever phase it is in; Connect
// then returns ctx.Err() and leaves the orchestrator in StateCancelled.
// When every strategy fails the error is an *AllFailedError.
func (o *Orchestrator) Connect(ctx context.Context, req Request, onProgress ProgressFunc) (*Established, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	start := o.clock.Now()
	logger := o.logger.WithFields(logrus.Fields{
		"function":  "Connect",
		"device_id": req.DeviceID,
	})
	logger.Info("Starting connection attempt")
	o.setState(StateInitializing)

	authKey, err := crypto.DeriveKey(req.Secret, crypto.PurposeAuth)
	if err != nil {
		return nil, o.abort(ctx, err, onProgress)
	}
	defer crypto.ZeroBytes(authKey)

	o.setState(StateDiscoveringCapabilities)
	local := o.inspectLocal(logger)
	localCaps := o.localCapabilities(local)
	onProgress.emit(Progress{
		Kind:   ProgressDiscovery,
		Detail: fmt.Sprintf("%d LAN and %d overlay addresses", len(local.LANAddrs), len(local.OverlayAddrs)),
	})

	o.setState(StateExchangingCapabilities)
	peer, err := o.exchangeCapabilities(ctx, &req, localCaps, onProgress, logger)
	if err != nil {
		return nil, o.abort(ctx, err, onProgress)
	}

	cc := &strategy.ConnectionContext{
		DeviceID:    req.DeviceID,
		DeviceName:  req.DeviceName,
		DaemonHost:  req.DaemonHost,
		DaemonPort:  req.DaemonPort,
		OverlayHost: req.OverlayHost,
		OverlayPort: req.OverlayPort,
		AuthToken:   authKey,
		Secret:      req.Secret,
		Signaling:   o.offers,
		Local:       local,
		Peer:        peer,
	}

	o.setState(StateDetectingStrategies)
	ordered, detections := o.detect(ctx, cc)

	o.setState(StateConnecting)
	owned, attempts, err := o.attempt(ctx, cc, ordered, detections, onProgress, logger)
	if err != nil {
		return nil, o.abort(ctx, err, onProgress)
	}
	winner := attempts[len(attempts)-1].Strategy
	o.setState(StateConnected)

	o.setState(StateAuthenticating)
	rec := o.wire(owned)
	if linkDown(rec) {
		logger.Warn("Link failed before the ready handshake")
		o.unwire(owned, rec)
		owned.CloseByOwner(transport.OwnerStrategy)
		return nil, o.abort(ctx, ErrLinkDown, onProgress)
	}
	if err := SendReady(owned.Transport(), req.Secret, req.DeviceID, o.clock.Now()); err != nil {
		logger.WithError(err).Warn("Ready handshake failed")
		o.unwire(owned, rec)
		owned.CloseByOwner(transport.OwnerStrategy)
		return nil, o.abort(ctx, err, onProgress)
	}
	if err := o.install(owned, transport.OwnerStrategy, rec); err != nil {
		owned.CloseByOwner(transport.OwnerStrategy)
		return nil, o.abort(ctx, err, onProgress)
	}

	elapsed := o.clock.Since(start)
	onProgress.emit(Progress{
		Kind:     ProgressConnected,
		Strategy: winner,
		Detail:   fmt.Sprintf("connected via %s in %s", winner, elapsed.Round(time.Millisecond)),
	})
	logger.WithFields(logrus.Fields{
		"strategy": winner,
		"elapsed":  elapsed,
	}).Info("Connection established")

	return &Established{
		Strategy:   winner,
		RemoteAddr: owned.Transport().RemoteAddr(),
		Peer:       peer,
		Attempts:   attempts,
		Elapsed:    elapsed,
	}, nil
}

// abort finishes a failed attempt. Cancellation always wins over the
// error at hand so callers see ctx.Err().
func (o *Orchestrator) abort(ctx context.Context, err error, onProgress ProgressFunc) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		o.setState(StateCancelled)
		onProgress.emit(Progress{Kind: ProgressCancelled, Err: ctxErr})
		return ctxErr
	}
	o.setState(StateFailed)
	onProgress.emit(Progress{Kind: ProgressFailed, Detail: Remediation(err).String(), Err: err})
	return err
}

func (o *Orchestrator) inspectLocal(logger *logrus.Entry) transport.LocalNetwork {
	if o.inspector == nil {
		return transport.LocalNetwork{}
	}
	local, err := o.inspector.Inspect()
	if err != nil {
		logger.WithError(err).Warn("Local network inspection failed")
		return transport.LocalNetwork{}
	}
	return local
}

func (o *Orchestrator) localCapabilities(local transport.LocalNetwork) signaling.Capabilities {
	caps := signaling.Capabilities{
		SupportsRelay:   o.offers != nil,
		ProtocolVersion: signaling.ProtocolVersion,
	}
	if len(local.OverlayAddrs) > 0 {
		caps.OverlayIP = local.OverlayAddrs[0].String()
	}
	for _, s := range o.strategies {
		if _, ok := s.(*strategy.P2PStrategy); ok {
			caps.SupportsP2P = o.offers != nil
		}
	}
	return caps
}

// exchangeCapabilities returns the peer's capabilities, or nil when the
// exchange failed in a way that still allows connecting. Terminal
// verdicts end the attempt.
func (o *Orchestrator) exchangeCapabilities(ctx context.Context, req *Request, local signaling.Capabilities, onProgress ProgressFunc, logger *logrus.Entry) (*signaling.Capabilities, error) {
	if o.capabilities == nil {
		onProgress.emit(Progress{Kind: ProgressExchange, Detail: "skipped, no signaling configured"})
		return nil, nil
	}

	res, err := o.capabilities.ExchangeCapabilities(ctx, req.Secret, req.target(), local)
	switch {
	case err == nil:
		path := signaling.PathDirect
		if res.UsedRelayPath {
			path = signaling.PathRelay
		}
		onProgress.emit(Progress{
			Kind:   ProgressExchange,
			Detail: fmt.Sprintf("capabilities received via %s in %s", path, res.Latency.Round(time.Millisecond)),
		})
		caps := res.Capabilities
		return &caps, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case signaling.IsTerminal(err):
		logger.WithError(err).Warn("Daemon rejected capability exchange")
		return nil, err
	default:
		logger.WithError(err).Info("Capability exchange failed, continuing without peer capabilities")
		onProgress.emit(Progress{Kind: ProgressExchange, Detail: "continuing without peer capabilities", Err: err})
		return nil, nil
	}
}

// detect runs Detect on every strategy concurrently and returns the
// strategies sorted by priority with their detections.
func (o *Orchestrator) detect(ctx context.Context, cc *strategy.ConnectionContext) ([]strategy.Strategy, []strategy.Detection) {
	ordered := append([]strategy.Strategy(nil), o.strategies...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	detections := make([]strategy.Detection, len(ordered))
	g, _ := errgroup.WithContext(ctx)
	for i, s := range ordered {
		g.Go(func() error {
			detections[i] = s.Detect(cc)
			return nil
		})
	}
	_ = g.Wait()

	return ordered, detections
}

// attempt tries the available strategies in order until one succeeds.
// On success the last entry of the returned attempts is the winner.
func (o *Orchestrator) attempt(ctx context.Context, cc *strategy.ConnectionContext, ordered []strategy.Strategy, detections []strategy.Detection, onProgress ProgressFunc, logger *logrus.Entry) (*transport.OwnedTransport, []Attempt, error) {
	var attempts []Attempt

	for i, s := range ordered {
		name := s.Name()
		d := detections[i]
		if !d.Available {
			logger.WithFields(logrus.Fields{"strategy": name, "reason": d.Info}).Debug("Strategy unavailable")
			o.monitor.RecordStrategyAttempt(name, metrics.OutcomeUnavailable)
			attempts = append(attempts, Attempt{
				Strategy: name,
				Status:   strategy.StatusUnavailable,
				Err:      errors.New(d.Info),
			})
			continue
		}

		onProgress.emit(Progress{Kind: ProgressStrategy, Strategy: name, Detail: d.Info})
		started := o.clock.Now()
		res := s.Connect(ctx, cc, forward(name, onProgress))
		a := Attempt{
			Strategy: name,
			Status:   res.Status,
			Err:      res.Err,
			CanRetry: res.CanRetry,
			Duration: o.clock.Since(started),
		}
		attempts = append(attempts, a)

		if res.Status == strategy.StatusSuccess {
			if ctx.Err() != nil {
				res.Transport.CloseByOwner(transport.OwnerStrategy)
				o.monitor.RecordStrategyAttempt(name, metrics.OutcomeCancelled)
				return nil, attempts, ctx.Err()
			}
			o.monitor.RecordStrategyAttempt(name, metrics.OutcomeSuccess)
			return res.Transport, attempts, nil
		}

		if ctx.Err() != nil {
			o.monitor.RecordStrategyAttempt(name, metrics.OutcomeCancelled)
			return nil, attempts, ctx.Err()
		}

		outcome := metrics.OutcomeFailed
		if res.Status == strategy.StatusUnavailable {
			outcome = metrics.OutcomeUnavailable
		}
		o.monitor.RecordStrategyAttempt(name, outcome)
		logger.WithFields(logrus.Fields{
			"strategy":  name,
			"status":    res.Status.String(),
			"can_retry": res.CanRetry,
		}).WithError(res.Err).Info("Strategy did not connect")
		onProgress.emit(Progress{Kind: ProgressStrategy, Strategy: name, Detail: res.Status.String(), Err: res.Err})

		if isRejection(res.Err) {
			// The daemon has spoken; another path will hear the same.
			break
		}
	}

	return nil, nil, &AllFailedError{Attempts: attempts}
}

func isRejection(err error) bool {
	return signaling.IsTerminal(err) || errors.Is(err, transport.ErrAuthenticationRejected)
}

// forward adapts strategy progress to orchestrator progress.
func forward(name string, onProgress ProgressFunc) strategy.ProgressFunc {
	if onProgress == nil {
		return nil
	}
	return func(step strategy.ConnectionStep) {
		kind := ProgressConnecting
		if step.Step == strategy.StepSignaling || step.Step == strategy.StepNegotiating {
			kind = ProgressSignaling
		}
		onProgress(Progress{Kind: kind, Strategy: name, Detail: step.Detail})
	}
}

// wire attaches link and message handlers to the transport and returns
// the recovery handler that will track it.
func (o *Orchestrator) wire(owned *transport.OwnedTransport) *recovery.Handler {
	rec := recovery.NewHandler(o.gracePeriod,
		func(reason string) { o.linkLost(owned, reason) },
		recovery.WithClock(o.clock),
		recovery.WithLogger(o.logger.WithField("subsystem", "recovery")),
	)

	t := owned.Transport()
	t.SetMessageHandler(o.deliver)
	t.SetLinkStateHandler(func(ev transport.LinkEvent) {
		o.monitor.RecordLinkEvent(ev.String())
		switch ev {
		case transport.LinkConnected:
			rec.Handle(recovery.EventConnected)
		case transport.LinkDisconnected:
			rec.Handle(recovery.EventDisconnected)
		case transport.LinkFailed:
			rec.Handle(recovery.EventFailed)
		}
	})
	return rec
}

func (o *Orchestrator) unwire(owned *transport.OwnedTransport, rec *recovery.Handler) {
	rec.Close()
	t := owned.Transport()
	t.SetLinkStateHandler(nil)
	t.SetMessageHandler(nil)
}

// install takes ownership of a wired transport from its current owner
// and publishes it as the held transport.
func (o *Orchestrator) install(owned *transport.OwnedTransport, from transport.Owner, rec *recovery.Handler) error {
	if linkDown(rec) {
		o.unwire(owned, rec)
		return ErrLinkDown
	}
	if !owned.Handoff(from, transport.OwnerConnection) {
		o.unwire(owned, rec)
		return fmt.Errorf("%w: owner %s, closed %t", ErrOwnership, owned.Owner(), owned.IsClosed())
	}

	o.mu.Lock()
	o.owned = owned
	o.recovery = rec
	o.mu.Unlock()
	o.monitor.SetConnected(true)
	o.setState(StateAuthenticated)

	// A failure between the check above and publishing owned fired
	// while linkLost still ignored this transport.
	if linkDown(rec) {
		o.linkLost(owned, "link failed during handshake")
		return ErrLinkDown
	}
	return nil
}

// linkDown reports whether the transport failed before or while it was
// wired. Transports replay such a failure to the handler set by wire.
func linkDown(rec *recovery.Handler) bool {
	return rec.State().Phase == recovery.PhaseFailed
}

// Adopt takes over a transport established elsewhere, typically by
// pairing, which must currently own it as from. The caller is expected
// to have completed the ready handshake.
func (o *Orchestrator) Adopt(owned *transport.OwnedTransport, from transport.Owner) error {
	if owned == nil {
		return fmt.Errorf("%w: nil transport", ErrInvalidRequest)
	}
	if err := o.begin(); err != nil {
		return err
	}
	defer o.end()

	o.setState(StateAuthenticating)
	rec := o.wire(owned)
	if err := o.install(owned, from, rec); err != nil {
		o.setState(StateFailed)
		return err
	}
	o.logger.WithFields(logrus.Fields{
		"function": "Adopt",
		"from":     from.String(),
		"remote":   owned.Transport().RemoteAddr(),
	}).Info("Adopted transport")
	return nil
}

func (o *Orchestrator) deliver(data []byte) {
	o.mu.Lock()
	fn := o.onMessage
	o.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// linkLost tears down owned after the recovery handler gave up on it. It
// is a no-op unless owned is still the held transport.
func (o *Orchestrator) linkLost(owned *transport.OwnedTransport, reason string) {
	o.mu.Lock()
	if o.owned != owned {
		o.mu.Unlock()
		return
	}
	rec := o.recovery
	o.owned = nil
	o.recovery = nil
	o.mu.Unlock()

	o.logger.WithField("reason", reason).Warn("Connection lost")
	o.unwire(owned, rec)
	owned.CloseByOwner(transport.OwnerConnection)
	o.monitor.RecordRecoveryFailure()
	o.monitor.SetConnected(false)
	o.setState(StateFailed)
}

// Disconnect closes the held transport. It is safe to call when not
// connected.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	owned, rec := o.owned, o.recovery
	o.owned = nil
	o.recovery = nil
	o.mu.Unlock()

	if owned == nil {
		return
	}
	o.unwire(owned, rec)
	if !owned.CloseByOwner(transport.OwnerConnection) {
		o.logger.WithField("owner", owned.Owner().String()).Debug("Transport already closed or not ours")
	}
	o.monitor.SetConnected(false)
	o.setState(StateIdle)
}

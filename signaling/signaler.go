package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/daemonlink/crypto"
	"github.com/opd-ai/daemonlink/metrics"
)

// Mode selects pairing or reconnection semantics.
type Mode int

const (
	// ModePairing exchanges carry a non-empty session id.
	ModePairing Mode = iota
	// ModeReconnection exchanges carry an empty session id.
	ModeReconnection
)

// String returns a string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModePairing:
		return "pairing"
	case ModeReconnection:
		return "reconnection"
	default:
		return "unknown"
	}
}

// Config holds the per-path budgets of a Signaler.
type Config struct {
	// DirectTimeout bounds the direct exchange. LAN round-trips finish in
	// well under 100ms, so this is short.
	DirectTimeout time.Duration
	// OfferRelayTimeout bounds the relay leg of an offer/answer exchange.
	OfferRelayTimeout time.Duration
	// CapabilityRelayTimeout bounds the relay leg of a capability exchange.
	CapabilityRelayTimeout time.Duration
	// Retry governs relay subscribe and publish retries.
	Retry RetryPolicy
	// Replay configures response validation.
	Replay ValidatorOptions
}

// DefaultPairingConfig returns the budgets used during first pairing.
func DefaultPairingConfig() Config {
	return Config{
		DirectTimeout:          3 * time.Second,
		OfferRelayTimeout:      30 * time.Second,
		CapabilityRelayTimeout: 10 * time.Second,
		Retry:                  DefaultRetryPolicy(),
	}
}

// DefaultReconnectionConfig returns the budgets used when reconnecting to
// an already-paired daemon.
func DefaultReconnectionConfig() Config {
	cfg := DefaultPairingConfig()
	cfg.DirectTimeout = 1 * time.Second
	return cfg
}

// Target describes the daemon an exchange is addressed to.
type Target struct {
	DeviceID   string
	DeviceName string
	Host       string
	Port       int
}

// HasDirectPath reports whether a direct address is known.
func (t Target) HasDirectPath() bool {
	return t.Host != "" && t.Port > 0
}

// AnswerResult is the outcome of a successful offer/answer exchange.
type AnswerResult struct {
	SDP           string
	UsedRelayPath bool
	Latency       time.Duration
}

// CapabilityResult is the outcome of a successful capability exchange.
type CapabilityResult struct {
	Capabilities  Capabilities
	UsedRelayPath bool
	Latency       time.Duration
}

// Signaler obtains answers and capabilities from the daemon by racing the
// direct path against the relay path.
//
// The relay leg starts first because it needs a live subscription before
// it can publish; the direct leg then runs with a short timeout. The first
// definitive success wins and the other leg is cancelled. A direct answer
// of "device not found" or "authentication failed" ends the exchange, since
// the relay would only deliver the same verdict later.
type Signaler struct {
	mode    Mode
	direct  DirectClient
	relay   RelayClient
	cfg     Config
	clock   clock.Clock
	logger  *logrus.Entry
	monitor *metrics.Monitor
}

// Option customizes a Signaler.
type Option func(*Signaler)

// WithClock sets the clock used for relay budgets and retry backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Signaler) { s.clock = c }
}

// WithMonitor records exchange latency and retries.
func WithMonitor(m *metrics.Monitor) Option {
	return func(s *Signaler) { s.monitor = m }
}

// WithLogger sets the logger entry.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Signaler) { s.logger = l }
}

// NewPairingSignaler creates a signaler for first-time pairing. Either
// client may be nil to disable that path.
func NewPairingSignaler(direct DirectClient, relay RelayClient, cfg Config, opts ...Option) *Signaler {
	return newSignaler(ModePairing, direct, relay, cfg, opts...)
}

// NewReconnectionSignaler creates a signaler for an already-paired device.
// Either client may be nil to disable that path.
func NewReconnectionSignaler(direct DirectClient, relay RelayClient, cfg Config, opts ...Option) *Signaler {
	return newSignaler(ModeReconnection, direct, relay, cfg, opts...)
}

func newSignaler(mode Mode, direct DirectClient, relay RelayClient, cfg Config, opts ...Option) *Signaler {
	s := &Signaler{
		mode:   mode,
		direct: direct,
		relay:  relay,
		cfg:    cfg,
		clock:  clock.New(),
		logger: logrus.WithFields(logrus.Fields{
			"component": "signaler",
			"mode":      mode.String(),
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Retry.Clock == nil {
		s.cfg.Retry.Clock = s.clock
	}
	if s.cfg.Replay.TimeProvider == nil {
		s.cfg.Replay.TimeProvider = s.clock
	}
	if s.monitor != nil {
		prev := s.cfg.Retry.OnRetry
		s.cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			s.monitor.RecordRelayRetry()
			if prev != nil {
				prev(attempt, delay, err)
			}
		}
	}
	return s
}

// Mode returns the signaler's mode.
func (s *Signaler) Mode() Mode {
	return s.mode
}

// exchange describes one request/response kind run through the race.
type exchange struct {
	op           string
	requestType  MessageType
	responseType MessageType
	sessionID    string
	payload      []byte
	relayTimeout time.Duration
	direct       func(ctx context.Context, req DirectRequest) ([]byte, error)
}

// ExchangeOffer sends an SDP offer and returns the daemon's answer.
// sessionID must be non-empty for a pairing signaler and empty for a
// reconnection signaler.
func (s *Signaler) ExchangeOffer(ctx context.Context, secret []byte, target Target, sessionID, sdp string) (*AnswerResult, error) {
	if err := s.checkSession(sessionID); err != nil {
		return nil, newError("offer", "", err)
	}

	ex := exchange{
		op:           "offer",
		requestType:  TypeOffer,
		responseType: TypeAnswer,
		sessionID:    sessionID,
		payload:      []byte(sdp),
		relayTimeout: s.cfg.OfferRelayTimeout,
	}
	if s.direct != nil {
		ex.direct = func(ctx context.Context, req DirectRequest) ([]byte, error) {
			answer, err := s.direct.SendOffer(ctx, req, sdp)
			if err != nil {
				return nil, err
			}
			return []byte(answer), nil
		}
	}

	payload, usedRelay, latency, err := s.run(ctx, secret, target, ex)
	if err != nil {
		return nil, err
	}
	return &AnswerResult{SDP: string(payload), UsedRelayPath: usedRelay, Latency: latency}, nil
}

// ExchangeCapabilities sends the local capabilities and returns the
// daemon's. Only reconnection signalers exchange capabilities.
func (s *Signaler) ExchangeCapabilities(ctx context.Context, secret []byte, target Target, local Capabilities) (*CapabilityResult, error) {
	if s.mode != ModeReconnection {
		return nil, newError("capabilities", "", ErrWrongMode)
	}
	payload, err := local.Encode()
	if err != nil {
		return nil, newError("capabilities", "", err)
	}

	ex := exchange{
		op:           "capabilities",
		requestType:  TypeCapabilities,
		responseType: TypeCapabilities,
		payload:      payload,
		relayTimeout: s.cfg.CapabilityRelayTimeout,
	}
	if s.direct != nil {
		ex.direct = func(ctx context.Context, req DirectRequest) ([]byte, error) {
			caps, err := s.direct.ExchangeCapabilities(ctx, req, local)
			if err != nil {
				return nil, err
			}
			return caps.Encode()
		}
	}

	raw, usedRelay, latency, err := s.run(ctx, secret, target, ex)
	if err != nil {
		return nil, err
	}
	caps, err := DecodeCapabilities(raw)
	if err != nil {
		return nil, newError("capabilities", pathOf(usedRelay), err)
	}
	return &CapabilityResult{Capabilities: caps, UsedRelayPath: usedRelay, Latency: latency}, nil
}

func (s *Signaler) checkSession(sessionID string) error {
	switch {
	case s.mode == ModePairing && sessionID == "":
		return errors.New("pairing exchange requires a session id")
	case s.mode == ModeReconnection && sessionID != "":
		return errors.New("reconnection exchange must not carry a session id")
	}
	return nil
}

func pathOf(usedRelay bool) Path {
	if usedRelay {
		return PathRelay
	}
	return PathDirect
}

// legResult carries the relay leg's outcome back to the race.
type legResult struct {
	payload []byte
	err     error
}

// run executes the two-path race for ex. Key material is wiped on every
// return path, and only after the relay goroutine has exited.
func (s *Signaler) run(ctx context.Context, secret []byte, target Target, ex exchange) (payload []byte, usedRelay bool, latency time.Duration, err error) {
	start := s.clock.Now()
	logger := s.logger.WithFields(logrus.Fields{
		"function":  "run",
		"operation": ex.op,
		"device_id": target.DeviceID,
	})

	defer func() {
		latency = s.clock.Since(start)
		s.monitor.ObserveSignaling(ex.op, string(pathOf(usedRelay)), latency, err)
	}()

	useDirect := ex.direct != nil && target.HasDirectPath()
	useRelay := s.relay != nil
	if !useDirect && !useRelay {
		return nil, false, 0, newError(ex.op, "", ErrNoPath)
	}

	authKey, err := crypto.DeriveKey(secret, crypto.PurposeAuth)
	if err != nil {
		return nil, false, 0, newError(ex.op, "", err)
	}
	defer crypto.ZeroBytes(authKey)

	raceCtx, cancelRace := context.WithCancel(ctx)
	relayDone := make(chan legResult, 1)
	legExited := make(chan struct{})

	if useRelay {
		relayKey, err := crypto.DeriveKey(secret, crypto.PurposeSignaling)
		if err != nil {
			cancelRace()
			return nil, false, 0, newError(ex.op, "", err)
		}
		topic, err := crypto.DeriveTopic(secret)
		if err != nil {
			crypto.ZeroBytes(relayKey)
			cancelRace()
			return nil, false, 0, newError(ex.op, "", err)
		}

		go func() {
			defer close(legExited)
			defer crypto.ZeroBytes(relayKey)
			p, err := s.relayLeg(raceCtx, relayKey, topic, target, ex)
			relayDone <- legResult{payload: p, err: err}
		}()
	} else {
		close(legExited)
	}

	// Runs before the deferred ZeroBytes(authKey): cancel the loser and
	// wait for it so no goroutine outlives the keys it borrowed.
	defer func() {
		cancelRace()
		<-legExited
	}()

	if useDirect {
		directCtx, cancelDirect := s.clock.WithTimeout(raceCtx, s.cfg.DirectTimeout)
		req := DirectRequest{
			Host:       target.Host,
			Port:       target.Port,
			DeviceID:   target.DeviceID,
			DeviceName: target.DeviceName,
			SessionID:  ex.sessionID,
			AuthKey:    authKey,
		}
		p, derr := ex.direct(directCtx, req)
		timedOut := errors.Is(directCtx.Err(), context.DeadlineExceeded)
		cancelDirect()

		switch {
		case derr == nil:
			logger.WithField("elapsed", s.clock.Since(start)).Debug("Direct path won")
			return p, false, 0, nil
		case ctx.Err() != nil:
			return nil, false, 0, ctx.Err()
		case IsTerminal(derr):
			logger.WithError(derr).Warn("Direct path returned a terminal verdict, abandoning relay")
			return nil, false, 0, newError(ex.op, PathDirect, derr)
		}

		if timedOut {
			derr = fmt.Errorf("%w: %w", ErrTimeout, derr)
		}
		if !useRelay {
			return nil, false, 0, newError(ex.op, PathDirect, derr)
		}
		logger.WithError(derr).Debug("Direct path failed, awaiting relay")
	}

	select {
	case res := <-relayDone:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, true, 0, ctx.Err()
			}
			return nil, true, 0, newError(ex.op, PathRelay, res.err)
		}
		logger.WithField("elapsed", s.clock.Since(start)).Debug("Relay path won")
		return res.payload, true, 0, nil
	case <-ctx.Done():
		return nil, useRelay, 0, ctx.Err()
	}
}

// relayLeg runs relay attempts within the exchange's relay budget. The
// loop here retries subscribing and a dropped stream; publishing retries
// on its own budget inside relayAttempt and gives up with
// ErrRetriesExhausted, which ends this loop too.
func (s *Signaler) relayLeg(ctx context.Context, key []byte, topic string, target Target, ex exchange) ([]byte, error) {
	legCtx, cancel := s.clock.WithTimeout(ctx, ex.relayTimeout)
	defer cancel()

	var payload []byte
	err := s.cfg.Retry.Do(legCtx, func(ctx context.Context, attempt int) error {
		p, err := s.relayAttempt(ctx, key, topic, target, ex)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(legCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no relay answer within %s", ErrTimeout, ex.relayTimeout)
		}
		return nil, err
	}
	return payload, nil
}

// relayAttempt is one subscribe, publish, await cycle.
func (s *Signaler) relayAttempt(ctx context.Context, key []byte, topic string, target Target, ex exchange) ([]byte, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"function":  "relayAttempt",
		"operation": ex.op,
	})

	sub, err := s.relay.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.WithError(err).Debug("Relay unsubscribe failed")
		}
	}()

	req, err := NewRequest(ex.requestType, ex.sessionID, target.DeviceID, target.DeviceName, ex.payload, s.clock.Now())
	if err != nil {
		return nil, err
	}
	blob, err := Seal(key, req)
	if err != nil {
		return nil, err
	}

	validator, err := NewReplayValidator(ex.responseType, ex.sessionID, s.cfg.Replay)
	if err != nil {
		return nil, err
	}

	if err := PublishWithRetry(ctx, s.relay, topic, blob, s.cfg.Retry); err != nil {
		return nil, err
	}
	logger.WithFields(crypto.SecureFieldHash(req.Nonce[:], "nonce")).Debug("Relay request published")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case blob, ok := <-sub.Messages():
			if !ok {
				return nil, fmt.Errorf("%w: relay subscription closed: %w", ErrNetwork, net.ErrClosed)
			}
			msg, err := Open(key, blob)
			if err != nil {
				// Not sealed under our key: someone else's traffic.
				continue
			}
			if !msg.IsResponse() {
				continue
			}
			if res := validator.Validate(msg); !res.Valid {
				logger.WithField("reason", res.Reason).Debug("Ignoring relay message")
				continue
			}
			return msg.Payload, nil
		}
	}
}

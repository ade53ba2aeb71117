package pairing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/daemonlink/connection"
	"github.com/opd-ai/daemonlink/crypto"
	"github.com/opd-ai/daemonlink/strategy"
	"github.com/opd-ai/daemonlink/transport"
)

// ErrUnavailable is returned when the pairing strategy cannot run at all.
var ErrUnavailable = errors.New("pairing strategy unavailable")

// Result describes a completed pairing.
type Result struct {
	SessionID  string
	DeviceID   string
	Strategy   string
	RemoteAddr net.Addr
	Elapsed    time.Duration
}

// Option customizes a Pairer.
type Option func(*Pairer)

// WithInspector sets the local network inspector.
func WithInspector(i connection.Inspector) Option {
	return func(p *Pairer) { p.inspector = i }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pairer) { p.clock = c }
}

// WithLogger sets the logger entry.
func WithLogger(l *logrus.Entry) Option {
	return func(p *Pairer) { p.logger = l }
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(fn func() string) Option {
	return func(p *Pairer) { p.newSessionID = fn }
}

// Pairer runs the pairing flow. Offers go through a pairing signaler so
// every message carries the session id the daemon's QR code is waiting
// for.
type Pairer struct {
	signaling    strategy.OfferExchanger
	strategy     strategy.Strategy
	orchestrator *connection.Orchestrator
	inspector    connection.Inspector
	clock        clock.Clock
	logger       *logrus.Entry
	newSessionID func() string
}

// NewPairer creates a pairer. s is normally a *strategy.P2PStrategy and
// signaling a pairing *signaling.Signaler.
func NewPairer(signaling strategy.OfferExchanger, s strategy.Strategy, orch *connection.Orchestrator, opts ...Option) *Pairer {
	p := &Pairer{
		signaling:    signaling,
		strategy:     s,
		orchestrator: orch,
		inspector:    transport.NewNetworkInspector(),
		clock:        clock.New(),
		logger:       logrus.WithField("component", "pairer"),
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pair connects to the daemon described by payload and, on success,
// leaves the transport owned by the orchestrator. The payload secret is
// borrowed, not wiped.
func (p *Pairer) Pair(ctx context.Context, payload *QRPayload, onProgress strategy.ProgressFunc) (*Result, error) {
	if payload == nil || len(payload.Secret) != crypto.MasterSecretSize {
		return nil, fmt.Errorf("%w: missing secret", ErrInvalidPayload)
	}

	start := p.clock.Now()
	sessionID := p.newSessionID()
	logger := p.logger.WithFields(logrus.Fields{
		"function":   "Pair",
		"device_id":  payload.DeviceID,
		"session_id": sessionID,
		"strategy":   p.strategy.Name(),
	})

	authKey, err := crypto.DeriveKey(payload.Secret, crypto.PurposeAuth)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(authKey)

	var local transport.LocalNetwork
	if p.inspector != nil {
		if local, err = p.inspector.Inspect(); err != nil {
			logger.WithError(err).Warn("Local network inspection failed")
		}
	}

	cc := &strategy.ConnectionContext{
		DeviceID:   payload.DeviceID,
		DeviceName: payload.DeviceName,
		DaemonHost: payload.Host,
		DaemonPort: payload.Port,
		AuthToken:  authKey,
		Secret:     payload.Secret,
		SessionID:  sessionID,
		Signaling:  p.signaling,
		Local:      local,
	}

	if d := p.strategy.Detect(cc); !d.Available {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, d.Info)
	}

	logger.Info("Starting pairing")
	res := p.strategy.Connect(ctx, cc, onProgress)
	if res.Status != strategy.StatusSuccess {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(res.Err).Warn("Pairing connection failed")
		return nil, fmt.Errorf("pairing via %s: %w", p.strategy.Name(), res.Err)
	}

	owned := res.Transport
	if !owned.Handoff(transport.OwnerStrategy, transport.OwnerPairing) {
		owned.CloseByOwner(transport.OwnerStrategy)
		return nil, fmt.Errorf("%w: transport closed before pairing took it", connection.ErrOwnership)
	}
	// Becomes a no-op once the orchestrator has adopted the transport.
	defer owned.CloseByOwner(transport.OwnerPairing)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := connection.SendReady(owned.Transport(), payload.Secret, payload.DeviceID, p.clock.Now()); err != nil {
		logger.WithError(err).Warn("Ready handshake failed")
		return nil, err
	}
	if err := p.orchestrator.Adopt(owned, transport.OwnerPairing); err != nil {
		return nil, fmt.Errorf("handing transport to orchestrator: %w", err)
	}

	elapsed := p.clock.Since(start)
	logger.WithField("elapsed", elapsed).Info("Pairing complete")
	return &Result{
		SessionID:  sessionID,
		DeviceID:   payload.DeviceID,
		Strategy:   p.strategy.Name(),
		RemoteAddr: owned.Transport().RemoteAddr(),
		Elapsed:    elapsed,
	}, nil
}

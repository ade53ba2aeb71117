// Package signalingtest provides an in-process daemon for exercising
// signaling clients without a network.
package signalingtest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/daemonlink/crypto"
	"github.com/opd-ai/daemonlink/signaling"
)

// Daemon answers signaling requests on both paths. Its fields may be set
// before use; the setters may be used while exchanges are running.
type Daemon struct {
	authKey []byte
	sigKey  []byte
	topic   string

	mu           sync.Mutex
	answer       string
	caps         signaling.Capabilities
	directDelay  time.Duration
	directErr    error
	relayDelay   time.Duration
	relaySilent  bool
	lastOffer    string
	lastSession  string
	lastPeerCaps *signaling.Capabilities

	directCalls   atomic.Int32
	relayRequests atomic.Int32
}

// NewDaemon creates a daemon paired under secret that answers offers with
// answer.
func NewDaemon(secret []byte, answer string) (*Daemon, error) {
	authKey, err := crypto.DeriveKey(secret, crypto.PurposeAuth)
	if err != nil {
		return nil, err
	}
	sigKey, err := crypto.DeriveKey(secret, crypto.PurposeSignaling)
	if err != nil {
		return nil, err
	}
	topic, err := crypto.DeriveTopic(secret)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		authKey: authKey,
		sigKey:  sigKey,
		topic:   topic,
		answer:  answer,
		caps: signaling.Capabilities{
			SupportsP2P:     true,
			SupportsRelay:   true,
			ProtocolVersion: signaling.ProtocolVersion,
		},
	}, nil
}

// Topic returns the relay topic the daemon listens on.
func (d *Daemon) Topic() string { return d.topic }

// SetCapabilities sets the capabilities returned to clients.
func (d *Daemon) SetCapabilities(c signaling.Capabilities) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = c
}

// SetDirect makes the direct path wait delay and then fail with err, or
// answer when err is nil. The wait ends early if the caller's context is
// cancelled.
func (d *Daemon) SetDirect(delay time.Duration, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.directDelay = delay
	d.directErr = err
}

// SetRelayDelay delays relay replies by delay.
func (d *Daemon) SetRelayDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relayDelay = delay
}

// SetRelaySilent stops the daemon from answering on the relay.
func (d *Daemon) SetRelaySilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relaySilent = silent
}

// DirectCalls returns the number of direct exchanges received.
func (d *Daemon) DirectCalls() int { return int(d.directCalls.Load()) }

// RelayRequests returns the number of relay requests the daemon decrypted.
func (d *Daemon) RelayRequests() int { return int(d.relayRequests.Load()) }

// LastOffer returns the most recent offer SDP and its session id.
func (d *Daemon) LastOffer() (sdp, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOffer, d.lastSession
}

// LastPeerCapabilities returns the capabilities most recently sent by a
// client, or nil.
func (d *Daemon) LastPeerCapabilities() *signaling.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPeerCaps
}

func (d *Daemon) waitDirect(ctx context.Context) error {
	d.directCalls.Add(1)
	d.mu.Lock()
	delay, err := d.directDelay, d.directErr
	d.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// ExchangeCapabilities implements signaling.DirectClient.
func (d *Daemon) ExchangeCapabilities(ctx context.Context, req signaling.DirectRequest, local signaling.Capabilities) (*signaling.Capabilities, error) {
	if err := d.waitDirect(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	peer := local
	d.lastPeerCaps = &peer
	caps := d.caps
	return &caps, nil
}

// SendOffer implements signaling.DirectClient.
func (d *Daemon) SendOffer(ctx context.Context, req signaling.DirectRequest, sdp string) (string, error) {
	if err := d.waitDirect(ctx); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOffer, d.lastSession = sdp, req.SessionID
	return d.answer, nil
}

// respond builds the reply payload for req, or returns false when the
// request type is not one the daemon answers.
func (d *Daemon) respond(req *signaling.Message) (signaling.MessageType, []byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch req.Type {
	case signaling.TypeOffer:
		d.lastOffer, d.lastSession = string(req.Payload), req.SessionID
		return signaling.TypeAnswer, []byte(d.answer), true
	case signaling.TypeCapabilities:
		if peer, err := signaling.DecodeCapabilities(req.Payload); err == nil {
			d.lastPeerCaps = &peer
		}
		encoded, err := d.caps.Encode()
		if err != nil {
			return "", nil, false
		}
		return signaling.TypeCapabilities, encoded, true
	}
	return "", nil, false
}

// AttachRelay makes the daemon answer requests published on its topic.
func (d *Daemon) AttachRelay(relay *signaling.MemoryRelay) {
	relay.SetResponder(func(topic string, blob []byte) {
		if topic != d.topic {
			return
		}
		req, err := signaling.Open(d.sigKey, blob)
		if err != nil || req.IsResponse() {
			return
		}
		d.relayRequests.Add(1)

		d.mu.Lock()
		delay, silent := d.relayDelay, d.relaySilent
		d.mu.Unlock()
		if silent {
			return
		}

		respType, payload, ok := d.respond(req)
		if !ok {
			return
		}
		time.Sleep(delay)
		resp, err := signaling.NewResponse(respType, req, payload, time.Now())
		if err != nil {
			return
		}
		sealed, err := signaling.Seal(d.sigKey, resp)
		if err != nil {
			return
		}
		relay.Inject(topic, sealed)
	})
}

// ServeHTTP serves the direct signaling endpoint so the daemon can back an
// httptest.Server for HTTPDirectClient.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/signal" {
		http.NotFound(w, r)
		return
	}
	if err := d.waitDirect(r.Context()); err != nil {
		switch {
		case errors.Is(err, signaling.ErrDeviceNotFound):
			http.Error(w, "unknown device", http.StatusNotFound)
		case errors.Is(err, signaling.ErrAuthenticationFailed):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		default:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, crypto.MaxPayloadSize+crypto.Overhead))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req, err := signaling.Open(d.authKey, body)
	if err != nil || req.IsResponse() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	respType, payload, ok := d.respond(req)
	if !ok {
		http.Error(w, "unsupported", http.StatusBadRequest)
		return
	}
	resp, err := signaling.NewResponse(respType, req, payload, time.Now())
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	sealed, err := signaling.Seal(d.authKey, resp)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(sealed)
}

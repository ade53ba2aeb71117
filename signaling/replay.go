package signaling

import (
	"fmt"
	"time"

	"github.com/opd-ai/daemonlink/crypto"
)

// Replay validation defaults.
const (
	DefaultReplayWindow = 60 * time.Second
	DefaultClockSkew    = 30 * time.Second
)

// ValidatorOptions configures a ReplayValidator. Zero values select the
// defaults.
type ValidatorOptions struct {
	Window       time.Duration
	ClockSkew    time.Duration
	CacheSize    int
	TimeProvider crypto.TimeProvider
}

// ValidationResult reports whether a message was accepted and, if not, why.
type ValidationResult struct {
	Valid  bool
	Reason string
}

func reject(format string, args ...interface{}) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

// ReplayValidator accepts only fresh messages of one type belonging to one
// exchange. A validator is created per exchange and discarded with it.
type ReplayValidator struct {
	expectedType      MessageType
	expectedSessionID string
	window            time.Duration
	skew              time.Duration
	nonces            *crypto.NonceCache
	timeProvider      crypto.TimeProvider
}

// NewReplayValidator creates a validator for messages of expectedType in
// the exchange identified by expectedSessionID (empty for reconnection).
func NewReplayValidator(expectedType MessageType, expectedSessionID string, opts ValidatorOptions) (*ReplayValidator, error) {
	nonces, err := crypto.NewNonceCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	v := &ReplayValidator{
		expectedType:      expectedType,
		expectedSessionID: expectedSessionID,
		window:            opts.Window,
		skew:              opts.ClockSkew,
		nonces:            nonces,
		timeProvider:      opts.TimeProvider,
	}
	if v.window <= 0 {
		v.window = DefaultReplayWindow
	}
	if v.skew <= 0 {
		v.skew = DefaultClockSkew
	}
	if v.timeProvider == nil {
		v.timeProvider = crypto.DefaultTimeProvider{}
	}
	return v, nil
}

// Validate checks type, session, timestamp freshness and nonce uniqueness,
// in that order. The nonce is only remembered once every other check has
// passed, so a rejected message cannot poison the cache.
func (v *ReplayValidator) Validate(m *Message) ValidationResult {
	if m == nil {
		return reject("nil message")
	}
	if m.Type != v.expectedType {
		return reject("unexpected message type %s, want %s", m.Type, v.expectedType)
	}
	if m.SessionID != v.expectedSessionID {
		return reject("session id mismatch")
	}

	now := v.timeProvider.Now()
	age := now.Sub(m.Time())
	if age > v.window {
		return reject("message too old: %s", age.Round(time.Millisecond))
	}
	if -age > v.skew {
		return reject("message from the future: %s ahead", (-age).Round(time.Millisecond))
	}

	if !v.nonces.CheckAndStore(m.Nonce) {
		return reject("replayed nonce")
	}
	return ValidationResult{Valid: true}
}

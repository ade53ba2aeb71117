package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/daemonlink/crypto"
	"github.com/opd-ai/daemonlink/transport"
)

// ControlType identifies a control frame.
type ControlType string

// ControlReady tells the daemon the client side of a new transport is
// listening.
const ControlReady ControlType = "ready"

// ErrInvalidControl is returned for a control frame that opens but does
// not parse.
var ErrInvalidControl = errors.New("invalid control frame")

// ControlFrame is the plaintext of a sealed control message.
type ControlFrame struct {
	Type      ControlType         `cbor:"type"`
	DeviceID  string              `cbor:"deviceId"`
	Timestamp int64               `cbor:"timestamp"`
	Nonce     crypto.MessageNonce `cbor:"nonce"`
}

// Time returns the frame timestamp.
func (f *ControlFrame) Time() time.Time {
	return time.UnixMilli(f.Timestamp)
}

// SealReady builds a ready frame for deviceID sealed under key, which
// must be the PurposeEncrypt key.
func SealReady(key []byte, deviceID string, now time.Time) ([]byte, error) {
	nonce, err := crypto.NewMessageNonce()
	if err != nil {
		return nil, fmt.Errorf("generating control nonce: %w", err)
	}
	plain, err := cbor.Marshal(ControlFrame{
		Type:      ControlReady,
		DeviceID:  deviceID,
		Timestamp: now.UnixMilli(),
		Nonce:     nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding control frame: %w", err)
	}
	defer crypto.ZeroBytes(plain)
	return crypto.Encrypt(key, plain)
}

// OpenControl decrypts and parses a control frame.
func OpenControl(key, blob []byte) (*ControlFrame, error) {
	plain, err := crypto.Decrypt(key, blob)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(plain)

	var f ControlFrame
	if err := cbor.Unmarshal(plain, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidControl)
	}
	return &f, nil
}

// SendReady derives the encryption key from secret and sends a ready
// frame over t. It returns only after Send has returned.
func SendReady(t transport.Transport, secret []byte, deviceID string, now time.Time) error {
	key, err := crypto.DeriveKey(secret, crypto.PurposeEncrypt)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(key)

	frame, err := SealReady(key, deviceID, now)
	if err != nil {
		return err
	}
	if err := t.Send(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrReadyHandshake, err)
	}
	return nil
}

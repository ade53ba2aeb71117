package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/daemonlink/crypto"
)

// MessageType identifies the purpose of a signaling message.
type MessageType string

const (
	TypeOffer            MessageType = "OFFER"
	TypeAnswer           MessageType = "ANSWER"
	TypeCapabilities     MessageType = "CAPABILITIES"
	TypeDiscover         MessageType = "DISCOVER"
	TypeDiscoverResponse MessageType = "DISCOVER_RESPONSE"
)

// ProtocolVersion is the capability protocol version this client speaks.
const ProtocolVersion = 2

// Message is the envelope every signaling exchange rides in. It is
// CBOR-encoded and then sealed with a purpose-scoped key.
//
// An empty SessionID selects reconnection semantics; a non-empty one
// selects pairing. Requests always carry DeviceID and daemon responses
// never do, which is how a client ignores its own requests echoed back on
// a shared relay topic.
type Message struct {
	Type       MessageType         `cbor:"type"`
	SessionID  string              `cbor:"sessionId"`
	DeviceID   string              `cbor:"deviceId"`
	DeviceName string              `cbor:"deviceName,omitempty"`
	Timestamp  int64               `cbor:"timestamp"` // unix milliseconds
	Nonce      crypto.MessageNonce `cbor:"nonce"`
	Payload    []byte              `cbor:"payload,omitempty"`
}

// IsResponse reports whether the message came from the daemon.
func (m *Message) IsResponse() bool {
	return m.DeviceID == ""
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// NewRequest builds a request message stamped with now and a fresh nonce.
func NewRequest(msgType MessageType, sessionID, deviceID, deviceName string, payload []byte, now time.Time) (*Message, error) {
	if deviceID == "" {
		return nil, errors.New("request requires a device id")
	}
	nonce, err := crypto.NewMessageNonce()
	if err != nil {
		return nil, fmt.Errorf("generating message nonce: %w", err)
	}
	return &Message{
		Type:       msgType,
		SessionID:  sessionID,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Timestamp:  now.UnixMilli(),
		Nonce:      nonce,
		Payload:    payload,
	}, nil
}

// NewResponse builds a daemon-side response to req. It is used by the
// loopback responder in tests and the CLI's self-test mode.
func NewResponse(msgType MessageType, req *Message, payload []byte, now time.Time) (*Message, error) {
	nonce, err := crypto.NewMessageNonce()
	if err != nil {
		return nil, fmt.Errorf("generating message nonce: %w", err)
	}
	return &Message{
		Type:      msgType,
		SessionID: req.SessionID,
		Timestamp: now.UnixMilli(),
		Nonce:     nonce,
		Payload:   payload,
	}, nil
}

// Seal encodes and encrypts m under key.
func Seal(key []byte, m *Message) ([]byte, error) {
	encoded, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return crypto.Encrypt(key, encoded)
}

// Open decrypts and decodes a sealed message. A blob that does not decrypt
// under key returns crypto.ErrDecrypt; callers waiting on a shared topic
// treat that as "not for us".
func Open(key, blob []byte) (*Message, error) {
	plain, err := crypto.Decrypt(key, blob)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := cbor.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

// Capabilities describes which transport tiers a side can use. The two
// sides exchange them before negotiating a transport.
type Capabilities struct {
	OverlayIP       string `cbor:"overlayIp,omitempty"`
	OverlayPort     int    `cbor:"overlayPort,omitempty"`
	SupportsP2P     bool   `cbor:"supportsP2P"`
	SupportsRelay   bool   `cbor:"supportsRelay"`
	ProtocolVersion int    `cbor:"protocolVersion"`
}

// HasOverlay reports whether an overlay address is advertised.
func (c Capabilities) HasOverlay() bool {
	return c.OverlayIP != ""
}

// Encode serializes the capabilities for a message payload.
func (c Capabilities) Encode() ([]byte, error) {
	return cbor.Marshal(c)
}

// DecodeCapabilities parses a capabilities payload.
func DecodeCapabilities(data []byte) (Capabilities, error) {
	var c Capabilities
	if err := cbor.Unmarshal(data, &c); err != nil {
		return Capabilities{}, fmt.Errorf("decoding capabilities: %w", err)
	}
	return c, nil
}

package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/daemonlink/crypto"
)

// QRPayloadVersion is the payload format this client understands.
const QRPayloadVersion = 1

// ErrInvalidPayload covers every way a scanned QR payload can be
// unusable.
var ErrInvalidPayload = errors.New("invalid pairing payload")

// QRPayload is the content of the pairing QR code shown by the daemon.
type QRPayload struct {
	Version    int    `json:"v"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	// Secret is the master secret. Call Wipe once it has been stored.
	Secret []byte `json:"-"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	// Relay is the relay server URL the daemon listens on, if it differs
	// from the client default.
	Relay string `json:"relay,omitempty"`
}

type wirePayload struct {
	QRPayload
	Secret string `json:"secret"`
}

// DecodeQRPayload parses and validates a scanned payload. The secret may
// use standard or URL-safe base64, padded or not.
func DecodeQRPayload(raw string) (*QRPayload, error) {
	var w wirePayload
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch {
	case w.Version != 0 && w.Version != QRPayloadVersion:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, w.Version)
	case w.DeviceID == "":
		return nil, fmt.Errorf("%w: missing device id", ErrInvalidPayload)
	case w.Secret == "":
		return nil, fmt.Errorf("%w: missing secret", ErrInvalidPayload)
	case w.Port < 0 || w.Port > 65535:
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidPayload, w.Port)
	}

	secret, err := decodeSecret(w.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: secret: %v", ErrInvalidPayload, err)
	}
	if len(secret) != crypto.MasterSecretSize {
		crypto.ZeroBytes(secret)
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d",
			ErrInvalidPayload, crypto.MasterSecretSize, len(secret))
	}

	p := w.QRPayload
	p.Version = QRPayloadVersion
	p.Secret = secret
	return &p, nil
}

func decodeSecret(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}

// Wipe zeroes the secret.
func (p *QRPayload) Wipe() {
	crypto.ZeroBytes(p.Secret)
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MasterSecretSize is the length of the pairing root of trust.
const MasterSecretSize = 32

// KeySize is the length of every derived key.
const KeySize = 32

// topicDigestBytes is how much of the SHA-256 digest ends up in a relay
// topic name. 16 bytes keeps the name unguessable and well under the
// 64-character topic limit of public relays.
const topicDigestBytes = 16

// topicPrefix keeps relay topics from starting with a digit, which some
// relay servers reject.
const topicPrefix = "rc"

// Purpose labels a derived key. The label string is part of the wire
// contract with the daemon and must not change.
type Purpose string

const (
	// PurposeAuth seals direct-path exchanges and doubles as the socket
	// handshake token.
	PurposeAuth Purpose = "auth"
	// PurposeEncrypt seals control frames on an established transport.
	PurposeEncrypt Purpose = "encrypt"
	// PurposeSignaling seals messages published on the relay topic.
	PurposeSignaling Purpose = "ntfy-signaling"
)

// ErrInvalidSecret is returned when a master secret has the wrong length.
var ErrInvalidSecret = errors.New("invalid master secret")

// DeriveKey derives a purpose-scoped 32-byte key from the master secret.
// The caller owns the returned slice and should wipe it with ZeroBytes
// once the exchange it protects has finished.
func DeriveKey(secret []byte, purpose Purpose) ([]byte, error) {
	if len(secret) != MasterSecretSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecret, len(secret), MasterSecretSize)
	}
	if purpose == "" {
		err := errors.New("empty key purpose")
		logFor("DeriveKey", purposeFields(purpose, len(secret))).WithError(err).Warn("Refusing key derivation")
		return nil, err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(purpose))
	return mac.Sum(nil), nil
}

// DeriveTopic returns the relay mailbox name for a master secret.
func DeriveTopic(secret []byte) (string, error) {
	if len(secret) != MasterSecretSize {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecret, len(secret), MasterSecretSize)
	}
	sum := sha256.Sum256(secret)
	defer ZeroBytes(sum[:])
	topic := topicPrefix + hex.EncodeToString(sum[:topicDigestBytes])

	logFor("DeriveTopic", logrus.Fields{"topic": topic}).Debug("Derived relay topic")
	return topic, nil
}

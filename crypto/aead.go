package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxPayloadSize bounds a single sealed payload (1MB to prevent excessive
// memory usage on a hostile relay).
const MaxPayloadSize = 1024 * 1024

// MessageNonceSize is the size of the replay-protection nonce carried
// inside every signaling message. It is unrelated to the AEAD nonce.
const MessageNonceSize = 16

// Overhead is the number of bytes Encrypt adds to a plaintext.
const Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	// ErrDecrypt covers every reason a blob fails to open: wrong key,
	// truncation, corruption and tampering are deliberately
	// indistinguishable.
	ErrDecrypt = errors.New("decryption failed")

	// ErrPayloadTooLarge is returned by Encrypt for oversized input.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// MessageNonce is the per-message replay-protection value.
type MessageNonce [MessageNonceSize]byte

// NewMessageNonce creates a cryptographically secure random message nonce.
func NewMessageNonce() (MessageNonce, error) {
	var nonce MessageNonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return MessageNonce{}, err
	}
	return nonce, nil
}

// Encrypt seals plaintext under key and returns nonce‖ciphertext‖tag.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(plaintext))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, Overhead+len(plaintext))
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(out, out, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure returns ErrDecrypt
// and a nil plaintext.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(blob) < Overhead || len(blob) > MaxPayloadSize+Overhead {
		return nil, ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

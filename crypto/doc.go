// Package crypto implements the cryptographic framing shared by every
// signaling message exchanged with the daemon.
//
// All keys are derived from a single 32-byte master secret established at
// pairing time. The master secret is never used directly: each use site
// derives a purpose-scoped key, uses it for the duration of one exchange,
// and wipes it.
//
// # Key Derivation
//
// Keys are HMAC-SHA256(masterSecret, purpose). Three purposes are defined:
//
//   - [PurposeAuth]: direct-path sealing and the socket auth token
//   - [PurposeEncrypt]: control frames on an established transport
//   - [PurposeSignaling]: messages published on the public relay topic
//
// Example:
//
//	key, err := crypto.DeriveKey(secret, crypto.PurposeSignaling)
//	if err != nil {
//	    return err
//	}
//	defer crypto.ZeroBytes(key)
//
// # Authenticated Encryption
//
// [Encrypt] seals an arbitrary payload (including an empty one) with
// XChaCha20-Poly1305 and returns nonce‖ciphertext‖tag. [Decrypt] returns
// [ErrDecrypt] for a wrong key, truncated input or any tampering; callers
// in the signaling layer treat that as "message not addressed to us".
//
//	blob, _ := crypto.Encrypt(key, payload)
//	plain, err := crypto.Decrypt(key, blob)
//
// # Relay Topics
//
// [DeriveTopic] maps a master secret to the public mailbox name used on the
// relay. The name is a truncated SHA-256 digest, so it cannot be guessed
// without the secret.
//
// # Replay Protection
//
// [NonceCache] is a bounded LRU of nonces already accepted. It is the
// storage half of the replay validator in the signaling package.
//
// # Secure Memory Handling
//
// [SecureWipe] and [ZeroBytes] overwrite key material in place. Every
// derived key should be wiped with a deferred call so cancellation paths
// clear it too.
//
// # Deterministic Testing
//
// Time-dependent code accepts a [TimeProvider]; tests substitute a fixed
// clock.
package crypto

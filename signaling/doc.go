// Package signaling exchanges WebRTC offers, answers and capability sets
// with a paired daemon.
//
// Two paths are raced. The direct path posts a sealed message to the
// daemon's LAN or overlay address; the relay path publishes a sealed
// message to a public ntfy topic derived from the shared secret and waits
// for the daemon's reply on the same topic. Whichever path produces a
// valid response first wins.
//
// Every message is CBOR-encoded and sealed with XChaCha20-Poly1305 under a
// purpose-scoped key (see package crypto). Responses are checked for type,
// session, freshness and nonce reuse before they are accepted.
package signaling

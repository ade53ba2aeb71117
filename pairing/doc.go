// Package pairing performs first-time pairing with a daemon from the
// contents of its QR code, then hands the resulting transport to a
// connection.Orchestrator.
package pairing

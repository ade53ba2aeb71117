// Package recovery turns link-level connectivity events into a single
// "recovery failed" signal.
//
// A transient disconnect starts a grace period. Reconnecting within it
// returns the link to stable without any notification; letting it lapse,
// or receiving a hard failure, fires the failure callback exactly once.
package recovery

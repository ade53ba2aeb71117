// Package connection drives a complete connection attempt to a paired
// daemon.
//
// An Orchestrator discovers what the local machine can reach, exchanges
// capabilities with the daemon, then tries each available strategy in
// priority order until one produces a transport. Before Connect reports
// success it sends a sealed ready frame over the new transport and takes
// ownership of it, so no caller ever observes a connected state whose
// daemon side is not yet listening.
//
// Once connected, link-state events from the transport drive a recovery
// handler. IsHealthy drops while the link is down; when the grace period
// runs out the transport is closed and the orchestrator moves to
// StateFailed.
//
// Failures carry enough structure for a UI to pick a remedy:
//
//	conn, err := orch.Connect(ctx, req, nil)
//	switch connection.Remediation(err) {
//	case connection.RemedyRePair:
//		// secret rejected or device unknown
//	case connection.RemedyCheckNetwork:
//		// nothing reachable
//	case connection.RemedyRetry:
//		// transient
//	}
package connection

// Package strategy defines the ways a client can reach its daemon.
//
// Each Strategy detects, from local state only, whether it is worth
// trying, and then attempts a connection. Strategies never decide overall
// success: the connection orchestrator runs them in priority order and
// picks the first that yields a transport.
//
//	LAN      priority 10  same-subnet socket, default port 8765
//	Overlay  priority 20  VPN-overlay socket, default port 8766
//	P2P      priority 30  WebRTC data channel signaled via the relay race
package strategy

// Package transport provides the established links between a client and
// its daemon, and the ownership contract that governs closing them.
//
// # Architecture
//
// Every link satisfies the Transport interface:
//
//	type Transport interface {
//	    Send(data []byte) error
//	    Close() error
//	    RemoteAddr() net.Addr
//	    SetLinkStateHandler(fn func(LinkEvent))
//	    SetMessageHandler(fn func([]byte))
//	}
//
// # Transport Implementations
//
// Socket transport, used for LAN and VPN-overlay connections:
//
//	tr, err := transport.Dialer{Timeout: 5 * time.Second}.
//	    DialSocket(ctx, "192.168.1.20:8765", deviceID, authKey)
//	// [4B len(deviceId)][deviceId][32B token] handshake, then
//	// [4B big-endian length][payload] frames
//
// Data channel transport, used for relay-assisted peer-to-peer links:
//
//	pc, _ := transport.NewPeerConnection(transport.PeerConfig{ICEServers: servers})
//	dc, _ := pc.CreateDataChannel(transport.DataChannelLabel, nil)
//	tr := transport.NewDataChannelTransport(pc, dc)
//	// ICE connection state drives LinkConnected / LinkDisconnected / LinkFailed
//
// # Ownership
//
// A transport is created by one subsystem and often handed to another.
// OwnedTransport records the current owner and the closed flag in a single
// atomic word; only the owner may close it:
//
//	owned := transport.NewOwnedTransport(tr, transport.OwnerPairing)
//	defer owned.CloseByOwner(transport.OwnerPairing) // no-op after handoff
//	...
//	owned.Handoff(transport.OwnerPairing, transport.OwnerConnection)
//
// # Local Networks
//
// NetworkInspector classifies the device's interface addresses as LAN or
// VPN overlay without sending any packets. Strategies use it to decide
// which tiers are worth attempting.
package transport

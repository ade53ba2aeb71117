package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// DataChannelLabel is the label of the control data channel the client
// opens towards the daemon.
const DataChannelLabel = "daemonlink"

// PeerConfig configures PeerConnections created by NewPeerConnection.
type PeerConfig struct {
	// ICEServers lists STUN servers. TURN is never used.
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers loopback candidates, needed when both ends
	// run on one machine.
	IncludeLoopback bool
}

// NewPeerConnection creates a pion PeerConnection.
func NewPeerConnection(cfg PeerConfig) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
}

// LinkEventForICEState maps an ICE connection state to a link event.
// States without a link meaning (new, checking) report ok == false.
func LinkEventForICEState(state webrtc.ICEConnectionState) (LinkEvent, bool) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return LinkConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return LinkDisconnected, true
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		return LinkFailed, true
	default:
		return 0, false
	}
}

// DataChannelTransport is a Transport over a WebRTC data channel. ICE
// connection state drives its link events, so a brief network change
// surfaces as LinkDisconnected rather than a failure.
type DataChannelTransport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu        sync.RWMutex
	onMessage func([]byte)
	onLink    func(LinkEvent)
	// down is the last Disconnected or Failed event, replayed to a
	// handler registered after it happened. Cleared by LinkConnected
	// unless the link has failed.
	down   LinkEvent
	isDown bool

	opened   chan struct{}
	openOnce sync.Once
	failed   chan struct{}
	failOnce sync.Once
	closed   atomic.Bool
	logger   *logrus.Entry
}

// NewDataChannelTransport wraps a peer connection and its data channel.
// It must be called before the channel opens so no event is missed.
func NewDataChannelTransport(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *DataChannelTransport {
	t := &DataChannelTransport{
		pc:     pc,
		dc:     dc,
		opened: make(chan struct{}),
		failed: make(chan struct{}),
		logger: logrus.WithFields(logrus.Fields{
			"component": "datachannel_transport",
			"label":     dc.Label(),
		}),
	}

	dc.OnOpen(func() {
		t.openOnce.Do(func() { close(t.opened) })
		t.logger.Debug("Data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.RLock()
		handler := t.onMessage
		t.mu.RUnlock()
		if handler != nil {
			handler(msg.Data)
		}
	})
	dc.OnClose(func() {
		if t.closed.Load() {
			return
		}
		t.logger.Warn("Data channel closed by peer")
		t.markFailed()
		t.emit(LinkFailed)
	})
	pc.OnICEConnectionStateChange(t.handleICEState)

	return t
}

func (t *DataChannelTransport) handleICEState(state webrtc.ICEConnectionState) {
	t.logger.WithField("ice_state", state.String()).Debug("ICE state changed")
	ev, ok := LinkEventForICEState(state)
	if !ok {
		return
	}
	if ev == LinkFailed {
		t.markFailed()
		if t.closed.Load() {
			return
		}
	}
	t.emit(ev)
}

func (t *DataChannelTransport) markFailed() {
	t.failOnce.Do(func() { close(t.failed) })
}

func (t *DataChannelTransport) emit(ev LinkEvent) {
	t.mu.Lock()
	if !t.isDown || t.down != LinkFailed {
		t.down, t.isDown = ev, ev != LinkConnected
	}
	handler := t.onLink
	t.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// WaitOpen blocks until the data channel opens, the link fails, or ctx is
// done.
func (t *DataChannelTransport) WaitOpen(ctx context.Context) error {
	select {
	case <-t.opened:
		return nil
	case <-t.failed:
		return newError("open", "", net.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements Transport.
func (t *DataChannelTransport) Send(data []byte) error {
	if t.closed.Load() {
		return newError("send", "", ErrClosed)
	}
	if err := t.dc.Send(data); err != nil {
		return newError("send", "", err)
	}
	return nil
}

// Close closes the data channel and the peer connection.
func (t *DataChannelTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return multierr.Append(t.dc.Close(), t.pc.Close())
}

// RemoteAddr returns the remote ICE candidate address when a candidate
// pair has been selected.
func (t *DataChannelTransport) RemoteAddr() net.Addr {
	if sctp := t.pc.SCTP(); sctp != nil {
		if pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair(); err == nil && pair != nil && pair.Remote != nil {
			return &net.UDPAddr{IP: net.ParseIP(pair.Remote.Address), Port: int(pair.Remote.Port)}
		}
	}
	return dataChannelAddr(t.dc.Label())
}

// SetLinkStateHandler implements Transport. A Disconnected or Failed
// state still in effect is delivered to fn before SetLinkStateHandler
// returns.
func (t *DataChannelTransport) SetLinkStateHandler(fn func(LinkEvent)) {
	t.mu.Lock()
	t.onLink = fn
	down, isDown := t.down, t.isDown
	t.mu.Unlock()
	if isDown && fn != nil {
		fn(down)
	}
}

// SetMessageHandler implements Transport.
func (t *DataChannelTransport) SetMessageHandler(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }

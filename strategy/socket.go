package strategy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/daemonlink/transport"
)

// DefaultSocketTimeout bounds connect plus handshake for socket strategies.
const DefaultSocketTimeout = 5 * time.Second

// DialFunc opens an authenticated socket transport to addr.
type DialFunc func(ctx context.Context, addr, deviceID string, token []byte) (transport.Transport, error)

// SocketDialer adapts a transport.Dialer to a DialFunc.
func SocketDialer(d transport.Dialer) DialFunc {
	return func(ctx context.Context, addr, deviceID string, token []byte) (transport.Transport, error) {
		tr, err := d.DialSocket(ctx, addr, deviceID, token)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
}

func defaultDial() DialFunc {
	return SocketDialer(transport.Dialer{Timeout: DefaultSocketTimeout})
}

// socketConnect dials addr and wraps the outcome in a Result.
func socketConnect(ctx context.Context, name string, dial DialFunc, cc *ConnectionContext, addr string, onProgress ProgressFunc) Result {
	logger := logrus.WithFields(logrus.Fields{
		"function": "socketConnect",
		"strategy": name,
		"addr":     addr,
	})

	onProgress.report(StepDialing, "connecting to %s", addr)
	tr, err := dial(ctx, addr, cc.DeviceID, cc.AuthToken)
	if err != nil {
		if ctx.Err() != nil {
			return Failed(ctx.Err(), false)
		}
		if errors.Is(err, transport.ErrAuthenticationRejected) {
			logger.WithError(err).Warn("Daemon rejected authentication")
			return Failed(err, false)
		}
		logger.WithError(err).Debug("Socket connect failed")
		return Failed(err, true)
	}

	onProgress.report(StepConnected, "authenticated with %s", addr)
	logger.Info("Socket transport established")
	return Success(tr)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// LANStrategy connects over the local network to the daemon's last known
// address.
type LANStrategy struct {
	Dial DialFunc
}

// NewLANStrategy creates a LAN strategy using dial, or a
// transport.Dialer with DefaultSocketTimeout when dial is nil.
func NewLANStrategy(dial DialFunc) *LANStrategy {
	if dial == nil {
		dial = defaultDial()
	}
	return &LANStrategy{Dial: dial}
}

// Name implements Strategy.
func (s *LANStrategy) Name() string { return "lan" }

// Priority implements Strategy.
func (s *LANStrategy) Priority() int { return PriorityLAN }

func (s *LANStrategy) addr(cc *ConnectionContext) string {
	port := cc.DaemonPort
	if port <= 0 {
		port = DefaultLANPort
	}
	return joinHostPort(cc.DaemonHost, port)
}

// Detect implements Strategy.
func (s *LANStrategy) Detect(cc *ConnectionContext) Detection {
	switch {
	case cc.DaemonHost == "":
		return Unavailablef("daemon LAN address unknown")
	case !cc.Local.HasLAN():
		return Unavailablef("no active LAN interface")
	}
	return Availablef("%s", s.addr(cc))
}

// Connect implements Strategy.
func (s *LANStrategy) Connect(ctx context.Context, cc *ConnectionContext, onProgress ProgressFunc) Result {
	onProgress.report(StepResolving, "using LAN address")
	return socketConnect(ctx, s.Name(), s.Dial, cc, s.addr(cc), onProgress)
}

// OverlayStrategy connects over a VPN overlay such as Tailscale. The
// daemon's overlay address normally comes from capability exchange.
type OverlayStrategy struct {
	Dial DialFunc
}

// NewOverlayStrategy creates an overlay strategy using dial, or a
// transport.Dialer with DefaultSocketTimeout when dial is nil.
func NewOverlayStrategy(dial DialFunc) *OverlayStrategy {
	if dial == nil {
		dial = defaultDial()
	}
	return &OverlayStrategy{Dial: dial}
}

// Name implements Strategy.
func (s *OverlayStrategy) Name() string { return "overlay" }

// Priority implements Strategy.
func (s *OverlayStrategy) Priority() int { return PriorityOverlay }

// resolve picks the overlay address, preferring the peer's advertised
// capabilities over static configuration.
func (s *OverlayStrategy) resolve(cc *ConnectionContext) (string, bool) {
	host, port := cc.OverlayHost, cc.OverlayPort
	if cc.Peer != nil && cc.Peer.HasOverlay() {
		host, port = cc.Peer.OverlayIP, cc.Peer.OverlayPort
	}
	if host == "" {
		return "", false
	}
	if port <= 0 {
		port = DefaultOverlayPort
	}
	return joinHostPort(host, port), true
}

// Detect implements Strategy.
func (s *OverlayStrategy) Detect(cc *ConnectionContext) Detection {
	if !cc.Local.HasOverlay() {
		return Unavailablef("no active overlay interface")
	}
	addr, ok := s.resolve(cc)
	if !ok {
		return Unavailablef("daemon overlay address unknown")
	}
	return Availablef("%s", addr)
}

// Connect implements Strategy.
func (s *OverlayStrategy) Connect(ctx context.Context, cc *ConnectionContext, onProgress ProgressFunc) Result {
	addr, ok := s.resolve(cc)
	if !ok {
		return Unavailable(errors.New("daemon overlay address unknown"))
	}
	onProgress.report(StepResolving, "using overlay address")
	return socketConnect(ctx, s.Name(), s.Dial, cc, addr, onProgress)
}

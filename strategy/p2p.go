package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/transport"
)

// Default P2P budgets.
const (
	DefaultGatherTimeout = 5 * time.Second
	DefaultOpenTimeout   = 15 * time.Second
)

// P2PStrategy establishes a WebRTC data channel whose offer and answer
// travel through the signaling race. It works wherever ICE can punch
// through NAT with STUN alone; symmetric NAT on both ends is an expected
// failure.
type P2PStrategy struct {
	Peer          transport.PeerConfig
	GatherTimeout time.Duration
	OpenTimeout   time.Duration
}

// NewP2PStrategy creates a P2P strategy using the given ICE servers.
func NewP2PStrategy(peer transport.PeerConfig) *P2PStrategy {
	return &P2PStrategy{
		Peer:          peer,
		GatherTimeout: DefaultGatherTimeout,
		OpenTimeout:   DefaultOpenTimeout,
	}
}

// Name implements Strategy.
func (s *P2PStrategy) Name() string { return "p2p" }

// Priority implements Strategy.
func (s *P2PStrategy) Priority() int { return PriorityP2P }

// Detect implements Strategy.
func (s *P2PStrategy) Detect(cc *ConnectionContext) Detection {
	switch {
	case cc.Signaling == nil:
		return Unavailablef("no signaling channel")
	case len(cc.Secret) == 0:
		return Unavailablef("no pairing secret")
	case cc.Peer != nil && !cc.Peer.SupportsP2P:
		return Unavailablef("daemon does not support peer-to-peer")
	}
	return Availablef("webrtc via signaling")
}

// Connect implements Strategy.
func (s *P2PStrategy) Connect(ctx context.Context, cc *ConnectionContext, onProgress ProgressFunc) (res Result) {
	logger := logrus.WithFields(logrus.Fields{
		"function":  "P2PStrategy.Connect",
		"device_id": cc.DeviceID,
	})

	pc, err := transport.NewPeerConnection(s.Peer)
	if err != nil {
		return Failed(fmt.Errorf("creating peer connection: %w", err), false)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(transport.DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return Failed(fmt.Errorf("creating data channel: %w", err), false)
	}
	tr := transport.NewDataChannelTransport(pc, dc)
	defer func() {
		if res.Status != StatusSuccess {
			_ = tr.Close()
		}
	}()

	onProgress.report(StepNegotiating, "gathering candidates")
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return Failed(fmt.Errorf("creating offer: %w", err), false)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return Failed(fmt.Errorf("setting local description: %w", err), false)
	}
	gatherTimer := time.NewTimer(s.gatherTimeout())
	defer gatherTimer.Stop()
	select {
	case <-gathered:
	case <-gatherTimer.C:
		// Trickle is not supported by the daemon; send what we have.
		logger.Warn("ICE gathering incomplete, sending partial offer")
	case <-ctx.Done():
		return Failed(ctx.Err(), false)
	}

	onProgress.report(StepSignaling, "exchanging offer")
	answer, err := cc.Signaling.ExchangeOffer(ctx, cc.Secret, cc.Target(), cc.SessionID, pc.LocalDescription().SDP)
	if err != nil {
		if ctx.Err() != nil {
			return Failed(ctx.Err(), false)
		}
		return Failed(err, !signaling.IsTerminal(err))
	}
	via := "direct"
	if answer.UsedRelayPath {
		via = "relay"
	}
	onProgress.report(StepSignaling, "answer received via %s in %s", via, answer.Latency.Round(time.Millisecond))

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return Failed(fmt.Errorf("applying answer: %w", err), false)
	}

	onProgress.report(StepNegotiating, "waiting for data channel")
	openCtx, cancel := context.WithTimeout(ctx, s.openTimeout())
	defer cancel()
	if err := tr.WaitOpen(openCtx); err != nil {
		if ctx.Err() != nil {
			return Failed(ctx.Err(), false)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("data channel did not open within %s: %w", s.openTimeout(), signaling.ErrTimeout)
		}
		return Failed(err, true)
	}

	onProgress.report(StepConnected, "data channel open")
	logger.WithField("via", via).Info("Peer-to-peer transport established")
	return Success(tr)
}

func (s *P2PStrategy) gatherTimeout() time.Duration {
	if s.GatherTimeout <= 0 {
		return DefaultGatherTimeout
	}
	return s.GatherTimeout
}

func (s *P2PStrategy) openTimeout() time.Duration {
	if s.OpenTimeout <= 0 {
		return DefaultOpenTimeout
	}
	return s.OpenTimeout
}

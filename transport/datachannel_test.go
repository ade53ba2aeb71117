package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkEventForICEState(t *testing.T) {
	tests := []struct {
		state webrtc.ICEConnectionState
		event LinkEvent
		ok    bool
	}{
		{webrtc.ICEConnectionStateNew, 0, false},
		{webrtc.ICEConnectionStateChecking, 0, false},
		{webrtc.ICEConnectionStateConnected, LinkConnected, true},
		{webrtc.ICEConnectionStateCompleted, LinkConnected, true},
		{webrtc.ICEConnectionStateDisconnected, LinkDisconnected, true},
		{webrtc.ICEConnectionStateFailed, LinkFailed, true},
		{webrtc.ICEConnectionStateClosed, LinkFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			ev, ok := LinkEventForICEState(tt.state)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.event, ev)
			}
		})
	}
}

// connectLoopback negotiates two in-process peers and returns the
// offerer's transport. The answerer echoes every message.
func connectLoopback(t *testing.T) *DataChannelTransport {
	t.Helper()
	cfg := PeerConfig{IncludeLoopback: true}

	offerer, err := NewPeerConnection(cfg)
	require.NoError(t, err)
	answerer, err := NewPeerConnection(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = answerer.Close() })

	answerer.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			_ = dc.Send(msg.Data)
		})
	})

	dc, err := offerer.CreateDataChannel(DataChannelLabel, nil)
	require.NoError(t, err)
	tr := NewDataChannelTransport(offerer, dc)
	t.Cleanup(func() { _ = tr.Close() })

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-gathered

	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))
	return tr
}

func TestDataChannelTransport_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real WebRTC session")
	}

	tr := connectLoopback(t)
	events := make(chan LinkEvent, 8)
	tr.SetLinkStateHandler(func(ev LinkEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.WaitOpen(ctx))

	echoed := make(chan []byte, 1)
	tr.SetMessageHandler(func(b []byte) { echoed <- b })
	require.NoError(t, tr.Send([]byte("ready")))

	select {
	case got := <-echoed:
		assert.Equal(t, []byte("ready"), got)
	case <-ctx.Done():
		t.Fatal("no echo over data channel")
	}
	assert.NotNil(t, tr.RemoteAddr())

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte("x")), ErrClosed)
	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, LinkFailed, ev, "local close must not report failure")
		default:
			return
		}
	}
}

func TestDataChannelTransport_ReplaysDownStateToNewHandler(t *testing.T) {
	tests := []struct {
		name   string
		events []LinkEvent
		want   []LinkEvent
	}{
		{"nothing happened", nil, nil},
		{"connected", []LinkEvent{LinkConnected}, nil},
		{"disconnected", []LinkEvent{LinkConnected, LinkDisconnected}, []LinkEvent{LinkDisconnected}},
		{"recovered", []LinkEvent{LinkDisconnected, LinkConnected}, nil},
		{"failed", []LinkEvent{LinkDisconnected, LinkFailed}, []LinkEvent{LinkFailed}},
		{"failure is final", []LinkEvent{LinkFailed, LinkConnected}, []LinkEvent{LinkFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &DataChannelTransport{}
			for _, ev := range tt.events {
				tr.emit(ev)
			}

			var got []LinkEvent
			tr.SetLinkStateHandler(func(ev LinkEvent) { got = append(got, ev) })
			assert.Equal(t, tt.want, got)
		})
	}
}

package signaling_test

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/daemonlink/crypto"
	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/signaling/signalingtest"
)

var testSecret = bytes.Repeat([]byte{0x5a}, crypto.MasterSecretSize)

func newDirectFixture(t *testing.T) (*signalingtest.Daemon, signaling.DirectRequest) {
	t.Helper()
	daemon, err := signalingtest.NewDaemon(testSecret, "v=0 answer")
	require.NoError(t, err)

	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	authKey, err := crypto.DeriveKey(testSecret, crypto.PurposeAuth)
	require.NoError(t, err)

	return daemon, signaling.DirectRequest{
		Host:      host,
		Port:      port,
		DeviceID:  "phone-1",
		SessionID: "sess-1",
		AuthKey:   authKey,
	}
}

func TestHTTPDirectClientSendOffer(t *testing.T) {
	daemon, req := newDirectFixture(t)
	client := signaling.NewHTTPDirectClient(nil, signaling.ValidatorOptions{})

	answer, err := client.SendOffer(context.Background(), req, "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)

	sdp, session := daemon.LastOffer()
	assert.Equal(t, "v=0 offer", sdp)
	assert.Equal(t, "sess-1", session)
}

func TestHTTPDirectClientExchangeCapabilities(t *testing.T) {
	daemon, req := newDirectFixture(t)
	req.SessionID = ""
	daemon.SetCapabilities(signaling.Capabilities{
		OverlayIP:       "100.64.0.9",
		OverlayPort:     8766,
		SupportsP2P:     true,
		ProtocolVersion: signaling.ProtocolVersion,
	})
	client := signaling.NewHTTPDirectClient(nil, signaling.ValidatorOptions{})

	local := signaling.Capabilities{SupportsP2P: true, SupportsRelay: true, ProtocolVersion: signaling.ProtocolVersion}
	caps, err := client.ExchangeCapabilities(context.Background(), req, local)
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.9", caps.OverlayIP)
	assert.Equal(t, &local, daemon.LastPeerCapabilities())
}

func TestHTTPDirectClientStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		errIn   error
		wantErr error
	}{
		{"unknown device", signaling.ErrDeviceNotFound, signaling.ErrDeviceNotFound},
		{"bad auth", signaling.ErrAuthenticationFailed, signaling.ErrAuthenticationFailed},
		{"unavailable", signaling.ErrNetwork, signaling.ErrNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			daemon, req := newDirectFixture(t)
			daemon.SetDirect(0, tc.errIn)
			client := signaling.NewHTTPDirectClient(nil, signaling.ValidatorOptions{})

			_, err := client.SendOffer(context.Background(), req, "v=0")
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestHTTPDirectClientWrongKeyIsUnauthorized(t *testing.T) {
	_, req := newDirectFixture(t)
	req.AuthKey = bytes.Repeat([]byte{0x01}, crypto.KeySize)
	client := signaling.NewHTTPDirectClient(nil, signaling.ValidatorOptions{})

	_, err := client.SendOffer(context.Background(), req, "v=0")
	assert.ErrorIs(t, err, signaling.ErrAuthenticationFailed)
}

func TestHTTPDirectClientHonoursContext(t *testing.T) {
	daemon, req := newDirectFixture(t)
	daemon.SetDirect(time.Hour, nil)
	client := signaling.NewHTTPDirectClient(nil, signaling.ValidatorOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.SendOffer(ctx, req, "v=0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPDirectClientRejectsStaleResponse(t *testing.T) {
	_, req := newDirectFixture(t)
	// A validator whose clock runs two minutes ahead sees every reply as stale.
	ahead := crypto.NewFixedTimeProvider(time.Now().Add(2 * time.Minute))
	client := signaling.NewHTTPDirectClient(nil, signaling.ValidatorOptions{TimeProvider: ahead})

	_, err := client.SendOffer(context.Background(), req, "v=0")
	assert.ErrorIs(t, err, signaling.ErrNetwork)
}

package signaling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/daemonlink/metrics"
	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/signaling/signalingtest"
)

var lanTarget = signaling.Target{
	DeviceID:   "phone-1",
	DeviceName: "Pixel",
	Host:       "192.168.1.20",
	Port:       8765,
}

// fastConfig scales the production budgets down so races resolve quickly.
func fastConfig() signaling.Config {
	return signaling.Config{
		DirectTimeout:          150 * time.Millisecond,
		OfferRelayTimeout:      2 * time.Second,
		CapabilityRelayTimeout: time.Second,
		Retry: signaling.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
		},
	}
}

type fixture struct {
	daemon *signalingtest.Daemon
	relay  *signaling.MemoryRelay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	daemon, err := signalingtest.NewDaemon(testSecret, "v=0 answer")
	require.NoError(t, err)
	relay := signaling.NewMemoryRelay()
	daemon.AttachRelay(relay)
	return &fixture{daemon: daemon, relay: relay}
}

func TestExchangeOfferDirectWinsAndCancelsRelay(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetDirect(50*time.Millisecond, nil)
	f.relay.SetSubscribeDelay(500 * time.Millisecond)

	s := signaling.NewPairingSignaler(f.daemon, f.relay, fastConfig())
	res, err := s.ExchangeOffer(context.Background(), testSecret, lanTarget, "sess-1", "v=0 offer")
	require.NoError(t, err)

	assert.Equal(t, "v=0 answer", res.SDP)
	assert.False(t, res.UsedRelayPath)
	assert.GreaterOrEqual(t, res.Latency, 50*time.Millisecond)
	assert.Zero(t, f.relay.PublishAttempts(), "relay must be cancelled before it publishes")
	assert.Zero(t, f.relay.Subscribers(f.daemon.Topic()))
}

func TestExchangeOfferFallsBackToRelayWhenDirectHangs(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetDirect(time.Hour, nil)
	f.daemon.SetRelayDelay(300 * time.Millisecond)

	s := signaling.NewPairingSignaler(f.daemon, f.relay, fastConfig())
	res, err := s.ExchangeOffer(context.Background(), testSecret, lanTarget, "sess-1", "v=0 offer")
	require.NoError(t, err)

	assert.Equal(t, "v=0 answer", res.SDP)
	assert.True(t, res.UsedRelayPath)
	assert.GreaterOrEqual(t, res.Latency, 300*time.Millisecond)
	assert.Equal(t, 1, f.daemon.RelayRequests())

	sdp, session := f.daemon.LastOffer()
	assert.Equal(t, "v=0 offer", sdp)
	assert.Equal(t, "sess-1", session)
}

func TestExchangeOfferDeviceNotFoundIsFinal(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetDirect(0, signaling.ErrDeviceNotFound)
	f.daemon.SetRelaySilent(true)

	s := signaling.NewPairingSignaler(f.daemon, f.relay, fastConfig())
	start := time.Now()
	_, err := s.ExchangeOffer(context.Background(), testSecret, lanTarget, "sess-1", "v=0 offer")

	require.Error(t, err)
	assert.ErrorIs(t, err, signaling.ErrDeviceNotFound)
	assert.Equal(t, 1, f.daemon.DirectCalls(), "terminal errors are not retried")
	assert.Less(t, time.Since(start), time.Second, "must not wait for the relay budget")

	var sigErr *signaling.Error
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, signaling.PathDirect, sigErr.Path)
	assert.Zero(t, f.relay.Subscribers(f.daemon.Topic()))
}

func TestExchangeOfferRetriesPublish(t *testing.T) {
	f := newFixture(t)
	f.relay.FailPublishes(signaling.ErrTimeout, signaling.ErrTimeout)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	cfg := fastConfig()
	cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, delay)
	}

	reg := prometheus.NewRegistry()
	monitor, err := metrics.NewMonitor(reg)
	require.NoError(t, err)

	s := signaling.NewPairingSignaler(nil, f.relay, cfg, signaling.WithMonitor(monitor))
	res, err := s.ExchangeOffer(context.Background(), testSecret, signaling.Target{DeviceID: "phone-1"}, "sess-1", "v=0 offer")
	require.NoError(t, err)
	assert.True(t, res.UsedRelayPath)
	assert.Equal(t, 3, f.relay.PublishAttempts())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 2)
	assert.Less(t, delays[0], delays[1])
}

func TestExchangeOfferPublishAttemptsAreCapped(t *testing.T) {
	f := newFixture(t)
	failures := make([]error, 20)
	for i := range failures {
		failures[i] = signaling.ErrTimeout
	}
	f.relay.FailPublishes(failures...)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	cfg := fastConfig()
	cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, delay)
	}

	s := signaling.NewPairingSignaler(nil, f.relay, cfg)
	_, err := s.ExchangeOffer(context.Background(), testSecret, signaling.Target{DeviceID: "phone-1"}, "sess-1", "v=0 offer")

	require.Error(t, err)
	assert.ErrorIs(t, err, signaling.ErrRetriesExhausted)
	assert.ErrorIs(t, err, signaling.ErrTimeout)
	assert.False(t, signaling.IsRetriable(err))
	assert.Equal(t, cfg.Retry.MaxAttempts, f.relay.PublishAttempts())
	assert.Zero(t, f.relay.Subscribers(f.daemon.Topic()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, cfg.Retry.MaxAttempts-1)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestExchangeOfferRelayTimeout(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetRelaySilent(true)

	cfg := fastConfig()
	cfg.OfferRelayTimeout = 100 * time.Millisecond
	s := signaling.NewPairingSignaler(nil, f.relay, cfg)

	_, err := s.ExchangeOffer(context.Background(), testSecret, signaling.Target{DeviceID: "phone-1"}, "sess-1", "v=0 offer")
	assert.ErrorIs(t, err, signaling.ErrTimeout)
	assert.Zero(t, f.relay.Subscribers(f.daemon.Topic()))
}

func TestExchangeOfferDirectFailureWithoutRelay(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetDirect(time.Hour, nil)

	s := signaling.NewPairingSignaler(f.daemon, nil, fastConfig())
	_, err := s.ExchangeOffer(context.Background(), testSecret, lanTarget, "sess-1", "v=0 offer")
	assert.ErrorIs(t, err, signaling.ErrTimeout)
}

func TestExchangeOfferNoPath(t *testing.T) {
	f := newFixture(t)
	s := signaling.NewPairingSignaler(f.daemon, nil, fastConfig())

	_, err := s.ExchangeOffer(context.Background(), testSecret, signaling.Target{DeviceID: "phone-1"}, "sess-1", "v=0")
	assert.ErrorIs(t, err, signaling.ErrNoPath)
}

func TestExchangeOfferSessionRules(t *testing.T) {
	f := newFixture(t)

	pairing := signaling.NewPairingSignaler(f.daemon, f.relay, fastConfig())
	_, err := pairing.ExchangeOffer(context.Background(), testSecret, lanTarget, "", "v=0")
	assert.Error(t, err)

	reconnect := signaling.NewReconnectionSignaler(f.daemon, f.relay, fastConfig())
	_, err = reconnect.ExchangeOffer(context.Background(), testSecret, lanTarget, "sess-1", "v=0")
	assert.Error(t, err)
	assert.Zero(t, f.daemon.DirectCalls())
}

func TestExchangeOfferCancelled(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetDirect(time.Hour, nil)
	f.daemon.SetRelaySilent(true)

	cfg := fastConfig()
	cfg.DirectTimeout = time.Hour
	s := signaling.NewReconnectionSignaler(f.daemon, f.relay, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.ExchangeOffer(ctx, testSecret, lanTarget, "", "v=0")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.relay.Subscribers(f.daemon.Topic()), "cancelled exchange left the topic subscribed")
}

func TestExchangeCapabilities(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetCapabilities(signaling.Capabilities{
		OverlayIP:       "100.64.0.3",
		OverlayPort:     8766,
		SupportsP2P:     true,
		SupportsRelay:   true,
		ProtocolVersion: signaling.ProtocolVersion,
	})
	local := signaling.Capabilities{SupportsP2P: true, SupportsRelay: true, ProtocolVersion: signaling.ProtocolVersion}
	s := signaling.NewReconnectionSignaler(f.daemon, f.relay, fastConfig())

	t.Run("direct", func(t *testing.T) {
		res, err := s.ExchangeCapabilities(context.Background(), testSecret, lanTarget, local)
		require.NoError(t, err)
		assert.False(t, res.UsedRelayPath)
		assert.Equal(t, "100.64.0.3", res.Capabilities.OverlayIP)
	})

	t.Run("relay", func(t *testing.T) {
		res, err := s.ExchangeCapabilities(context.Background(), testSecret, signaling.Target{DeviceID: "phone-1"}, local)
		require.NoError(t, err)
		assert.True(t, res.UsedRelayPath)
		assert.Equal(t, 8766, res.Capabilities.OverlayPort)
		assert.Equal(t, &local, f.daemon.LastPeerCapabilities())
	})
}

func TestExchangeCapabilitiesRequiresReconnectionMode(t *testing.T) {
	f := newFixture(t)
	s := signaling.NewPairingSignaler(f.daemon, f.relay, fastConfig())

	_, err := s.ExchangeCapabilities(context.Background(), testSecret, lanTarget, signaling.Capabilities{})
	assert.ErrorIs(t, err, signaling.ErrWrongMode)
}

func TestExchangeIgnoresForeignTraffic(t *testing.T) {
	f := newFixture(t)
	f.daemon.SetDirect(time.Hour, nil)
	f.daemon.SetRelayDelay(100 * time.Millisecond)

	// Garbage on the topic must be skipped, not treated as an answer.
	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(10 * time.Millisecond)
			f.relay.Inject(f.daemon.Topic(), []byte("not a sealed message"))
		}
	}()

	s := signaling.NewPairingSignaler(f.daemon, f.relay, fastConfig())
	res, err := s.ExchangeOffer(context.Background(), testSecret, lanTarget, "sess-1", "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", res.SDP)
}

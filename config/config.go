// Package config loads daemonlink client configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the DAEMONLINK_CONFIG environment variable. Every field is optional;
// Default supplies the production values and the file overrides them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/daemonlink/recovery"
	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/strategy"
	"github.com/opd-ai/daemonlink/transport"
)

// EnvVar names the environment variable consulted when no path is given.
const EnvVar = "DAEMONLINK_CONFIG"

// DefaultSTUNServer is used when no ICE servers are configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Config is the complete client configuration.
type Config struct {
	// Daemon is the last known address of the paired daemon.
	Daemon DaemonConfig `yaml:"daemon"`

	Signaling  SignalingConfig  `yaml:"signaling"`
	Relay      RelayConfig      `yaml:"relay"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DaemonConfig identifies the paired daemon.
type DaemonConfig struct {
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	OverlayHost string `yaml:"overlay_host"`
	OverlayPort int    `yaml:"overlay_port"`
}

// SignalingConfig holds the signaling budgets.
type SignalingConfig struct {
	// PairingDirectTimeout bounds the direct path while pairing.
	PairingDirectTimeout time.Duration `yaml:"pairing_direct_timeout"`
	// ReconnectDirectTimeout bounds the direct path when reconnecting.
	ReconnectDirectTimeout time.Duration `yaml:"reconnect_direct_timeout"`
	OfferRelayTimeout      time.Duration `yaml:"offer_relay_timeout"`
	CapabilityRelayTimeout time.Duration `yaml:"capability_relay_timeout"`

	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	ReplayWindow time.Duration `yaml:"replay_window"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
	NonceCache   int           `yaml:"nonce_cache"`
}

// RelayConfig selects the pub/sub relay.
type RelayConfig struct {
	// Server is the ntfy-compatible server URL. Empty disables the relay.
	Server string `yaml:"server"`
}

// RecoveryConfig tunes link recovery.
type RecoveryConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StrategiesConfig enables and tunes the connection strategies.
type StrategiesConfig struct {
	LAN     SocketStrategyConfig `yaml:"lan"`
	Overlay SocketStrategyConfig `yaml:"overlay"`
	P2P     P2PConfig            `yaml:"p2p"`
}

// SocketStrategyConfig configures a socket strategy.
type SocketStrategyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// P2PConfig configures the WebRTC strategy.
type P2PConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ICEServers    []string      `yaml:"ice_servers"`
	GatherTimeout time.Duration `yaml:"gather_timeout"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address to serve /metrics on. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the production configuration.
func Default() *Config {
	pairing := signaling.DefaultPairingConfig()
	reconnect := signaling.DefaultReconnectionConfig()
	return &Config{
		Daemon: DaemonConfig{
			Port:        strategy.DefaultLANPort,
			OverlayPort: strategy.DefaultOverlayPort,
		},
		Signaling: SignalingConfig{
			PairingDirectTimeout:   pairing.DirectTimeout,
			ReconnectDirectTimeout: reconnect.DirectTimeout,
			OfferRelayTimeout:      pairing.OfferRelayTimeout,
			CapabilityRelayTimeout: pairing.CapabilityRelayTimeout,
			RetryAttempts:          signaling.DefaultMaxAttempts,
			RetryBaseDelay:         signaling.DefaultBaseDelay,
			ReplayWindow:           signaling.DefaultReplayWindow,
			ClockSkew:              signaling.DefaultClockSkew,
		},
		Relay:    RelayConfig{Server: signaling.DefaultNtfyServer},
		Recovery: RecoveryConfig{GracePeriod: recovery.DefaultGracePeriod},
		Strategies: StrategiesConfig{
			LAN:     SocketStrategyConfig{Enabled: true, Timeout: strategy.DefaultSocketTimeout},
			Overlay: SocketStrategyConfig{Enabled: true, Timeout: strategy.DefaultSocketTimeout},
			P2P: P2PConfig{
				Enabled:       true,
				ICEServers:    []string{DefaultSTUNServer},
				GatherTimeout: strategy.DefaultGatherTimeout,
				OpenTimeout:   strategy.DefaultOpenTimeout,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file at path over Default. An empty path falls back to
// $DAEMONLINK_CONFIG, and if that is unset too the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates the result. Unknown keys are
// rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validPort(c.Daemon.Port), "daemon.port %d out of range", c.Daemon.Port)
	check(validPort(c.Daemon.OverlayPort), "daemon.overlay_port %d out of range", c.Daemon.OverlayPort)

	s := c.Signaling
	check(s.PairingDirectTimeout > 0, "signaling.pairing_direct_timeout must be positive")
	check(s.ReconnectDirectTimeout > 0, "signaling.reconnect_direct_timeout must be positive")
	check(s.OfferRelayTimeout > 0, "signaling.offer_relay_timeout must be positive")
	check(s.CapabilityRelayTimeout > 0, "signaling.capability_relay_timeout must be positive")
	check(s.RetryAttempts >= 1, "signaling.retry_attempts must be at least 1")
	check(s.RetryBaseDelay >= 0, "signaling.retry_base_delay must not be negative")
	check(s.ReplayWindow >= 0 && s.ClockSkew >= 0 && s.NonceCache >= 0, "signaling replay settings must not be negative")

	if c.Relay.Server != "" {
		u, err := url.Parse(c.Relay.Server)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"relay.server %q must be an http or https URL", c.Relay.Server)
	}

	check(c.Recovery.GracePeriod > 0, "recovery.grace_period must be positive")

	st := c.Strategies
	check(st.LAN.Enabled || st.Overlay.Enabled || st.P2P.Enabled, "at least one strategy must be enabled")
	check(st.LAN.Timeout >= 0 && st.Overlay.Timeout >= 0, "strategy timeouts must not be negative")
	check(st.P2P.GatherTimeout >= 0 && st.P2P.OpenTimeout >= 0, "strategies.p2p timeouts must not be negative")
	for _, u := range st.P2P.ICEServers {
		check(isSTUN(u), "strategies.p2p.ice_servers: %q is not a stun: URL", u)
	}

	return multierr.Append(errs, c.Logging.validate())
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

func isSTUN(u string) bool {
	return strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:")
}

// Pairing returns the signaling configuration for pairing.
func (s SignalingConfig) Pairing() signaling.Config {
	cfg := s.common()
	cfg.DirectTimeout = s.PairingDirectTimeout
	return cfg
}

// Reconnection returns the signaling configuration for reconnecting.
func (s SignalingConfig) Reconnection() signaling.Config {
	cfg := s.common()
	cfg.DirectTimeout = s.ReconnectDirectTimeout
	return cfg
}

func (s SignalingConfig) common() signaling.Config {
	return signaling.Config{
		OfferRelayTimeout:      s.OfferRelayTimeout,
		CapabilityRelayTimeout: s.CapabilityRelayTimeout,
		Retry: signaling.RetryPolicy{
			MaxAttempts: s.RetryAttempts,
			BaseDelay:   s.RetryBaseDelay,
		},
		Replay: signaling.ValidatorOptions{
			Window:    s.ReplayWindow,
			ClockSkew: s.ClockSkew,
			CacheSize: s.NonceCache,
		},
	}
}

// PeerConfig returns the WebRTC settings for the P2P strategy.
func (p P2PConfig) PeerConfig() transport.PeerConfig {
	var servers []webrtc.ICEServer
	if len(p.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: append([]string(nil), p.ICEServers...)}}
	}
	return transport.PeerConfig{ICEServers: servers}
}

// Build returns the enabled strategies.
func (s StrategiesConfig) Build() []strategy.Strategy {
	var out []strategy.Strategy
	if s.LAN.Enabled {
		out = append(out, strategy.NewLANStrategy(socketDial(s.LAN.Timeout)))
	}
	if s.Overlay.Enabled {
		out = append(out, strategy.NewOverlayStrategy(socketDial(s.Overlay.Timeout)))
	}
	if s.P2P.Enabled {
		p2p := strategy.NewP2PStrategy(s.P2P.PeerConfig())
		if s.P2P.GatherTimeout > 0 {
			p2p.GatherTimeout = s.P2P.GatherTimeout
		}
		if s.P2P.OpenTimeout > 0 {
			p2p.OpenTimeout = s.P2P.OpenTimeout
		}
		out = append(out, p2p)
	}
	return out
}

func socketDial(timeout time.Duration) strategy.DialFunc {
	if timeout <= 0 {
		return nil
	}
	return strategy.SocketDialer(transport.Dialer{Timeout: timeout})
}

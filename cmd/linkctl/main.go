// Package main provides linkctl, a command-line client that pairs with or
// reconnects to a daemon and keeps the link up until interrupted.
//
// Lines read from stdin are sent over the link; messages from the daemon
// are written to stdout.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/opd-ai/daemonlink/config"
	"github.com/opd-ai/daemonlink/connection"
	"github.com/opd-ai/daemonlink/crypto"
	"github.com/opd-ai/daemonlink/metrics"
	"github.com/opd-ai/daemonlink/pairing"
	"github.com/opd-ai/daemonlink/signaling"
	"github.com/opd-ai/daemonlink/strategy"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	configPath  string
	pairQR      string
	secretHex   string
	deviceID    string
	deviceName  string
	host        string
	port        int
	overlayHost string
	relayURL    string
	logLevel    string
	metricsAddr string
	timeout     time.Duration
	help        bool
}

// parseCLIFlags parses args (without the program name).
func parseCLIFlags(args []string) (*CLIConfig, *pflag.FlagSet, error) {
	cli := &CLIConfig{}
	fs := pflag.NewFlagSet("linkctl", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVarP(&cli.configPath, "config", "c", "", "path to YAML config (default: $"+config.EnvVar+")")
	fs.StringVar(&cli.pairQR, "pair", "", "pair using the JSON payload from the daemon's QR code")
	fs.StringVar(&cli.secretHex, "secret", "", "hex-encoded master secret of an existing pairing")
	fs.StringVar(&cli.deviceID, "device-id", "", "device id assigned at pairing")
	fs.StringVar(&cli.deviceName, "device-name", "", "device name shown by the daemon")
	fs.StringVar(&cli.host, "host", "", "daemon LAN address")
	fs.IntVar(&cli.port, "port", 0, "daemon LAN port")
	fs.StringVar(&cli.overlayHost, "overlay-host", "", "daemon overlay (VPN) address")
	fs.StringVar(&cli.relayURL, "relay", "", "relay server URL")
	fs.StringVar(&cli.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&cli.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.DurationVar(&cli.timeout, "timeout", 60*time.Second, "overall connect timeout")
	fs.BoolVarP(&cli.help, "help", "h", false, "show this help")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return cli, fs, nil
}

// validateCLIConfig checks flag combinations.
func validateCLIConfig(cli *CLIConfig) error {
	if cli.pairQR != "" && cli.secretHex != "" {
		return errors.New("--pair and --secret are mutually exclusive")
	}
	if cli.pairQR == "" && cli.secretHex == "" {
		return errors.New("one of --pair or --secret is required")
	}
	if cli.timeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	return nil
}

// applyOverrides copies explicitly set flags over the loaded config.
func applyOverrides(cli *CLIConfig, cfg *config.Config) {
	if cli.deviceID != "" {
		cfg.Daemon.DeviceID = cli.deviceID
	}
	if cli.deviceName != "" {
		cfg.Daemon.DeviceName = cli.deviceName
	}
	if cli.host != "" {
		cfg.Daemon.Host = cli.host
	}
	if cli.port != 0 {
		cfg.Daemon.Port = cli.port
	}
	if cli.overlayHost != "" {
		cfg.Daemon.OverlayHost = cli.overlayHost
	}
	if cli.relayURL != "" {
		cfg.Relay.Server = cli.relayURL
	}
	if cli.logLevel != "" {
		cfg.Logging.Level = cli.logLevel
	}
	if cli.metricsAddr != "" {
		cfg.Metrics.Listen = cli.metricsAddr
	}
}

func decodeSecret(s string) ([]byte, error) {
	secret, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("--secret: %w", err)
	}
	if len(secret) != crypto.MasterSecretSize {
		crypto.ZeroBytes(secret)
		return nil, fmt.Errorf("--secret must be %d bytes, got %d", crypto.MasterSecretSize, len(secret))
	}
	return secret, nil
}

// client bundles the wired components.
type client struct {
	cfg          *config.Config
	monitor      *metrics.Monitor
	registry     *prometheus.Registry
	orchestrator *connection.Orchestrator
	pairing      *signaling.Signaler
	p2p          strategy.Strategy
}

func newClient(cfg *config.Config) (*client, error) {
	reg := prometheus.NewRegistry()
	monitor, err := metrics.NewMonitor(reg)
	if err != nil {
		return nil, err
	}

	var relay signaling.RelayClient
	if cfg.Relay.Server != "" {
		ntfy, err := signaling.NewNtfyClient(cfg.Relay.Server)
		if err != nil {
			return nil, err
		}
		relay = ntfy
	}

	reconnectCfg := cfg.Signaling.Reconnection()
	direct := signaling.NewHTTPDirectClient(nil, reconnectCfg.Replay)
	reconnect := signaling.NewReconnectionSignaler(direct, relay, reconnectCfg, signaling.WithMonitor(monitor))
	pairingSig := signaling.NewPairingSignaler(direct, relay, cfg.Signaling.Pairing(), signaling.WithMonitor(monitor))

	strategies := cfg.Strategies.Build()
	var p2p strategy.Strategy
	for _, s := range strategies {
		if _, ok := s.(*strategy.P2PStrategy); ok {
			p2p = s
		}
	}

	orch := connection.New(
		connection.WithStrategies(strategies...),
		connection.WithCapabilityExchanger(reconnect),
		connection.WithOfferExchanger(reconnect),
		connection.WithRecoveryGracePeriod(cfg.Recovery.GracePeriod),
		connection.WithMonitor(monitor),
	)

	return &client{
		cfg:          cfg,
		monitor:      monitor,
		registry:     reg,
		orchestrator: orch,
		pairing:      pairingSig,
		p2p:          p2p,
	}, nil
}

func (c *client) serveMetrics(ctx context.Context) {
	if c.cfg.Metrics.Listen == "" {
		return
	}
	srv := &http.Server{
		Addr:              c.cfg.Metrics.Listen,
		Handler:           promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server failed")
		}
	}()
}

func printProgress(p connection.Progress) {
	line := fmt.Sprintf("[%s]", p.Kind)
	if p.Strategy != "" {
		line += " " + p.Strategy
	}
	if p.Detail != "" {
		line += ": " + p.Detail
	}
	if p.Err != nil {
		line += fmt.Sprintf(" (%v)", p.Err)
	}
	fmt.Println(line)
}

func (c *client) connect(ctx context.Context, secret []byte) error {
	d := c.cfg.Daemon
	if d.DeviceID == "" {
		return errors.New("device id is required to reconnect (--device-id or daemon.device_id)")
	}
	est, err := c.orchestrator.Connect(ctx, connection.Request{
		DeviceID:    d.DeviceID,
		DeviceName:  d.DeviceName,
		Secret:      secret,
		DaemonHost:  d.Host,
		DaemonPort:  d.Port,
		OverlayHost: d.OverlayHost,
		OverlayPort: d.OverlayPort,
	}, printProgress)
	if err != nil {
		return err
	}
	fmt.Printf("Connected via %s to %s in %s\n", est.Strategy, est.RemoteAddr, est.Elapsed.Round(time.Millisecond))
	return nil
}

func (c *client) pair(ctx context.Context, payload *pairing.QRPayload) error {
	if c.p2p == nil {
		return errors.New("pairing requires the p2p strategy to be enabled")
	}
	pairer := pairing.NewPairer(c.pairing, c.p2p, c.orchestrator)
	res, err := pairer.Pair(ctx, payload, func(step strategy.ConnectionStep) {
		printProgress(connection.Progress{Kind: connection.ProgressConnecting, Strategy: "p2p", Detail: step.Detail})
	})
	if err != nil {
		return err
	}
	fmt.Printf("Paired with %s (session %s) via %s\n", res.DeviceID, res.SessionID, res.RemoteAddr)
	fmt.Printf("Reconnect later with: --device-id %s --secret %s\n", res.DeviceID, hex.EncodeToString(payload.Secret))
	return nil
}

// relayStdin sends each stdin line until ctx ends or stdin closes.
func (c *client) relayStdin(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := c.orchestrator.Send(scanner.Bytes()); err != nil {
			logrus.WithError(err).Warn("Send failed")
		}
	}
}

func run(ctx context.Context, cli *CLIConfig) error {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return err
	}
	applyOverrides(cli, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Logging.Apply(logrus.StandardLogger(), os.Stderr); err != nil {
		return err
	}

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	c.serveMetrics(ctx)

	c.orchestrator.OnStateChange(func(s connection.State) {
		logrus.WithField("state", s.String()).Debug("Connection state")
	})
	c.orchestrator.SetMessageHandler(func(data []byte) {
		fmt.Printf("< %s\n", data)
	})

	connectCtx, cancel := context.WithTimeout(ctx, cli.timeout)
	defer cancel()

	if cli.pairQR != "" {
		payload, err := pairing.DecodeQRPayload(cli.pairQR)
		if err != nil {
			return err
		}
		defer payload.Wipe()
		err = c.pair(connectCtx, payload)
		if err != nil {
			return err
		}
	} else {
		secret, err := decodeSecret(cli.secretHex)
		if err != nil {
			return err
		}
		err = c.connect(connectCtx, secret)
		crypto.ZeroBytes(secret)
		if err != nil {
			return err
		}
	}
	defer c.orchestrator.Disconnect()

	go c.relayStdin(ctx, os.Stdin)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.orchestrator.State() == connection.StateFailed {
				return errors.New("connection lost")
			}
		}
	}
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Println("linkctl - connect to a remote-control daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s --pair '<qr json>' [options]\n", os.Args[0])
	fmt.Printf("  %s --secret <hex> --device-id <id> [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Print(fs.FlagUsages())
}

func main() {
	cli, fs, err := parseCLIFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) || (err == nil && cli.help) {
		printUsage(fs)
		os.Exit(0)
	}
	if err == nil {
		err = validateCLIConfig(cli)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use --help for usage information.\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli); err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		if remedy := connection.Remediation(err); remedy != connection.RemedyNone {
			fmt.Fprintf(os.Stderr, "Suggested action: %s\n", remedy)
		}
		stop()
		os.Exit(1)
	}
}

package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultNtfyServer is the public relay used when none is configured.
const DefaultNtfyServer = "https://ntfy.sh"

const (
	ntfyEventOpen    = "open"
	ntfyEventMessage = "message"

	// ntfySubscriptionBuffer bounds how many undelivered relay messages a
	// subscription holds before it starts dropping.
	ntfySubscriptionBuffer = 32
)

// ntfyEvent is one JSON frame of the ntfy WebSocket stream.
type ntfyEvent struct {
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	Event   string `json:"event"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// NtfyClient is a RelayClient for ntfy-compatible servers. Subscriptions
// use the WebSocket stream endpoint and publishes use plain HTTP POST.
// Blobs travel base64-encoded because ntfy messages are text.
type NtfyClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *logrus.Entry
}

// NtfyOption customizes an NtfyClient.
type NtfyOption func(*NtfyClient)

// WithHTTPClient sets the HTTP client used for publishing.
func WithHTTPClient(c *http.Client) NtfyOption {
	return func(n *NtfyClient) { n.httpClient = c }
}

// WithDialer sets the WebSocket dialer used for subscribing.
func WithDialer(d *websocket.Dialer) NtfyOption {
	return func(n *NtfyClient) { n.dialer = d }
}

// NewNtfyClient creates a client for the ntfy server at serverURL
// (for example https://ntfy.sh).
func NewNtfyClient(serverURL string, opts ...NtfyOption) (*NtfyClient, error) {
	if serverURL == "" {
		serverURL = DefaultNtfyServer
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}

	c := &NtfyClient{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logrus.WithFields(logrus.Fields{
			"component": "ntfy",
			"server":    u.Host,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *NtfyClient) topicURL(topic string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(topic)
	return u.String()
}

func (c *NtfyClient) streamURL(topic string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(topic) + "/ws"
	return u.String()
}

// Publish sends blob to topic.
func (c *NtfyClient) Publish(ctx context.Context, topic string, blob []byte) error {
	body := base64.StdEncoding.EncodeToString(blob)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.topicURL(topic), strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("building publish request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: publish: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w: publish status %d", ErrNetwork, ErrRelayBusy, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("relay rejected publish: status %d", resp.StatusCode)
	}

	c.logger.WithFields(logrus.Fields{
		"function": "Publish",
		"size":     len(blob),
	}).Debug("Published to relay")
	return nil
}

// Subscribe opens a WebSocket subscription and waits for the server's
// open event before returning.
func (c *NtfyClient) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(topic), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: subscribe: %w", ErrNetwork, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = awaitNtfyOpen(conn)
	if !stop() || ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: awaiting subscription: %w", ErrNetwork, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := &ntfySubscription{
		conn:     conn,
		messages: make(chan []byte, ntfySubscriptionBuffer),
		done:     make(chan struct{}),
		logger:   c.logger.WithField("topic", topic),
	}
	go sub.readLoop()

	c.logger.WithField("function", "Subscribe").Debug("Relay subscription open")
	return sub, nil
}

func awaitNtfyOpen(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev ntfyEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("malformed relay event: %w", err)
		}
		if ev.Event == ntfyEventOpen {
			return nil
		}
	}
}

type ntfySubscription struct {
	conn      *websocket.Conn
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *logrus.Entry
}

func (s *ntfySubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *ntfySubscription) Unsubscribe() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *ntfySubscription) readLoop() {
	defer close(s.messages)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.WithError(err).Debug("Relay subscription ended")
			}
			return
		}

		var ev ntfyEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event != ntfyEventMessage {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ev.Message))
		if err != nil {
			continue
		}

		select {
		case s.messages <- blob:
		case <-s.done:
			return
		default:
			s.logger.Warn("Relay subscription buffer full, dropping message")
		}
	}
}

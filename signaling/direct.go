package signaling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/daemonlink/crypto"
)

// DirectRequest addresses one point-to-point exchange with the daemon.
type DirectRequest struct {
	Host       string
	Port       int
	DeviceID   string
	DeviceName string
	SessionID  string
	AuthKey    []byte
}

// Addr returns host:port.
func (r DirectRequest) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// DirectClient performs request/response exchanges with a daemon at a
// known address. Implementations return errors wrapping
// ErrDeviceNotFound, ErrAuthenticationFailed, or ErrNetwork.
type DirectClient interface {
	ExchangeCapabilities(ctx context.Context, req DirectRequest, local Capabilities) (*Capabilities, error)
	SendOffer(ctx context.Context, req DirectRequest, sdp string) (string, error)
}

// directPath is the HTTP endpoint the daemon serves sealed signaling on.
const directPath = "/signal"

// maxDirectResponse bounds a direct response body.
const maxDirectResponse = crypto.MaxPayloadSize + crypto.Overhead

// HTTPDirectClient talks to the daemon's signaling endpoint over HTTP.
// Request and response bodies are sealed Messages under the auth key.
type HTTPDirectClient struct {
	client    *http.Client
	validator ValidatorOptions
	time      crypto.TimeProvider
}

// NewHTTPDirectClient creates a direct client. A nil client selects one
// without a global timeout; callers bound each call with a context.
func NewHTTPDirectClient(client *http.Client, validator ValidatorOptions) *HTTPDirectClient {
	if client == nil {
		client = &http.Client{}
	}
	tp := validator.TimeProvider
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &HTTPDirectClient{client: client, validator: validator, time: tp}
}

// ExchangeCapabilities implements DirectClient.
func (c *HTTPDirectClient) ExchangeCapabilities(ctx context.Context, req DirectRequest, local Capabilities) (*Capabilities, error) {
	payload, err := local.Encode()
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, req, TypeCapabilities, TypeCapabilities, payload)
	if err != nil {
		return nil, err
	}
	caps, err := DecodeCapabilities(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return &caps, nil
}

// SendOffer implements DirectClient.
func (c *HTTPDirectClient) SendOffer(ctx context.Context, req DirectRequest, sdp string) (string, error) {
	resp, err := c.roundTrip(ctx, req, TypeOffer, TypeAnswer, []byte(sdp))
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func (c *HTTPDirectClient) roundTrip(ctx context.Context, req DirectRequest, reqType, respType MessageType, payload []byte) ([]byte, error) {
	msg, err := NewRequest(reqType, req.SessionID, req.DeviceID, req.DeviceName, payload, c.time.Now())
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(req.AuthKey, msg)
	if err != nil {
		return nil, err
	}

	url := "http://" + req.Addr() + directPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(sealed))
	if err != nil {
		return nil, fmt.Errorf("building direct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	logrus.WithFields(logrus.Fields{
		"function": "HTTPDirectClient.roundTrip",
		"addr":     req.Addr(),
		"type":     reqType,
		"status":   resp.StatusCode,
		"rtt":      time.Since(start),
	}).Debug("Direct exchange response")

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrDeviceNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrAuthenticationFailed
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectResponse+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}

	reply, err := Open(req.AuthKey, body)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			return nil, fmt.Errorf("%w: undecryptable direct response", ErrNetwork)
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if !reply.IsResponse() {
		return nil, fmt.Errorf("%w: direct response carries a device id", ErrNetwork)
	}

	validator, err := NewReplayValidator(respType, req.SessionID, c.validator)
	if err != nil {
		return nil, err
	}
	if res := validator.Validate(reply); !res.Valid {
		return nil, fmt.Errorf("%w: invalid direct response: %s", ErrNetwork, res.Reason)
	}
	return reply.Payload, nil
}

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// AuthTokenSize is the length of the auth token sent in the handshake.
const AuthTokenSize = 32

// maxDeviceIDLength bounds the device id carried in the handshake.
const maxDeviceIDLength = 1024

// Auth result flags.
const (
	authSuccess byte = 0x01
)

// WriteAuthHandshake writes
// [4B big-endian len(deviceID)][deviceID UTF-8][32B token].
func WriteAuthHandshake(w io.Writer, deviceID string, token []byte) error {
	if deviceID == "" || len(deviceID) > maxDeviceIDLength {
		return fmt.Errorf("%w: device id length %d", ErrInvalidHandshake, len(deviceID))
	}
	if len(token) != AuthTokenSize {
		return fmt.Errorf("%w: token length %d", ErrInvalidHandshake, len(token))
	}

	buf := make([]byte, 4+len(deviceID)+AuthTokenSize)
	binary.BigEndian.PutUint32(buf, uint32(len(deviceID)))
	copy(buf[4:], deviceID)
	copy(buf[4+len(deviceID):], token)

	_, err := w.Write(buf)
	for i := range buf {
		buf[i] = 0
	}
	return err
}

// ReadAuthResult reads the daemon's single-byte verdict. 0x01 is success;
// any other value is ErrAuthenticationRejected.
func ReadAuthResult(r io.Reader) error {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return err
	}
	if flag[0] != authSuccess {
		return fmt.Errorf("%w: flag 0x%02x", ErrAuthenticationRejected, flag[0])
	}
	return nil
}

// Dialer opens authenticated socket transports.
type Dialer struct {
	// Timeout bounds connect plus handshake. Zero means only the context
	// bounds it.
	Timeout time.Duration
	// Dial overrides the network dial, mainly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialSocket connects to addr, performs the auth handshake and returns a
// running SocketTransport.
func (d Dialer) DialSocket(ctx context.Context, addr, deviceID string, token []byte) (*SocketTransport, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	dial := d.Dial
	if dial == nil {
		var nd net.Dialer
		dial = nd.DialContext
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError("dial", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	err = WriteAuthHandshake(conn, deviceID, token)
	if err == nil {
		err = ReadAuthResult(conn)
	}
	if !stop() || ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, newError("handshake", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logrus.WithFields(logrus.Fields{
		"function": "DialSocket",
		"addr":     addr,
	}).Debug("Socket authenticated")

	return NewSocketTransport(conn), nil
}

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxFrameSize bounds a single framed message.
const MaxFrameSize = 4 << 20

// frameHeaderSize is the big-endian length prefix in front of each frame.
const frameHeaderSize = 4

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// WriteFrame writes payload as [4B big-endian length][payload].
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. Short reads are retried
// until the whole frame has arrived.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SocketTransport carries framed messages over a stream connection. It is
// used by the LAN and overlay strategies once the auth handshake has
// succeeded.
type SocketTransport struct {
	conn         net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu        sync.RWMutex
	onMessage func([]byte)
	onLink    func(LinkEvent)

	// failed is guarded by mu so a failure racing SetLinkStateHandler is
	// seen by exactly one side.
	failed bool
	closed atomic.Bool
	done   chan struct{}
	logger *logrus.Entry
}

// NewSocketTransport wraps an authenticated connection and starts reading
// frames from it.
func NewSocketTransport(conn net.Conn) *SocketTransport {
	t := &SocketTransport{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
		logger: logrus.WithFields(logrus.Fields{
			"component": "socket_transport",
			"remote":    conn.RemoteAddr().String(),
		}),
	}
	go t.readLoop()
	return t
}

// Send writes data as one frame.
func (t *SocketTransport) Send(data []byte) error {
	if t.closed.Load() {
		return newError("send", t.conn.RemoteAddr().String(), ErrClosed)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return newError("send", t.conn.RemoteAddr().String(), err)
	}
	if err := WriteFrame(t.conn, data); err != nil {
		return newError("send", t.conn.RemoteAddr().String(), err)
	}
	return nil
}

// Close closes the connection. It is idempotent and may be called from a
// handler.
func (t *SocketTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// RemoteAddr returns the daemon's address.
func (t *SocketTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// SetLinkStateHandler implements Transport. If the socket already failed,
// fn receives LinkFailed before SetLinkStateHandler returns.
func (t *SocketTransport) SetLinkStateHandler(fn func(LinkEvent)) {
	t.mu.Lock()
	t.onLink = fn
	failed := t.failed
	t.mu.Unlock()
	if failed && fn != nil {
		fn(LinkFailed)
	}
}

// Done is closed once the read loop has exited.
func (t *SocketTransport) Done() <-chan struct{} {
	return t.done
}

// SetMessageHandler implements Transport.
func (t *SocketTransport) SetMessageHandler(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *SocketTransport) readLoop() {
	defer close(t.done)
	for {
		data, err := ReadFrame(t.conn)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.logger.WithError(err).Warn("Socket read failed")
			t.fail()
			return
		}

		t.mu.RLock()
		handler := t.onMessage
		t.mu.RUnlock()
		if handler == nil {
			t.logger.WithField("size", len(data)).Debug("Dropping frame, no message handler")
			continue
		}
		handler(data)
	}
}

// fail reports LinkFailed once. A socket has no transient state; any
// unexpected read error is terminal. Without a handler the failure is
// kept for the next SetLinkStateHandler.
func (t *SocketTransport) fail() {
	t.mu.Lock()
	if t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	handler := t.onLink
	t.mu.Unlock()
	if handler != nil {
		handler(LinkFailed)
	}
}

// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"net"
	"sync"

	"github.com/opd-ai/daemonlink/transport"
)

// Fake is a scriptable transport.Transport.
type Fake struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	closes    int
	onLink    func(transport.LinkEvent)
	onMessage func([]byte)
	onSend    func([]byte)
	addr      net.Addr
	down      *transport.LinkEvent
}

// NewFake returns a fake whose RemoteAddr reports addr.
func NewFake(addr string) *Fake {
	return &Fake{addr: fakeAddr(addr)}
}

// FailSends makes every subsequent Send return err. A nil err restores
// normal behaviour.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// OnSend registers fn to observe each successfully sent message.
func (f *Fake) OnSend(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

// Send implements transport.Transport.
func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	if f.closes > 0 {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(data)
	}
	return nil
}

// Close implements transport.Transport.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// RemoteAddr implements transport.Transport.
func (f *Fake) RemoteAddr() net.Addr { return f.addr }

// SetLinkStateHandler implements transport.Transport. Like the real
// transports, a link that is down is reported to the new handler.
func (f *Fake) SetLinkStateHandler(fn func(transport.LinkEvent)) {
	f.mu.Lock()
	f.onLink = fn
	down := f.down
	f.mu.Unlock()
	if down != nil && fn != nil {
		fn(*down)
	}
}

// SetMessageHandler implements transport.Transport.
func (f *Fake) SetMessageHandler(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

// Emit delivers a link event to the registered handler. LinkFailed is
// sticky; LinkConnected clears an earlier LinkDisconnected.
func (f *Fake) Emit(ev transport.LinkEvent) {
	f.mu.Lock()
	if f.down == nil || *f.down != transport.LinkFailed {
		if ev == transport.LinkConnected {
			f.down = nil
		} else {
			f.down = &ev
		}
	}
	fn := f.onLink
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Deliver hands an inbound message to the registered handler.
func (f *Fake) Deliver(data []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// Sent returns copies of the messages sent so far.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

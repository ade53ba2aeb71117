package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Owner identifies the subsystem holding the exclusive right to close a
// shared transport.
type Owner uint8

const (
	OwnerNone Owner = iota
	OwnerPairing
	OwnerStrategy
	OwnerConnection
)

// String returns a string representation of the owner
func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerPairing:
		return "pairing"
	case OwnerStrategy:
		return "strategy"
	case OwnerConnection:
		return "connection"
	default:
		return fmt.Sprintf("owner(%d)", uint8(o))
	}
}

// closedBit marks a closed transport in the packed state word. The low
// byte holds the Owner.
const closedBit uint32 = 1 << 31

func pack(owner Owner, closed bool) uint32 {
	s := uint32(owner)
	if closed {
		s |= closedBit
	}
	return s
}

func unpack(s uint32) (Owner, bool) {
	return Owner(s & 0xff), s&closedBit != 0
}

// OwnedTransport wraps a Transport with a single-owner close contract.
//
// Owner and closed flag share one atomic word, so a transfer and a close
// can never interleave: whichever compare-and-set lands first wins and the
// other observes the result. A close requested by anyone but the current
// owner is refused without side effects.
type OwnedTransport struct {
	transport Transport
	state     atomic.Uint32
}

// NewOwnedTransport registers t with an initial owner.
func NewOwnedTransport(t Transport, owner Owner) *OwnedTransport {
	o := &OwnedTransport{transport: t}
	o.state.Store(pack(owner, false))
	return o
}

// Transport returns the wrapped transport for sending and handler
// registration. Callers must not Close it directly.
func (o *OwnedTransport) Transport() Transport {
	return o.transport
}

// Owner returns the current owner.
func (o *OwnedTransport) Owner() Owner {
	owner, _ := unpack(o.state.Load())
	return owner
}

// IsClosed reports whether the transport has been closed.
func (o *OwnedTransport) IsClosed() bool {
	_, closed := unpack(o.state.Load())
	return closed
}

// TransferOwnership makes newOwner the owner. It fails only when the
// transport is already closed.
func (o *OwnedTransport) TransferOwnership(newOwner Owner) bool {
	for {
		cur := o.state.Load()
		prev, closed := unpack(cur)
		if closed {
			return false
		}
		if o.state.CompareAndSwap(cur, pack(newOwner, false)) {
			logrus.WithFields(logrus.Fields{
				"function": "TransferOwnership",
				"from":     prev,
				"to":       newOwner,
			}).Debug("Transport ownership transferred")
			return true
		}
	}
}

// Handoff moves ownership from one owner to another in a single
// compare-and-set. It fails if from is not the current owner or the
// transport is closed.
func (o *OwnedTransport) Handoff(from, to Owner) bool {
	if !o.state.CompareAndSwap(pack(from, false), pack(to, false)) {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function": "Handoff",
		"from":     from,
		"to":       to,
	}).Debug("Transport handed off")
	return true
}

// CloseByOwner closes the transport if requester is the current owner.
// It returns false, and does nothing, otherwise.
func (o *OwnedTransport) CloseByOwner(requester Owner) bool {
	if !o.state.CompareAndSwap(pack(requester, false), pack(requester, true)) {
		owner, closed := unpack(o.state.Load())
		logrus.WithFields(logrus.Fields{
			"function":  "CloseByOwner",
			"requester": requester,
			"owner":     owner,
			"closed":    closed,
		}).Debug("Close refused")
		return false
	}

	if err := o.transport.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CloseByOwner",
			"owner":    requester,
			"error":    err.Error(),
		}).Warn("Transport close reported an error")
	}
	return true
}

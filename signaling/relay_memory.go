package signaling

import (
	"context"
	"sync"
	"time"
)

const memorySubscriptionBuffer = 32

// MemoryRelay is an in-process RelayClient. Every subscriber of a topic,
// including the publisher's own subscription, receives each published blob,
// which mirrors how a public relay echoes requests back to their sender.
//
// It is used by tests and by loopback self-tests; it can simulate subscribe
// latency, publish failures and a daemon answering on the topic.
type MemoryRelay struct {
	mu              sync.Mutex
	subs            map[string]map[*memorySubscription]struct{}
	published       map[string][][]byte
	publishAttempts int
	publishErrs     []error
	subscribeDelay  time.Duration
	responder       func(topic string, blob []byte)
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		subs:      make(map[string]map[*memorySubscription]struct{}),
		published: make(map[string][][]byte),
	}
}

// SetSubscribeDelay makes every Subscribe wait d before going live,
// simulating the WebSocket warm-up of a real relay.
func (r *MemoryRelay) SetSubscribeDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeDelay = d
}

// FailPublishes queues errors returned by the next len(errs) Publish calls.
func (r *MemoryRelay) FailPublishes(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishErrs = append(r.publishErrs, errs...)
}

// SetResponder registers fn to be called asynchronously for every
// successfully published blob.
func (r *MemoryRelay) SetResponder(fn func(topic string, blob []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responder = fn
}

// Published returns copies of the blobs successfully published to topic.
func (r *MemoryRelay) Published(topic string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.published[topic]))
	for i, b := range r.published[topic] {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// PublishAttempts returns how many times Publish was called, including
// calls that failed.
func (r *MemoryRelay) PublishAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishAttempts
}

// Subscribers returns the number of live subscriptions on topic.
func (r *MemoryRelay) Subscribers(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic])
}

// Subscribe implements RelayClient.
func (r *MemoryRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	r.mu.Lock()
	delay := r.subscribeDelay
	r.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		relay:    r,
		topic:    topic,
		messages: make(chan []byte, memorySubscriptionBuffer),
	}

	r.mu.Lock()
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[*memorySubscription]struct{})
	}
	r.subs[topic][sub] = struct{}{}
	r.mu.Unlock()

	return sub, nil
}

// Publish implements RelayClient.
func (r *MemoryRelay) Publish(ctx context.Context, topic string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.publishAttempts++
	if len(r.publishErrs) > 0 {
		err := r.publishErrs[0]
		r.publishErrs = r.publishErrs[1:]
		r.mu.Unlock()
		return err
	}

	data := append([]byte(nil), blob...)
	r.published[topic] = append(r.published[topic], data)
	for sub := range r.subs[topic] {
		sub.deliver(data)
	}
	responder := r.responder
	r.mu.Unlock()

	if responder != nil {
		go responder(topic, data)
	}
	return nil
}

// Inject delivers blob to the subscribers of topic without recording it as
// published or invoking the responder.
func (r *MemoryRelay) Inject(topic string, blob []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs[topic] {
		sub.deliver(append([]byte(nil), blob...))
	}
}

func (r *MemoryRelay) remove(sub *memorySubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[sub.topic], sub)
	if len(r.subs[sub.topic]) == 0 {
		delete(r.subs, sub.topic)
	}
}

type memorySubscription struct {
	relay     *MemoryRelay
	topic     string
	messages  chan []byte
	closeOnce sync.Once
	closed    bool // guarded by relay.mu
}

// deliver must be called with relay.mu held.
func (s *memorySubscription) deliver(blob []byte) {
	if s.closed {
		return
	}
	select {
	case s.messages <- blob:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *memorySubscription) Unsubscribe() error {
	s.closeOnce.Do(func() {
		s.relay.remove(s)
		s.relay.mu.Lock()
		s.closed = true
		close(s.messages)
		s.relay.mu.Unlock()
	})
	return nil
}

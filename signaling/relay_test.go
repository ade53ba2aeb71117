package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case blob, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return blob
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestMemoryRelayEchoesToAllSubscribers(t *testing.T) {
	relay := NewMemoryRelay()
	ctx := context.Background()

	a, err := relay.Subscribe(ctx, "rcabc")
	require.NoError(t, err)
	b, err := relay.Subscribe(ctx, "rcabc")
	require.NoError(t, err)
	other, err := relay.Subscribe(ctx, "rcother")
	require.NoError(t, err)
	assert.Equal(t, 2, relay.Subscribers("rcabc"))

	require.NoError(t, relay.Publish(ctx, "rcabc", []byte("hello")))
	assert.Equal(t, []byte("hello"), receive(t, a))
	assert.Equal(t, []byte("hello"), receive(t, b))
	assert.Empty(t, other.Messages())

	require.NoError(t, a.Unsubscribe())
	require.NoError(t, a.Unsubscribe())
	assert.Equal(t, 1, relay.Subscribers("rcabc"))
	_, open := <-a.Messages()
	assert.False(t, open)
}

func TestMemoryRelayQueuedFailures(t *testing.T) {
	relay := NewMemoryRelay()
	relay.FailPublishes(ErrTimeout)

	err := relay.Publish(context.Background(), "rcabc", []byte("x"))
	assert.ErrorIs(t, err, ErrTimeout)
	require.NoError(t, relay.Publish(context.Background(), "rcabc", []byte("y")))

	assert.Equal(t, 2, relay.PublishAttempts())
	assert.Equal(t, [][]byte{[]byte("y")}, relay.Published("rcabc"))
}

func TestMemoryRelaySubscribeDelayHonoursContext(t *testing.T) {
	relay := NewMemoryRelay()
	relay.SetSubscribeDelay(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := relay.Subscribe(ctx, "rcabc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishWithRetry(t *testing.T) {
	relay := NewMemoryRelay()
	relay.FailPublishes(ErrTimeout, ErrTimeout)

	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		},
	}
	require.NoError(t, PublishWithRetry(context.Background(), relay, "rcabc", []byte("blob"), policy))
	assert.Equal(t, 3, relay.PublishAttempts())
	require.Len(t, delays, 2)
	assert.Less(t, delays[0], delays[1])
}

// fakeNtfy is a minimal ntfy server: POST /<topic> publishes, and
// GET /<topic>/ws streams JSON events after an initial open event.
type fakeNtfy struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      map[string][]*websocket.Conn
	published  map[string][]string
	rejectWith int
	// rejects is consumed one status per publish before rejectWith applies.
	rejects []int
}

func newFakeNtfy(t *testing.T) (*fakeNtfy, *httptest.Server) {
	f := &fakeNtfy{
		t:         t,
		conns:     make(map[string][]*websocket.Conn),
		published: make(map[string][]string),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeNtfy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	if topic, ok := strings.CutSuffix(path, "/ws"); ok {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(ntfyEvent{Event: "open", Topic: topic})
		f.mu.Lock()
		f.conns[topic] = append(f.conns[topic], conn)
		f.mu.Unlock()
		return
	}

	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	reject := f.rejectWith
	if len(f.rejects) > 0 {
		reject, f.rejects = f.rejects[0], f.rejects[1:]
	}
	f.mu.Unlock()
	if reject != 0 {
		w.WriteHeader(reject)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.published[path] = append(f.published[path], string(body))
	conns := append([]*websocket.Conn(nil), f.conns[path]...)
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteJSON(ntfyEvent{Event: "keepalive", Topic: path})
		_ = c.WriteJSON(ntfyEvent{Event: "message", Topic: path, Message: string(body)})
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeNtfy) subscribers(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[topic])
}

func TestNtfyClientRoundTrip(t *testing.T) {
	f, srv := newFakeNtfy(t)
	client, err := NewNtfyClient(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.Subscribe(ctx, "rc0011")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return f.subscribers("rc0011") == 1 }, time.Second, 5*time.Millisecond)

	blob := []byte{0x00, 0xff, 0x10, 0x80}
	require.NoError(t, client.Publish(ctx, "rc0011", blob))

	assert.Equal(t, blob, receive(t, sub))

	f.mu.Lock()
	sent := f.published["rc0011"]
	f.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(blob), sent[0])
}

func TestNtfyClientPublishRejected(t *testing.T) {
	tests := []struct {
		status    int
		retriable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusRequestEntityTooLarge, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f, srv := newFakeNtfy(t)
			f.rejectWith = tt.status

			client, err := NewNtfyClient(srv.URL)
			require.NoError(t, err)
			err = client.Publish(context.Background(), "rc0011", []byte("x"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), strconv.Itoa(tt.status))
			assert.Equal(t, tt.retriable, IsRetriable(err))
		})
	}
}

func TestNtfyClientPublishRetriesBusyRelay(t *testing.T) {
	f, srv := newFakeNtfy(t)
	f.rejects = []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}

	client, err := NewNtfyClient(srv.URL)
	require.NoError(t, err)
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	require.NoError(t, PublishWithRetry(context.Background(), client, "rc0033", []byte("x"), policy))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.published["rc0033"], 1)
	assert.Empty(t, f.rejects)
}

func TestNtfyClientUnsubscribeClosesStream(t *testing.T) {
	_, srv := newFakeNtfy(t)
	client, err := NewNtfyClient(srv.URL)
	require.NoError(t, err)

	sub, err := client.Subscribe(context.Background(), "rc0022")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestNtfyClientSubscribeFailsWithoutServer(t *testing.T) {
	_, srv := newFakeNtfy(t)
	url := srv.URL
	srv.Close()

	client, err := NewNtfyClient(url)
	require.NoError(t, err)
	_, err = client.Subscribe(context.Background(), "rc0033")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestNewNtfyClientRejectsScheme(t *testing.T) {
	_, err := NewNtfyClient("ftp://ntfy.example")
	assert.Error(t, err)
	_, err = NewNtfyClient("://bad")
	assert.Error(t, err)
}

func TestNtfyEventDecoding(t *testing.T) {
	var ev ntfyEvent
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x1","time":1700000000,"event":"message","topic":"rc1","message":"AAE="}`), &ev))
	assert.Equal(t, "message", ev.Event)
	assert.Equal(t, "AAE=", ev.Message)
}

package crypto

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// DefaultNonceCacheSize bounds the number of remembered nonces per
// exchange. A single exchange sees a handful of messages; the headroom
// covers a noisy shared relay topic.
const DefaultNonceCacheSize = 1024

// NonceCache remembers nonces that have already been accepted so a
// replayed message is rejected. It is bounded: once full, the least
// recently seen nonce is evicted. Entries older than the validator's
// timestamp window are rejected on freshness alone, so eviction never
// reopens a replay window as long as the cache outlives the window's worth
// of traffic.
//
// The cache is safe for concurrent use.
type NonceCache struct {
	mu    sync.Mutex
	cache *lru.Cache[MessageNonce, struct{}]
}

// NewNonceCache creates a nonce cache holding at most size entries.
// A non-positive size selects DefaultNonceCacheSize.
func NewNonceCache(size int) (*NonceCache, error) {
	if size <= 0 {
		size = DefaultNonceCacheSize
	}
	cache, err := lru.New[MessageNonce, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce cache: %w", err)
	}
	return &NonceCache{cache: cache}, nil
}

// CheckAndStore checks if nonce was seen and stores it if not.
// Returns true if nonce is new (not a replay), false if replay detected.
func (nc *NonceCache) CheckAndStore(nonce MessageNonce) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.cache.Contains(nonce) {
		logrus.WithFields(logrus.Fields{
			"function": "CheckAndStore",
			"nonce":    fmt.Sprintf("%x", nonce[:8]),
		}).Warn("Replay detected: nonce already used")
		return false
	}

	nc.cache.Add(nonce, struct{}{})
	return true
}

// Seen reports whether nonce is currently remembered without storing it.
func (nc *NonceCache) Seen(nonce MessageNonce) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.cache.Contains(nonce)
}

// Size returns the current number of stored nonces.
func (nc *NonceCache) Size() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.cache.Len()
}

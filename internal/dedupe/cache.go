// ABOUTME: Expiring LRU of message keys seen by the gateway
// ABOUTME: Suppresses inbound messages the network redelivers after a reconnect

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSize bounds the number of remembered keys.
const DefaultSize = 10_000

// Cache remembers keys for a TTL, forgetting the least recently marked keys
// first once it is full. A nil *Cache never reports duplicates.
type Cache struct {
	// mu makes the lookup-then-insert in CheckAndMark atomic. The LRU has its
	// own lock, but no single call that both tests and adds. Every method
	// takes mu so readers never observe a half-finished CheckAndMark.
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// New creates a cache. A non-positive maxSize selects DefaultSize.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &Cache{seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl)}
}

// MessageKey builds the key of a message. IDs are only unique per chat.
func MessageKey(chatID, messageID string) string {
	return chatID + "\x00" + messageID
}

// Seen reports whether key was marked and has not expired.
func (c *Cache) Seen(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen.Get(key)
	return ok
}

// CheckAndMark reports whether key is a duplicate. A new key is marked
// before returning, so concurrent callers see exactly one false.
func (c *Cache) CheckAndMark(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// Len returns the number of remembered keys, expired ones included until
// they are swept.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Len()
}

// Purge forgets every key.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Purge()
}

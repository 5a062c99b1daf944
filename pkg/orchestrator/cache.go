package orchestrator

import (
	"sync"
	"time"
)

// responseCacheEntry is the single (reply_text, started_at) pair the cache
// may hold.
type responseCacheEntry struct {
	text      string
	startedAt time.Time
}

// responseCache is the single-slot, TTL-bounded hold of the last
// interrupted-during-generation reply. A slot, not a queue: interrupting
// twice in succession replaces the first pending reply with the second and
// the first is lost, by design — a queue would desynchronize the agent from
// the current topic.
type responseCache struct {
	mu  sync.Mutex
	ttl time.Duration
	cur *responseCacheEntry
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{ttl: ttl}
}

// set writes the slot, overwriting any prior entry.
func (c *responseCache) set(text string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = &responseCacheEntry{text: text, startedAt: at}
}

// take returns the slot's reply if present and not expired, clearing it
// either way (expired or not — an expired entry is discarded exactly as a
// fresh take).
func (c *responseCache) take(now time.Time) (text string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return "", false
	}
	e := c.cur
	c.cur = nil
	if now.Sub(e.startedAt) >= c.ttl {
		return "", false
	}
	return e.text, true
}

// updateText replaces the slot's text in place, keeping its original
// timestamp, if an entry is present and still within TTL. An expired entry is
// discarded instead. Used when a reply lands after the interrupt that should
// have cached it: the late text supersedes whatever partial text was seeded,
// but only while the slot is still servable.
func (c *responseCache) updateText(text string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return false
	}
	if now.Sub(c.cur.startedAt) >= c.ttl {
		c.cur = nil
		return false
	}
	c.cur.text = text
	return true
}

// clear unconditionally empties the slot.
func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = nil
}

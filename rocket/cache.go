package rocket

import "sync"

const cacheCapacity = 50

// cachedMessage is one remembered message; Text tracks the current
// content so a re-delivery can be told apart from an edit.
type cachedMessage struct {
	id     string
	roomID string
	text   string
}

// messageCache remembers the most recent messages in arrival order so
// re-delivered and edited messages can be recognized. Eviction is
// FIFO, not LRU: the cache exists for recency-windowed dedup, and edit
// detection is deliberately limited to the newest cap entries. Lookup
// is a linear scan for the first id match; a duplicate id whose older
// entry was evicted is treated as brand new.
type messageCache struct {
	mu      sync.Mutex
	entries []*cachedMessage
	cap     int
}

func newMessageCache(capacity int) *messageCache {
	return &messageCache{cap: capacity}
}

type messageVerdict int

const (
	messageNew messageVerdict = iota
	messageUnchanged
	messageEdited
)

// classify resolves an incoming (id, text) pair against the cache:
// unseen ids are inserted (evicting the oldest entry at capacity),
// a matching entry with identical text is a re-delivery, and a
// matching entry with different text is an edit whose stored text is
// updated in place.
func (c *messageCache) classify(id, roomID, text string) messageVerdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.id != id {
			continue
		}
		if e.text == text {
			return messageUnchanged
		}
		e.text = text
		return messageEdited
	}

	c.insert(&cachedMessage{id: id, roomID: roomID, text: text})
	return messageNew
}

// remember records an outbound message so its stream echo is
// suppressed by classify.
func (c *messageCache) remember(id, roomID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(&cachedMessage{id: id, roomID: roomID, text: text})
}

func (c *messageCache) insert(e *cachedMessage) {
	if len(c.entries) >= c.cap {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, e)
}

func (c *messageCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

package conversation

import (
	"sync"
	"time"
)

// MessageIDs hands out message ids based on wall-clock milliseconds, bumped
// so every id is strictly greater than the previous one.
type MessageIDs struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewMessageIDs returns an id source. A nil now uses time.Now.
func NewMessageIDs(now func() time.Time) *MessageIDs {
	if now == nil {
		now = time.Now
	}
	return &MessageIDs{now: now}
}

// Next returns a fresh id.
func (g *MessageIDs) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

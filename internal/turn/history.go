package turn

import "sync"

// DefaultHistorySize is the number of exchanges kept for the prompt
const DefaultHistorySize = 5

// Exchange is one user turn and the agent's (possibly partial) reply
type Exchange struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// History is a bounded FIFO of exchanges, oldest first
type History struct {
	mu    sync.RWMutex
	limit int
	items []Exchange
}

// NewHistory creates a history keeping at most limit exchanges
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{
		limit: limit,
		items: make([]Exchange, 0, limit+1),
	}
}

// Append adds an exchange and evicts the oldest beyond the limit
func (h *History) Append(ex Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, ex)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append(h.items[:0], h.items[over:]...)
	}
}

// Snapshot returns a copy, oldest first
func (h *History) Snapshot() []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Exchange, len(h.items))
	copy(out, h.items)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

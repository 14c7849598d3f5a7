package generation

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Handle tracks one in-flight response. The abort flag is the only signal
// shared with the interrupting goroutine; generators poll it on every token.
type Handle struct {
	aborted atomic.Bool

	mu     sync.Mutex
	text   strings.Builder
	tokens int
}

// NewHandle returns a live handle with the abort flag cleared
func NewHandle() *Handle {
	return &Handle{}
}

// Abort requests that generation stop. Safe to call from any goroutine, more than once.
func (h *Handle) Abort() {
	h.aborted.Store(true)
}

// Aborted reports whether Abort has been called
func (h *Handle) Aborted() bool {
	return h.aborted.Load()
}

// Accept appends token to the response unless the handle has been aborted.
// It returns false once aborted; the caller must then stop producing tokens.
func (h *Handle) Accept(token string) bool {
	if h.aborted.Load() {
		return false
	}

	h.mu.Lock()
	h.text.WriteString(token)
	h.tokens++
	h.mu.Unlock()
	return true
}

// Text returns the accumulated response
func (h *Handle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}

// Tokens returns the number of accepted tokens
func (h *Handle) Tokens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

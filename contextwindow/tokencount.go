// Package contextwindow implements the Context-Window & Overflow Manager
// (C8): it fits a requested output size against a model's addressable
// window, and when it doesn't fit, applies overflow strategies in
// priority order until it does. Grounded on the teacher's
// ai/chain_client.go token-accounting helpers for prompt sizing, and on
// Tangerg-lynx's ai/tokenizer/tiktoken.go for exact tiktoken-go usage,
// per SPEC_FULL.md §11.
package contextwindow

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the token length of a string; the count does not
// depend on which model the text is sent to.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter wraps tiktoken-go's cl100k_base encoding, the
// encoding used by every OpenAI chat model this project targets.
type TiktokenCounter struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding once and reuses it
// for every Count call.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{encoding: enc}, nil
}

// Count returns the tiktoken-encoded length of text.
func (c *TiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// approxCounter is the fallback used when no tiktoken encoding could be
// loaded (offline environments without the bpe data file cached):
// roughly 4 characters per token, the documented tiktoken rule of thumb.
type approxCounter struct{}

func (approxCounter) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// NewCounter returns a TiktokenCounter, falling back to the approximate
// counter if the encoding table can't be loaded.
func NewCounter() Counter {
	c, err := NewTiktokenCounter()
	if err != nil {
		return approxCounter{}
	}
	return c
}

// Package token provides token counting for working-memory budgets.
//
// Token counts drive the working-memory budget and the per-node token_count
// column. The counter is injected everywhere so callers can swap the exact
// tiktoken encoding for the cheap heuristic in tests.
//
// Example:
//
//	counter := token.NewCounter("cl100k_base")
//	n := counter.CountTokens("PostgreSQL supports pgvector.")
package token

import (
	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in a text for budget accounting.
// Implementations must be safe for concurrent use.
type Counter interface {
	CountTokens(text string) int
}

// Tiktoken counts tokens with a real BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding (e.g. "cl100k_base").
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &Tiktoken{enc: enc}, nil
}

// CountTokens returns the number of BPE tokens in text.
func (t *Tiktoken) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic approximates tokens as ceil(len/4), the usual English average.
// Used when the encoding data cannot be loaded (offline environments).
type Heuristic struct{}

// CountTokens approximates the token count of text.
func (Heuristic) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// NewCounter returns a Tiktoken counter for the given encoding, falling back
// to the heuristic when the encoding is unavailable.
func NewCounter(encoding string) Counter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if t, err := NewTiktoken(encoding); err == nil {
		return t
	}
	return Heuristic{}
}

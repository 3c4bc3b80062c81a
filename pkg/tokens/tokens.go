// Package tokens provides local token counting. The runtime uses it for
// pre-count ledger events and for the history-GC threshold check, where a
// network round trip per estimate would be wasteful.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a specific model using a tiktoken encoding.
// Gemini does not publish a public tokenizer, so counts are approximations
// via cl100k_base; the provider's CountTokens remains the exact source.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// encodingFor maps a model name to a tiktoken encoding, longest prefix
// first, defaulting to cl100k_base.
var encodingPrefixes = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gemini-2", "cl100k_base"},
	{"gemini-1.5", "cl100k_base"},
	{"gemini", "cl100k_base"},
}

func encodingFor(model string) string {
	for _, e := range encodingPrefixes {
		if len(model) >= len(e.prefix) && model[:len(e.prefix)] == e.prefix {
			return e.encoding
		}
	}
	return "cl100k_base"
}

// NewCounter creates a counter for the given model. Encodings are cached
// process-wide. The first load of an encoding may fetch its BPE table;
// callers treat a failure as "no local counter" and fall back to Estimate.
func NewCounter(model string) (*Counter, error) {
	name := encodingFor(model)

	cacheMu.RLock()
	cached, exists := encodingCache[name]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", name, err)
	}

	cacheMu.Lock()
	encodingCache[name] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate gives a rough count when no Counter is available
// (4 characters per token).
func Estimate(text string) int {
	return len(text) / 4
}

package testutil

import (
	"fmt"
	"sync"
)

// SequenceLeases generates "lease-1", "lease-2", ... so tests and golden
// snapshots see deterministic lease tokens.
//
// Thread-safety: SequenceLeases is safe for concurrent use via internal mutex.
type SequenceLeases struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceLeases creates a generator. An empty prefix means "lease".
func NewSequenceLeases(prefix string) *SequenceLeases {
	if prefix == "" {
		prefix = "lease"
	}
	return &SequenceLeases{prefix: prefix}
}

// Generate returns the next token.
func (g *SequenceLeases) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceLeases) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}

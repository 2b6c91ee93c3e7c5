package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator generates "<prefix>-0001", "<prefix>-0002", ...
//
// This enables deterministic operation ids in golden snapshots without
// listing every id up front. It satisfies engine.IDGenerator.
//
// Thread-safety: SequentialIDGenerator is safe for concurrent use.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	seq    int
}

// NewSequentialIDGenerator creates a generator with the given prefix.
//
// If prefix is empty, "op" is used.
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "op"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%04d", g.prefix, g.seq)
}

// Reset restarts the sequence at 1.
func (g *SequentialIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}

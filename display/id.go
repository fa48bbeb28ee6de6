package display

import "sync/atomic"

// IDGenerator produces a monotonically increasing sequence of FenceIDs,
// for a client that needs to assign fences unique identifiers without
// maintaining its own counter.
type IDGenerator struct {
	next atomic.Uint64
}

// Next returns the next FenceID in sequence, starting at 1.
func (g *IDGenerator) Next() FenceID {
	return FenceID(g.next.Add(1))
}

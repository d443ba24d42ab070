package executor

import "sync/atomic"

// Sequence hands out task ids. Ids are never reused within one Sequence.
type Sequence interface {
	Next() uint64
}

// Counter is a Sequence starting at 1. The zero value is ready to use.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

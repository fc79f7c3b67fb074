package syncx

import "sync/atomic"

// Counter is a non-negative gauge of in-flight work. Background loops use it
// to hold off while foreground batches are still settling.
type Counter struct {
	n atomic.Int64
}

// Inc increments the counter.
func (c *Counter) Inc() { c.n.Add(1) }

// Dec decrements the counter. It must pair with a previous Inc.
func (c *Counter) Dec() { c.n.Add(-1) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.n.Load() }

package pendingops

import "sync"

// Counter tracks the number of in-flight operations against a resource that
// is about to be torn down. Teardown calls Disable followed by Wait; once
// Disable has been called no new operation is admitted, and Wait returns only
// after every admitted operation has called Done. This is the sole mechanism
// keeping store teardown out of in-flight reads and writes, so an operation
// must call Add before its first store access and Done on every exit path.
type Counter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	n        int64
	disabled bool
}

func NewCounter() *Counter {
	c := &Counter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Add admits one operation. It returns false if teardown has already begun.
func (c *Counter) Add() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return false
	}
	c.n++
	return true
}

func (c *Counter) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		panic("pending operation counter underflow")
	}
	c.n--
	if c.n == 0 {
		c.cond.Broadcast()
	}
}

// Disable rejects all future Add calls.
func (c *Counter) Disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

// Wait blocks until the counter reaches zero.
func (c *Counter) Wait() {
	c.mu.Lock()
	for c.n != 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Pending returns the current number of admitted operations.
func (c *Counter) Pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

package dap

import "sync/atomic"

// CounterType distinguishes UDP from TCP in-flight accounting.
type CounterType int

const (
	CounterUDP CounterType = iota
	CounterTCP
)

// counterInner holds increment-only in/out atomics for one protocol.
// current = in - out is always >= 0 since out only ever increments after
// a matching in.
type counterInner struct {
	in, out atomic.Uint64
}

func (c *counterInner) current() int64 {
	return int64(c.in.Load()) - int64(c.out.Load())
}

// increment records an admitted request and returns the new current count.
func (c *counterInner) increment() int64 {
	c.in.Add(1)
	return c.current()
}

// decrement records completion of a request and returns the new current
// count.
func (c *counterInner) decrement() int64 {
	c.out.Add(1)
	return c.current()
}

// ConnCounter tracks in-flight UDP and TCP connections with lock-free,
// monotonic accounting (§4.9, §8 Admission).
type ConnCounter struct {
	udp counterInner
	tcp counterInner
}

func NewConnCounter() *ConnCounter {
	return &ConnCounter{}
}

func (c *ConnCounter) inner(t CounterType) *counterInner {
	if t == CounterUDP {
		return &c.udp
	}
	return &c.tcp
}

// Current returns the in-flight count for one protocol.
func (c *ConnCounter) Current(t CounterType) int64 {
	return c.inner(t).current()
}

// CurrentTotal returns current(UDP) + current(TCP).
func (c *ConnCounter) CurrentTotal() int64 {
	return c.udp.current() + c.tcp.current()
}

// Increment admits one request of the given protocol.
func (c *ConnCounter) Increment(t CounterType) int64 {
	return c.inner(t).increment()
}

// Decrement completes one request of the given protocol. Callers should
// invoke this via defer immediately after a successful Increment, so it
// always runs exactly once regardless of how the request finishes.
func (c *ConnCounter) Decrement(t CounterType) int64 {
	return c.inner(t).decrement()
}

// TryAdmit increments the given protocol's counter and reports whether the
// combined UDP+TCP total stayed within max. UDP and TCP share one cap
// rather than each getting their own, per the admission model's decision
// to treat max_connections as a single proxy-wide ceiling. On refusal the
// increment is rolled back immediately so the caller need not decrement.
func (c *ConnCounter) TryAdmit(t CounterType, max int64) bool {
	c.inner(t).increment()
	if c.CurrentTotal() > max {
		c.inner(t).decrement()
		return false
	}
	return true
}

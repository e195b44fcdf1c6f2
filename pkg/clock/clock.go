// Package clock issues operation timestamps and defines the total order
// used to pick a winner between conflicting tag operations.
//
// Timestamps are wall-clock Unix nanoseconds with two Lamport-style rules
// layered on top:
//
//	Tick:    a new local timestamp is the wall time, or last+1 when the
//	         wall clock has not moved past the last value. One device
//	         never issues the same or a smaller value twice.
//	Receive: observing a timestamp t raises the floor to t, so the next
//	         Tick is strictly greater than anything already observed.
//
// TotalOrderLess breaks equal timestamps by device ID and then by sequence
// number, which gives every device the same ordering without coordination.
//
// Note: Clock is not goroutine-safe. The tag manager serializes all calls
// behind its mutation lock.
package clock

import "time"

// Clock is a monotonic wall-clock timestamp source. Not goroutine-safe.
type Clock struct {
	last int64
	now  func() time.Time
}

// New returns a clock reading time.Now.
func New() *Clock { return &Clock{now: time.Now} }

// NewWithSource returns a clock reading the given time source. Used by
// tests to control the wall clock.
func NewWithSource(now func() time.Time) *Clock { return &Clock{now: now} }

// Tick returns a timestamp strictly greater than any previously issued or
// received one, and at least the current wall time.
func (c *Clock) Tick() int64 {
	wall := c.wall()
	if wall > c.last {
		c.last = wall
	} else {
		c.last++
	}
	return c.last
}

// Receive records an observed timestamp. The next Tick returns a value
// greater than ts. Returns the current floor.
func (c *Clock) Receive(ts int64) int64 {
	if ts > c.last {
		c.last = ts
	}
	return c.last
}

// Value returns the last issued or observed timestamp.
func (c *Clock) Value() int64 { return c.last }

// Set seeds the clock, typically from the device log's last record.
func (c *Clock) Set(v int64) { c.last = v }

func (c *Clock) wall() int64 {
	if c.now == nil {
		return time.Now().UnixNano()
	}
	return c.now().UnixNano()
}

// Stamp is the ordering key of an operation.
type Stamp struct {
	Time     int64
	DeviceID string
	Seq      uint64
}

// TotalOrderLess defines a deterministic total order over operations.
// Operation A is "less" (loses to B) if:
//
//	A.Time < B.Time, or
//	A.Time == B.Time and A.DeviceID < B.DeviceID (lexicographic), or
//	both equal and A.Seq < B.Seq
//
// (DeviceID, Seq) is unique per operation, so two distinct operations are
// never equal under this order.
func TotalOrderLess(a, b Stamp) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.DeviceID != b.DeviceID {
		return a.DeviceID < b.DeviceID
	}
	return a.Seq < b.Seq
}

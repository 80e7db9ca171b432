package audit

import "sync/atomic"

// Clock hands out strictly increasing entry ids.
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock whose next id is start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next id.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last id handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

package builder

import "math"

// Cursor tracks chunked extraction. CurrentStartID only moves forward.
type Cursor struct {
	CurrentStartID int64
	ChunkSize      int
	EndID          int64
	exhausted      bool
}

// Advance moves the cursor one past lastID.
func (c *Cursor) Advance(lastID int64) {
	if lastID == math.MaxInt64 {
		c.exhausted = true
		return
	}
	if next := lastID + 1; next > c.CurrentStartID {
		c.CurrentStartID = next
	}
}

// Done reports whether the cursor has passed EndID.
func (c *Cursor) Done() bool {
	return c.exhausted || c.CurrentStartID > c.EndID
}

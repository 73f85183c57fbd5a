package common

// HeightSource reports the current logical height. All accrual math is keyed
// off height deltas.
type HeightSource interface {
	Height() uint64
}

// ManualClock is a HeightSource advanced explicitly by its owner.
type ManualClock struct {
	height uint64
}

// NewManualClock starts a clock at the supplied height.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{height: start}
}

// Height implements HeightSource.
func (c *ManualClock) Height() uint64 {
	if c == nil {
		return 0
	}
	return c.height
}

// Advance moves the clock forward by n blocks and returns the new height.
func (c *ManualClock) Advance(n uint64) uint64 {
	c.height += n
	return c.height
}

// Set moves the clock to h. Heights never move backwards.
func (c *ManualClock) Set(h uint64) {
	if h > c.height {
		c.height = h
	}
}

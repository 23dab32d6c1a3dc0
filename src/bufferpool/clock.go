package bufferpool

// ClockReplacer picks eviction victims second-chance style: a frame that was
// released recently loses its bit and is skipped once.
type ClockReplacer struct {
	hand int
}

func NewClockReplacer() *ClockReplacer {
	return &ClockReplacer{}
}

// ChooseVictim sweeps at most two full turns. It returns false when every
// frame is pinned.
func (c *ClockReplacer) ChooseVictim(frames []*Frame) (int, bool) {
	n := len(frames)
	if n == 0 {
		return 0, false
	}
	if c.hand >= n {
		c.hand = 0
	}

	for range 2 * n {
		f := frames[c.hand]
		c.hand = (c.hand + 1) % n

		if !f.used || f.fixCount > 0 {
			continue
		}
		if f.recentlyFreed {
			f.recentlyFreed = false
			continue
		}
		return f.idx, true
	}

	return 0, false
}

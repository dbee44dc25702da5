package sdcardsim

import "sdspi-go/drivers/sdcard"

// ---- inspection ----

// Selected reports whether chip select is currently low.
func (c *Card) Selected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// SelectCounts returns how many times the card was selected and deselected.
func (c *Card) SelectCounts() (selects, deselects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selects, c.deselects
}

// Released reports that every select has been matched by a deselect.
func (c *Card) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.selected && c.selects == c.deselects
}

// Idle reports the card's idle-state flag.
func (c *Card) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// Commands returns the indices of every command frame received, in order.
func (c *Card) Commands() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.log...)
}

// CountCommand returns how many frames with index idx were received.
func (c *Card) CountCommand(idx byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.log {
		if b == idx {
			n++
		}
	}
	return n
}

// ResetLog clears the command log.
func (c *Card) ResetLog() {
	c.mu.Lock()
	c.log = c.log[:0]
	c.mu.Unlock()
}

// Sectors returns the configured capacity.
func (c *Card) Sectors() uint32 { return c.opt.Sectors }

// Sector returns a copy of sector n (zeros if never written).
func (c *Card) Sector(n uint32) [sdcard.SectorSize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blk, ok := c.sectors[n]; ok {
		return *blk
	}
	return [sdcard.SectorSize]byte{}
}

// Load stores data directly into sector n, bypassing the bus.
func (c *Card) Load(n uint32, data [sdcard.SectorSize]byte) {
	c.mu.Lock()
	*c.block(n) = data
	c.mu.Unlock()
}

// ---- fault injection ----

// SetMute makes the card swallow commands without answering.
func (c *Card) SetMute(on bool) { c.with(func() { c.mute = on }) }

// SetRejectReads makes CMD17 answer with a parameter error.
func (c *Card) SetRejectReads(on bool) { c.with(func() { c.rejectReads = on }) }

// SetRejectWrites makes CMD24 answer with a parameter error.
func (c *Card) SetRejectWrites(on bool) { c.with(func() { c.rejectWrites = on }) }

// SetStallReads accepts CMD17 but never sends the start token.
func (c *Card) SetStallReads(on bool) { c.with(func() { c.stallReads = on }) }

// SetStallWrites leaves the card busy forever after an accepted block.
func (c *Card) SetStallWrites(on bool) { c.with(func() { c.stallWrites = on }) }

// SetDataResponse overrides the data response token; 0 restores "accepted".
// A token other than accepted leaves the sector untouched.
func (c *Card) SetDataResponse(tok byte) { c.with(func() { c.dataResponse = tok }) }

// SetTransferError makes every exchange fail with err; nil clears it.
func (c *Card) SetTransferError(err error) { c.with(func() { c.transferError = err }) }

func (c *Card) with(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

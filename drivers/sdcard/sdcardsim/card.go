// Package sdcardsim is a card-side model of an SD card in SPI mode. It plugs
// into the driver as both the SPI bus and the chip-select pin:
//
//	card := sdcardsim.New(sdcardsim.Options{Sectors: 2048})
//	dev := sdcard.New(card, card)
//
// The model answers CMD0, CMD8, CMD17, CMD24, CMD55, ACMD41 and CMD58, checks
// the CRC of CMD0/CMD8, and keeps sector contents in memory. Timing knobs and
// fault injection let tests drive every driver path.
package sdcardsim

import (
	"encoding/binary"
	"sync"

	"sdspi-go/drivers/sdcard"
)

// Options describe the simulated card. Zero values give a small, prompt,
// standard-capacity v2 card.
type Options struct {
	// Sectors is the capacity. Default 2048 (1 MiB).
	Sectors uint32
	// HighCapacity makes an SDHC card: block addressing, CCS set, and
	// ACMD41 without HCS never completes.
	HighCapacity bool
	// Legacy makes a v1 card that rejects CMD8 as illegal.
	Legacy bool
	// InitPolls is the number of ACMD41 replies that still report idle.
	InitPolls int
	// ResponseDelay is the number of filler bytes before every R1. Default 1.
	// Values of 8 or more mean the driver never sees a reply.
	ResponseDelay int
	// ReadDelay is the number of filler bytes before the start token. Default 1.
	ReadDelay int
	// BusyCycles is the number of busy (0x00) bytes after a data response.
	// Default 2; negative means none.
	BusyCycles int
}

type phase uint8

const (
	phaseCommand phase = iota
	phaseWriteToken
	phaseWriteData
)

const (
	filler       = 0xFF
	dataAccepted = 0xE5
	hcs          = 0x40000000
	ocrBase      = 0x00FF8000 // 2.7-3.6 V window
	ocrPowerUp   = 0x80000000
	ocrCCS       = 0x40000000
)

// Card is safe for concurrent use, though the driver never needs that.
type Card struct {
	mu  sync.Mutex
	opt Options

	sectors map[uint32]*[sdcard.SectorSize]byte

	selected  bool
	selects   int
	deselects int

	ph    phase
	cmd   [6]byte
	ncmd  int
	wbuf  [sdcard.SectorSize + 2]byte
	nw    int
	wsect uint32
	out   []byte
	busy  bool // answer 0x00 while out is empty

	idle      bool
	appCmd    bool
	pollsLeft int
	log       []byte

	mute          bool
	rejectReads   bool
	rejectWrites  bool
	stallReads    bool
	stallWrites   bool
	dataResponse  byte
	transferError error
}

// New returns a powered, idle-but-unreset card.
func New(opt Options) *Card {
	if opt.Sectors == 0 {
		opt.Sectors = 2048
	}
	if opt.ResponseDelay <= 0 {
		opt.ResponseDelay = 1
	}
	if opt.ReadDelay <= 0 {
		opt.ReadDelay = 1
	}
	if opt.BusyCycles < 0 {
		opt.BusyCycles = 0
	} else if opt.BusyCycles == 0 {
		opt.BusyCycles = 2
	}
	return &Card{
		opt:       opt,
		sectors:   map[uint32]*[sdcard.SectorSize]byte{},
		idle:      true,
		pollsLeft: opt.InitPolls,
	}
}

// ---- chip select (sdcard.Pin) ----

// Set drives chip select; low selects. Deselecting abandons any command or
// data phase in progress.
func (c *Card) Set(level bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !level {
		if !c.selected {
			c.selects++
		}
		c.selected = true
		return
	}
	if c.selected {
		c.deselects++
	}
	c.selected = false
	c.ph = phaseCommand
	c.ncmd = 0
	c.out = c.out[:0]
	c.busy = false
}

// ---- SPI (drivers.SPI) ----

// Transfer exchanges one byte. A deselected card ignores input and leaves
// its output floating high.
func (c *Card) Transfer(b byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfer(b)
}

// Tx exchanges len(w) or len(r) bytes, whichever is longer; missing input is
// filler and surplus output is dropped.
func (c *Card) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		in := byte(filler)
		if i < len(w) {
			in = w[i]
		}
		b, err := c.transfer(in)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = b
		}
	}
	return nil
}

func (c *Card) transfer(in byte) (byte, error) {
	if c.transferError != nil {
		return 0, c.transferError
	}
	if !c.selected {
		return filler, nil
	}
	out := byte(filler)
	switch {
	case len(c.out) > 0:
		out = c.out[0]
		c.out = c.out[1:]
	case c.busy:
		out = 0x00
	}
	c.consume(in)
	return out, nil
}

func (c *Card) consume(in byte) {
	switch c.ph {
	case phaseCommand:
		if c.ncmd == 0 && in&0xC0 != 0x40 {
			return
		}
		c.cmd[c.ncmd] = in
		c.ncmd++
		if c.ncmd == len(c.cmd) {
			c.ncmd = 0
			c.execute()
		}
	case phaseWriteToken:
		if in == sdcard.StartToken {
			c.ph = phaseWriteData
			c.nw = 0
		}
	case phaseWriteData:
		c.wbuf[c.nw] = in
		c.nw++
		if c.nw == len(c.wbuf) {
			c.ph = phaseCommand
			c.commitWrite()
		}
	}
}

func (c *Card) commitWrite() {
	resp := byte(dataAccepted)
	if c.dataResponse != 0 {
		resp = c.dataResponse
	}
	c.out = append(c.out, resp)
	if resp&0x1F != 0x05 {
		return
	}
	blk := c.block(c.wsect)
	copy(blk[:], c.wbuf[:sdcard.SectorSize])
	if c.stallWrites {
		c.busy = true
		return
	}
	for i := 0; i < c.opt.BusyCycles; i++ {
		c.out = append(c.out, 0x00)
	}
}

func (c *Card) execute() {
	idx := c.cmd[0] & 0x3F
	arg := binary.BigEndian.Uint32(c.cmd[1:5])
	c.log = append(c.log, idx)
	if c.mute {
		return
	}

	var status byte
	if c.idle {
		status = sdcard.R1Idle
	}
	if (idx == sdcard.CMD0 || idx == sdcard.CMD8) && !sdcard.ValidFrameCRC(c.cmd) {
		c.respond(status | sdcard.R1CRCError)
		return
	}

	app := c.appCmd
	c.appCmd = false

	switch {
	case idx == sdcard.CMD0:
		c.idle = true
		c.pollsLeft = c.opt.InitPolls
		c.respond(sdcard.R1Idle)

	case idx == sdcard.CMD8:
		if c.opt.Legacy {
			c.respond(status | sdcard.R1IllegalCmd)
			return
		}
		c.respond(status, 0x00, 0x00, byte(arg>>8)&0x0F, byte(arg))

	case idx == sdcard.CMD55:
		c.appCmd = true
		c.respond(status)

	case app && idx == sdcard.ACMD41:
		if c.opt.HighCapacity && arg&hcs == 0 {
			c.respond(sdcard.R1Idle)
			return
		}
		if c.pollsLeft > 0 {
			c.pollsLeft--
			c.respond(sdcard.R1Idle)
			return
		}
		c.idle = false
		c.respond(0)

	case idx == sdcard.CMD58:
		ocr := uint32(ocrBase)
		if !c.idle {
			ocr |= ocrPowerUp
			if c.opt.HighCapacity {
				ocr |= ocrCCS
			}
		}
		c.respond(status, byte(ocr>>24), byte(ocr>>16), byte(ocr>>8), byte(ocr))

	case idx == sdcard.CMD17:
		sect, st := c.check(arg, status, c.rejectReads)
		c.respond(st)
		if st != 0 || c.stallReads {
			return
		}
		for i := 0; i < c.opt.ReadDelay; i++ {
			c.out = append(c.out, filler)
		}
		c.out = append(c.out, sdcard.StartToken)
		c.out = append(c.out, c.block(sect)[:]...)
		c.out = append(c.out, 0x00, 0x00)

	case idx == sdcard.CMD24:
		sect, st := c.check(arg, status, c.rejectWrites)
		c.respond(st)
		if st != 0 {
			return
		}
		c.wsect = sect
		c.ph = phaseWriteToken

	default:
		c.respond(status | sdcard.R1IllegalCmd)
	}
}

// check validates a data command and returns the target sector and R1.
func (c *Card) check(arg uint32, status byte, reject bool) (uint32, byte) {
	if c.idle {
		return 0, status | sdcard.R1IllegalCmd
	}
	if reject {
		return 0, sdcard.R1ParamError
	}
	sect := arg
	if !c.opt.HighCapacity {
		if arg%sdcard.SectorSize != 0 {
			return 0, sdcard.R1AddressError
		}
		sect = arg / sdcard.SectorSize
	}
	if sect >= c.opt.Sectors {
		return 0, sdcard.R1AddressError
	}
	return sect, 0
}

func (c *Card) respond(b ...byte) {
	for i := 0; i < c.opt.ResponseDelay; i++ {
		c.out = append(c.out, filler)
	}
	c.out = append(c.out, b...)
}

func (c *Card) block(n uint32) *[sdcard.SectorSize]byte {
	blk, ok := c.sectors[n]
	if !ok {
		blk = new([sdcard.SectorSize]byte)
		c.sectors[n] = blk
	}
	return blk
}

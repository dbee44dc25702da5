// Package sdcard drives an SD/SDHC card in SPI mode.
//
// The driver exposes the three layers of the protocol:
//
//	resp, err := d.SendCommand(cmd)       // one framed command + response
//	err := d.Init()                       // reset, voltage check, ACMD41 poll
//	err := d.ReadSector(n, &buf)          // CMD17 + start token + 512 bytes
//	err := d.WriteSector(n, &buf)         // CMD24 + data + response + busy
//
// Every polling loop is bounded by an explicit iteration budget; there is no
// sleeping and no cancellation. Every operation that selects the card
// deselects it before returning, on every path.
//
// The driver does no locking. Callers sharing a Device across goroutines must
// serialise access themselves (see services/storage).
//
// NOTE: the SPI bus must already be configured (mode 0, 100-400 kHz until the
// card reaches Ready). The driver never touches bus clocking.
package sdcard

import (
	"log/slog"

	"sdspi-go/errcode"
	"sdspi-go/x/logx"
	"sdspi-go/x/mathx"

	"tinygo.org/x/drivers"
)

// SectorSize is the only block length the driver transfers.
const SectorSize = 512

// Command indices.
const (
	CMD0   = 0  // GO_IDLE_STATE
	CMD8   = 8  // SEND_IF_COND
	CMD17  = 17 // READ_SINGLE_BLOCK
	CMD24  = 24 // WRITE_SINGLE_BLOCK
	CMD55  = 55 // APP_CMD
	CMD58  = 58 // READ_OCR
	ACMD41 = 41 // SD_SEND_OP_COND, only after CMD55
)

// Fixed CRC bytes. Only CMD0 and CMD8 are checked by a card with CRC off.
const (
	crcCMD0   = 0x95
	crcCMD8   = 0x87
	crcFiller = 0xFF
)

// Tokens and arguments.
const (
	StartToken  = 0xFE
	AcceptToken = 0x05 // low nibble of the data response
	filler      = 0xFF

	ifCondArg = 0x000001AA // 2.7-3.6 V, check pattern 0xAA
	hcsArg    = 0x40000000 // ACMD41 host capacity support
	ocrCCS    = 0x40000000 // OCR card capacity status

	maxByteSector = 1<<23 - 1 // sector*512 must fit in 32 bits
)

// Default iteration budgets.
const (
	DefaultInitTimer     = 10000
	DefaultReadTimer     = 10000
	DefaultWriteTimer    = 10000
	DefaultPowerUpClocks = 10 // 80 clocks >= the 74 the card needs

	responsePolls = 8
	maxTimer      = 1_000_000
)

// Pin is the chip-select line. Low selects the card. machine.Pin satisfies it.
type Pin interface {
	Set(level bool)
}

// AddressMode selects how a sector index is put on the wire.
type AddressMode uint8

const (
	// AddrByte sends sector*512 (standard capacity cards).
	AddrByte AddressMode = iota
	// AddrBlock sends the sector index unchanged (SDHC/SDXC).
	AddrBlock
	// AddrAuto reads the OCR after init and picks one of the above.
	AddrAuto
)

func (m AddressMode) String() string {
	switch m {
	case AddrByte:
		return "byte"
	case AddrBlock:
		return "block"
	case AddrAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseAddressMode accepts "byte", "block" or "auto"; empty means byte.
func ParseAddressMode(s string) (AddressMode, bool) {
	switch s {
	case "", "byte":
		return AddrByte, true
	case "block":
		return AddrBlock, true
	case "auto":
		return AddrAuto, true
	}
	return AddrByte, false
}

// State of the card session.
type State uint8

const (
	StateUninitialized State = iota
	StateIdle
	StateReady
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// InitTimer bounds the CMD55/ACMD41 iterations. Default 10000.
	InitTimer int
	// ReadTimer bounds the start-token poll. Default 10000.
	ReadTimer int
	// WriteTimer bounds the post-write busy poll. Default 10000.
	WriteTimer int
	// PowerUpClocks is the number of filler bytes clocked with the card
	// deselected before CMD0. Default 10.
	PowerUpClocks int
	// Addressing defaults to AddrByte.
	Addressing AddressMode
	// StrictVoltageCheck turns a failed CMD8 into a fault instead of
	// treating the card as a legacy (v1) card.
	StrictVoltageCheck bool
	// ComputeCRC puts a real CRC7 on every command instead of the filler.
	ComputeCRC bool
	// Logger receives debug/warn records; nil uses the process logger.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	c.InitTimer = timerOr(c.InitTimer, DefaultInitTimer)
	c.ReadTimer = timerOr(c.ReadTimer, DefaultReadTimer)
	c.WriteTimer = timerOr(c.WriteTimer, DefaultWriteTimer)
	if c.PowerUpClocks <= 0 {
		c.PowerUpClocks = DefaultPowerUpClocks
	}
	if c.Logger == nil {
		c.Logger = logx.For(logx.ComponentSDCard)
	}
}

func timerOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return mathx.Clamp(v, 1, maxTimer)
}

// Device is one card on one SPI bus.
type Device struct {
	bus drivers.SPI
	cs  Pin

	cfg       Config
	state     State
	lastErr   error
	blockAddr bool
	legacy    bool
	ocr       uint32
}

// New creates a Device. The bus must already be configured. This function
// only creates the Device object; it does not touch the card.
func New(bus drivers.SPI, cs Pin) Device {
	d := Device{bus: bus, cs: cs}
	d.cfg.applyDefaults()
	return d
}

// Configure applies optional config. It may be called with no cfg, and may be
// called again later; the session state is left alone.
func (d *Device) Configure(cfgs ...Config) {
	var c Config
	if len(cfgs) > 0 {
		c = cfgs[0]
	}
	c.applyDefaults()
	d.cfg = c
	switch c.Addressing {
	case AddrByte:
		d.blockAddr = false
	case AddrBlock:
		d.blockAddr = true
	}
}

// State returns the session state.
func (d *Device) State() State { return d.state }

// LastError is the most recent fault, or the tolerated voltage-check failure
// of a legacy card. Nil when nothing went wrong.
func (d *Device) LastError() error { return d.lastErr }

// Legacy reports whether the card failed CMD8 and was accepted anyway.
func (d *Device) Legacy() bool { return d.legacy }

// BlockAddressing reports whether sectors go on the wire unscaled.
func (d *Device) BlockAddressing() bool { return d.blockAddr }

// OCR returns the operating conditions register read during auto-detection,
// or zero if it was never read.
func (d *Device) OCR() uint32 { return d.ocr }

// Config returns the effective configuration.
func (d *Device) Config() Config { return d.cfg }

func (d *Device) setState(s State) {
	if s != d.state {
		d.cfg.Logger.Debug("state", "from", d.state.String(), "to", s.String())
	}
	d.state = s
}

// fault moves the session to Faulted and returns err for convenience.
func (d *Device) fault(err error) error {
	d.lastErr = err
	d.setState(StateFaulted)
	d.cfg.Logger.Warn("fault", "err", err.Error())
	return err
}

// demote drops a Ready session to Faulted when the card or the transport has
// stopped answering. Refusals and data-phase timeouts leave it Ready.
func (d *Device) demote(err error) error {
	switch errcode.Of(err) {
	case errcode.NoResponse, errcode.Transport:
		return d.fault(err)
	}
	return err
}

// ---- bus primitives ----

func (d *Device) exchange(b byte) (byte, error) {
	r, err := d.bus.Transfer(b)
	if err != nil {
		return 0, errcode.Wrap(errcode.Transport, "exchange", err)
	}
	return r, nil
}

func (d *Device) selectCard() { d.cs.Set(false) }

// deselect raises chip select and clocks one filler byte so the card
// releases its output. The transfer error is deliberately dropped: the line
// is already high and there is nothing left to recover.
func (d *Device) deselect() {
	d.cs.Set(true)
	_, _ = d.bus.Transfer(filler)
}

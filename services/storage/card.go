package storage

import (
	"sdspi-go/drivers/sdcard"
	"sdspi-go/errcode"
	"sdspi-go/types"
	"sdspi-go/x/mathx"
	"sdspi-go/x/timex"
)

const maxTimer = 1_000_000

// card is one attached SD card. Only the service goroutine touches it, which
// is what serialises access to the driver.
type card struct {
	name string
	cfg  types.CardConfig
	mode sdcard.AddressMode
	dev  sdcard.Device

	reads  uint32
	writes uint32
	last   errcode.Code // code of the most recent failed operation

	buf [sdcard.SectorSize]byte
}

// driverConfig validates cc and derives the driver configuration.
func driverConfig(cc types.CardConfig) (sdcard.Config, errcode.Code) {
	if cc.Name == "" || cc.SPI == "" {
		return sdcard.Config{}, errcode.InvalidParams
	}
	if cc.CSPin < 0 {
		return sdcard.Config{}, errcode.UnknownPin
	}
	mode, ok := sdcard.ParseAddressMode(cc.Addressing)
	if !ok {
		return sdcard.Config{}, errcode.InvalidParams
	}
	return sdcard.Config{
		InitTimer:          mathx.Clamp(cc.InitTimer, 0, maxTimer),
		ReadTimer:          mathx.Clamp(cc.ReadTimer, 0, maxTimer),
		WriteTimer:         mathx.Clamp(cc.WriteTimer, 0, maxTimer),
		Addressing:         mode,
		StrictVoltageCheck: cc.StrictVoltageCheck,
		ComputeCRC:         cc.ComputeCRC,
	}, ""
}

func (c *card) init() error {
	err := c.dev.Init()
	c.note(err)
	return err
}

func (c *card) read(sector uint32) ([]byte, error) {
	if err := c.dev.ReadSector(sector, &c.buf); err != nil {
		c.note(err)
		return nil, err
	}
	c.reads++
	c.last = ""
	return append([]byte(nil), c.buf[:]...), nil
}

func (c *card) write(sector uint32, data []byte) error {
	if len(data) > sdcard.SectorSize {
		return &errcode.E{C: errcode.InvalidPayload, Op: "write", Msg: "data longer than a sector"}
	}
	c.buf = [sdcard.SectorSize]byte{}
	copy(c.buf[:], data)
	if err := c.dev.WriteSector(sector, &c.buf); err != nil {
		c.note(err)
		return err
	}
	c.writes++
	c.last = ""
	return nil
}

func (c *card) note(err error) {
	if err == nil {
		c.last = ""
		return
	}
	c.last = errcode.Of(err)
}

func (c *card) status() types.CardStatus {
	st := types.CardStatus{
		State:  c.dev.State().String(),
		Legacy: c.dev.Legacy(),
		OCR:    c.dev.OCR(),
		Reads:  c.reads,
		Writes: c.writes,
		Error:  string(c.last),
		TSms:   timex.NowMs(),
	}
	switch c.dev.State() {
	case sdcard.StateReady:
		st.Link = types.LinkUp
	case sdcard.StateFaulted:
		st.Link = types.LinkDegraded
	default:
		st.Link = types.LinkDown
	}
	switch {
	case c.dev.State() == sdcard.StateReady || c.mode != sdcard.AddrAuto:
		if c.dev.BlockAddressing() {
			st.Addressing = sdcard.AddrBlock.String()
		} else {
			st.Addressing = sdcard.AddrByte.String()
		}
	default:
		st.Addressing = sdcard.AddrAuto.String()
	}
	return st
}

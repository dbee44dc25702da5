package sdcard

import (
	"sdspi-go/errcode"
)

// address converts a sector index to the CMD17/CMD24 argument.
func (d *Device) address(sector uint32) (uint32, error) {
	if d.blockAddr {
		return sector, nil
	}
	if sector > maxByteSector {
		return 0, &errcode.E{C: errcode.AddressRange, Msg: "sector beyond byte-addressable range"}
	}
	return sector * SectorSize, nil
}

func (d *Device) requireReady(op string) error {
	if d.state != StateReady {
		return &errcode.E{C: errcode.NotReady, Op: op, Msg: d.state.String()}
	}
	return nil
}

// ReadSector reads one 512-byte sector into out.
//
// A nonzero CMD17 status fails with ReadRejected before any start-token
// polling. The two trailing CRC bytes are clocked out and discarded.
func (d *Device) ReadSector(sector uint32, out *[SectorSize]byte) error {
	if err := d.requireReady("read_sector"); err != nil {
		return err
	}
	arg, err := d.address(sector)
	if err != nil {
		return err
	}

	d.selectCard()
	defer d.deselect()

	r, err := d.command(Command{Index: CMD17, Arg: arg, Kind: R1, CRC: crcFiller})
	if err != nil {
		return d.demote(err)
	}
	if r.R1 != 0 {
		return &errcode.E{C: errcode.ReadRejected, Op: "cmd17", Msg: r1Msg(r.R1)}
	}

	if err := d.waitToken(); err != nil {
		return d.demote(err)
	}
	for i := range out {
		b, err := d.exchange(filler)
		if err != nil {
			return d.demote(err)
		}
		out[i] = b
	}
	// CRC16, not checked: the card runs with CRC off.
	for i := 0; i < 2; i++ {
		if _, err := d.exchange(filler); err != nil {
			return d.demote(err)
		}
	}
	return nil
}

func (d *Device) waitToken() error {
	for i := 0; i < d.cfg.ReadTimer; i++ {
		b, err := d.exchange(filler)
		if err != nil {
			return err
		}
		if b == StartToken {
			return nil
		}
	}
	return &errcode.E{C: errcode.ReadTimeout, Op: "cmd17"}
}

// WriteSector writes one 512-byte sector from data.
//
// A data response whose low nibble is not AcceptToken fails with
// WriteRejected before the busy poll is entered.
func (d *Device) WriteSector(sector uint32, data *[SectorSize]byte) error {
	if err := d.requireReady("write_sector"); err != nil {
		return err
	}
	arg, err := d.address(sector)
	if err != nil {
		return err
	}

	d.selectCard()
	defer d.deselect()

	r, err := d.command(Command{Index: CMD24, Arg: arg, Kind: R1, CRC: crcFiller})
	if err != nil {
		return d.demote(err)
	}
	if r.R1 != 0 {
		return &errcode.E{C: errcode.WriteRejected, Op: "cmd24", Msg: r1Msg(r.R1)}
	}

	if _, err := d.exchange(StartToken); err != nil {
		return d.demote(err)
	}
	for _, b := range data {
		if _, err := d.exchange(b); err != nil {
			return d.demote(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := d.exchange(filler); err != nil {
			return d.demote(err)
		}
	}

	resp, err := d.exchange(filler)
	if err != nil {
		return d.demote(err)
	}
	if resp&0x0F != AcceptToken {
		return &errcode.E{C: errcode.WriteRejected, Op: "data_response", Msg: dataRespMsg(resp)}
	}

	// 0x00 while the card programs the block.
	for i := 0; i < d.cfg.WriteTimer; i++ {
		b, err := d.exchange(filler)
		if err != nil {
			return d.demote(err)
		}
		if b != 0 {
			return nil
		}
	}
	return &errcode.E{C: errcode.WriteTimeout, Op: "busy"}
}

func r1Msg(r1 byte) string {
	switch {
	case r1 == filler:
		return "no status"
	case r1&R1AddressError != 0:
		return "address error"
	case r1&R1ParamError != 0:
		return "parameter error"
	case r1&R1IllegalCmd != 0:
		return "illegal command"
	case r1&R1CRCError != 0:
		return "crc error"
	case r1&R1Idle != 0:
		return "card idle"
	default:
		return "status error"
	}
}

func dataRespMsg(resp byte) string {
	switch resp & 0x1F {
	case 0x0B:
		return "crc error"
	case 0x0D:
		return "write error"
	default:
		return "bad token"
	}
}

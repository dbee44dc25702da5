package sdcard

import (
	"encoding/binary"

	"sdspi-go/errcode"
)

// ResponseKind is the shape of the reply a command expects.
type ResponseKind uint8

const (
	R1 ResponseKind = iota // status byte only
	R3                     // status byte + OCR
	R7                     // status byte + echoed interface condition
)

// trailerLen is the number of bytes that follow the status byte.
func (k ResponseKind) trailerLen() int {
	if k == R3 || k == R7 {
		return 4
	}
	return 0
}

// R1 status bits.
const (
	R1Idle          = 1 << 0
	R1EraseReset    = 1 << 1
	R1IllegalCmd    = 1 << 2
	R1CRCError      = 1 << 3
	R1EraseSeqError = 1 << 4
	R1AddressError  = 1 << 5
	R1ParamError    = 1 << 6
)

// Command is one 6-byte command frame.
type Command struct {
	Index byte // 6-bit command index
	Arg   uint32
	Kind  ResponseKind
	CRC   byte // already shifted and end-bit terminated
}

// Frame renders the wire bytes: start+index, argument MSB first, CRC.
func (c Command) Frame() [6]byte {
	var f [6]byte
	f[0] = 0x40 | (c.Index & 0x3F)
	binary.BigEndian.PutUint32(f[1:5], c.Arg)
	f[5] = c.CRC
	return f
}

// Response is a parsed reply. It is consumed immediately, never stored.
type Response struct {
	Kind    ResponseKind
	R1      byte
	Trailer [4]byte
}

// Idle reports the in-idle-state bit.
func (r Response) Idle() bool { return r.R1&R1Idle != 0 }

// IllegalCommand reports the illegal-command bit.
func (r Response) IllegalCommand() bool { return r.R1&R1IllegalCmd != 0 }

// Errors returns the R1 bits other than idle.
func (r Response) Errors() byte { return r.R1 &^ R1Idle }

// Value is the trailer as a big-endian word (OCR for R3, echo for R7).
func (r Response) Value() uint32 { return binary.BigEndian.Uint32(r.Trailer[:]) }

// Well-known commands.
var (
	cmdGoIdle = Command{Index: CMD0, Arg: 0, Kind: R1, CRC: crcCMD0}
	cmdIfCond = Command{Index: CMD8, Arg: ifCondArg, Kind: R7, CRC: crcCMD8}
	cmdAppCmd = Command{Index: CMD55, Arg: 0, Kind: R1, CRC: crcFiller}
	cmdOpCond = Command{Index: ACMD41, Arg: hcsArg, Kind: R1, CRC: crcFiller}
	cmdReadOC = Command{Index: CMD58, Arg: 0, Kind: R3, CRC: crcFiller}
)

// NewCommand builds a command with the CRC the driver would use by default:
// the fixed values for CMD0/CMD8 with their standard arguments, the filler
// otherwise.
func NewCommand(index byte, arg uint32, kind ResponseKind) Command {
	c := Command{Index: index, Arg: arg, Kind: kind, CRC: crcFiller}
	switch {
	case index == CMD0 && arg == 0:
		c.CRC = crcCMD0
	case index == CMD8 && arg == ifCondArg:
		c.CRC = crcCMD8
	}
	return c
}

// SendCommand selects the card, issues c and deselects. Use it for one-shot
// commands; multi-phase operations keep the card selected themselves.
func (d *Device) SendCommand(c Command) (Response, error) {
	d.selectCard()
	defer d.deselect()
	return d.command(c)
}

// command frames c and polls for the reply. Chip select is the caller's.
func (d *Device) command(c Command) (Response, error) {
	if d.cfg.ComputeCRC {
		c.CRC = CommandCRC(c.Index, c.Arg)
	}
	frame := c.Frame()
	for _, b := range frame {
		if _, err := d.exchange(b); err != nil {
			return Response{}, err
		}
	}

	resp := Response{Kind: c.Kind, R1: filler}
	found := false
	for i := 0; i < responsePolls; i++ {
		b, err := d.exchange(filler)
		if err != nil {
			return Response{}, err
		}
		if b != filler {
			resp.R1 = b
			found = true
			break
		}
	}
	if !found {
		return resp, &errcode.E{C: errcode.NoResponse, Op: cmdName(c.Index)}
	}

	for i := 0; i < c.Kind.trailerLen(); i++ {
		b, err := d.exchange(filler)
		if err != nil {
			return Response{}, err
		}
		resp.Trailer[i] = b
	}
	return resp, nil
}

func cmdName(index byte) string {
	switch index {
	case CMD0:
		return "cmd0"
	case CMD8:
		return "cmd8"
	case CMD17:
		return "cmd17"
	case CMD24:
		return "cmd24"
	case CMD55:
		return "cmd55"
	case CMD58:
		return "cmd58"
	case ACMD41:
		return "acmd41"
	default:
		return "cmd"
	}
}

package sdcard

import "github.com/sigurn/crc8"

// CRC-7/MMC run through an 8-bit register: the polynomial is pre-shifted by
// one, so the result is crc7<<1 with bit 0 free for the end bit.
var crc7Table = crc8.MakeTable(crc8.Params{
	Poly:   0x12,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xEA,
	Name:   "CRC-7/MMC<<1",
})

// CommandCRC returns the frame's last byte for the given command: CRC7 in
// bits 7..1 and the end bit set.
func CommandCRC(index byte, arg uint32) byte {
	b := [5]byte{0x40 | (index & 0x3F), byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg)}
	return crc8.Checksum(b[:], crc7Table) | 0x01
}

// ValidFrameCRC reports whether frame carries a correct CRC7 and end bit.
func ValidFrameCRC(frame [6]byte) bool {
	return crc8.Checksum(frame[:5], crc7Table)|0x01 == frame[5]
}

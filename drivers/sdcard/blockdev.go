package sdcard

import (
	"math"

	"sdspi-go/errcode"
	"sdspi-go/x/mathx"
)

// BlockDevice layers multi-sector and byte-offset access over a Device.
// Every call is built from single-sector transfers; an error stops at the
// sector that failed and reports how many bytes got through.
type BlockDevice struct {
	dev     *Device
	scratch [SectorSize]byte
}

// NewBlockDevice wraps d. d must be Ready before any I/O.
func NewBlockDevice(d *Device) *BlockDevice {
	return &BlockDevice{dev: d}
}

// BlockSize is always SectorSize.
func (b *BlockDevice) BlockSize() int { return SectorSize }

// Device returns the wrapped card.
func (b *BlockDevice) Device() *Device { return b.dev }

// ReadBlocks reads len(p)/SectorSize sectors starting at start.
// len(p) must be a multiple of SectorSize.
func (b *BlockDevice) ReadBlocks(start uint32, p []byte) (int, error) {
	if err := checkBlocks(start, len(p)); err != nil {
		return 0, err
	}
	n := 0
	for s := start; n < len(p); s++ {
		if err := b.dev.ReadSector(s, (*[SectorSize]byte)(p[n:n+SectorSize])); err != nil {
			return n, err
		}
		n += SectorSize
	}
	return n, nil
}

// WriteBlocks writes len(p)/SectorSize sectors starting at start.
// len(p) must be a multiple of SectorSize.
func (b *BlockDevice) WriteBlocks(start uint32, p []byte) (int, error) {
	if err := checkBlocks(start, len(p)); err != nil {
		return 0, err
	}
	n := 0
	for s := start; n < len(p); s++ {
		if err := b.dev.WriteSector(s, (*[SectorSize]byte)(p[n:n+SectorSize])); err != nil {
			return n, err
		}
		n += SectorSize
	}
	return n, nil
}

func checkBlocks(start uint32, n int) error {
	if n%SectorSize != 0 {
		return &errcode.E{C: errcode.InvalidParams, Msg: "length not a multiple of the sector size"}
	}
	if uint64(start)+uint64(n/SectorSize) > math.MaxUint32+1 {
		return &errcode.E{C: errcode.AddressRange, Msg: "run past last sector"}
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (b *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkSpan(off, len(p)); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		pos := uint64(off) + uint64(n)
		sector, inner := uint32(pos/SectorSize), int(pos%SectorSize)
		if inner == 0 && len(p)-n >= SectorSize {
			if err := b.dev.ReadSector(sector, (*[SectorSize]byte)(p[n:n+SectorSize])); err != nil {
				return n, err
			}
			n += SectorSize
			continue
		}
		if err := b.dev.ReadSector(sector, &b.scratch); err != nil {
			return n, err
		}
		n += copy(p[n:], b.scratch[inner:])
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Partial sectors are read, patched and
// written back.
func (b *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := checkSpan(off, len(p)); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		pos := uint64(off) + uint64(n)
		sector, inner := uint32(pos/SectorSize), int(pos%SectorSize)
		if inner == 0 && len(p)-n >= SectorSize {
			if err := b.dev.WriteSector(sector, (*[SectorSize]byte)(p[n:n+SectorSize])); err != nil {
				return n, err
			}
			n += SectorSize
			continue
		}
		if err := b.dev.ReadSector(sector, &b.scratch); err != nil {
			return n, err
		}
		c := copy(b.scratch[inner:], p[n:])
		if err := b.dev.WriteSector(sector, &b.scratch); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

func checkSpan(off int64, n int) error {
	if off < 0 {
		return &errcode.E{C: errcode.InvalidParams, Msg: "negative offset"}
	}
	sectors := mathx.CeilDiv(uint64(off)+uint64(n), SectorSize)
	if sectors > math.MaxUint32+1 {
		return &errcode.E{C: errcode.AddressRange, Msg: "span past last sector"}
	}
	return nil
}

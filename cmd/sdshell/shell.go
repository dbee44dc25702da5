//go:build !rp2040 && !rp2350

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"sdspi-go/bus"
	"sdspi-go/drivers/sdcard"
	"sdspi-go/errcode"
	"sdspi-go/services/storage"
	"sdspi-go/types"
	"sdspi-go/x/conv"

	"github.com/google/shlex"
)

const usage = `commands:
  init                    run the card init sequence
  status                  show the card's status
  read <sector>           show the first 16 bytes of a sector
  dump <sector>           hex dump a whole sector
  write <sector> <text>   write text (zero padded) to a sector
  fill <sector> <byte>    fill a sector with one byte value
  card <name>             address another card
  help                    this text
  quit                    leave`

type shell struct {
	conn    *bus.Connection
	card    string
	timeout time.Duration
}

func newShell(conn *bus.Connection, card string, timeout time.Duration) *shell {
	return &shell{conn: conn, card: card, timeout: timeout}
}

// waitReady blocks until the storage service has taken a configuration.
func (s *shell) waitReady(ctx context.Context, d time.Duration) error {
	sub := s.conn.Subscribe(bus.T("storage", "state"))
	defer s.conn.Unsubscribe(sub)
	deadline := time.After(d)
	for {
		select {
		case m := <-sub.Channel():
			if st, ok := m.Payload.(types.ServiceState); ok && st.Level == "ready" {
				return nil
			}
		case <-deadline:
			return errors.New("storage service not ready")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *shell) execLine(ctx context.Context, line string, out io.Writer) (quit bool, err error) {
	args, err := shlex.Split(line)
	if err != nil {
		return false, err
	}
	if len(args) == 0 {
		return false, nil
	}

	switch cmd := args[0]; cmd {
	case "quit", "exit":
		return true, nil

	case "help", "?":
		fmt.Fprintln(out, usage)

	case "card":
		if len(args) != 2 {
			return false, errors.New("usage: card <name>")
		}
		s.card = args[1]

	case "init":
		if _, err := s.request(ctx, storage.VerbInit, nil); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "ready")

	case "status":
		p, err := s.request(ctx, storage.VerbStatus, nil)
		if err != nil {
			return false, err
		}
		st, _ := p.(types.CardStatus)
		fmt.Fprintf(out, "link=%s state=%s addressing=%s legacy=%t reads=%d writes=%d",
			st.Link, st.State, st.Addressing, st.Legacy, st.Reads, st.Writes)
		if st.OCR != 0 {
			fmt.Fprintf(out, " ocr=0x%08X", st.OCR)
		}
		if st.Error != "" {
			fmt.Fprintf(out, " error=%s", st.Error)
		}
		fmt.Fprintln(out)

	case "read", "dump":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: %s <sector>", cmd)
		}
		sector, err := parseSector(args[1])
		if err != nil {
			return false, err
		}
		data, err := s.readSector(ctx, sector)
		if err != nil {
			return false, err
		}
		if cmd == "read" {
			data = data[:16]
		}
		hexDump(out, data)

	case "write":
		if len(args) != 3 {
			return false, errors.New("usage: write <sector> <text>")
		}
		sector, err := parseSector(args[1])
		if err != nil {
			return false, err
		}
		if len(args[2]) > sdcard.SectorSize {
			return false, errors.New("text longer than a sector")
		}
		if _, err := s.request(ctx, storage.VerbWrite, types.SectorWrite{Sector: sector, Data: []byte(args[2])}); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "wrote %d bytes to sector %d\n", len(args[2]), sector)

	case "fill":
		if len(args) != 3 {
			return false, errors.New("usage: fill <sector> <byte>")
		}
		sector, err := parseSector(args[1])
		if err != nil {
			return false, err
		}
		v, err := strconv.ParseUint(args[2], 0, 8)
		if err != nil {
			return false, fmt.Errorf("bad byte value %q", args[2])
		}
		data := make([]byte, sdcard.SectorSize)
		for i := range data {
			data[i] = byte(v)
		}
		if _, err := s.request(ctx, storage.VerbWrite, types.SectorWrite{Sector: sector, Data: data}); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "filled sector %d with 0x%02X\n", sector, v)

	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (s *shell) readSector(ctx context.Context, sector uint32) ([]byte, error) {
	p, err := s.request(ctx, storage.VerbRead, types.SectorRead{Sector: sector})
	if err != nil {
		return nil, err
	}
	d, ok := p.(types.SectorData)
	if !ok || len(d.Data) != sdcard.SectorSize {
		return nil, errcode.InvalidPayload
	}
	return d.Data, nil
}

// request sends one control and turns an error reply into its code.
func (s *shell) request(ctx context.Context, verb string, payload any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply, err := s.conn.RequestWait(ctx, s.conn.NewMessage(storage.CardControlTopic(s.card, verb), payload, false))
	if err != nil {
		return nil, err
	}
	if er, ok := reply.Payload.(types.ErrorReply); ok {
		return nil, errcode.Code(er.Error)
	}
	return reply.Payload, nil
}

func parseSector(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad sector %q", s)
	}
	return uint32(n), nil
}

// hexDump prints 16 bytes per line: offset, hex, printable ASCII.
func hexDump(out io.Writer, p []byte) {
	var off [8]byte
	line := make([]byte, 0, 80)
	for i := 0; i < len(p); i += 16 {
		end := min(i+16, len(p))
		line = line[:0]
		line = append(line, conv.U32Hex(off[:], uint32(i))[4:]...)
		line = append(line, "  "...)
		line = conv.HexLine(line, p[i:end])
		for j := end; j < i+16; j++ {
			line = append(line, "   "...)
		}
		line = append(line, "  |"...)
		for _, b := range p[i:end] {
			if b < 0x20 || b > 0x7E {
				b = '.'
			}
			line = append(line, b)
		}
		line = append(line, '|', '\n')
		out.Write(line)
	}
}

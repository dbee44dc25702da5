package sdcard

import (
	"encoding/binary"
	"testing"

	"sdspi-go/x/logx"
)

// scriptSPI is a scripted card: it parses command frames while selected and
// lets a per-test handler decide what the card sends back. It doubles as the
// chip-select pin.
type scriptSPI struct {
	handler func(m *scriptSPI, idx byte, arg uint32)

	out       []byte
	frame     []byte
	skip      int    // bytes to take raw (data phase) before parsing again
	afterSkip []byte // queued once skip drains

	selected  bool
	pinLog    []bool
	sent      []byte // bytes received while selected
	frames    [][6]byte
	transfers int

	failAt int // 1-based transfer index that starts failing; 0 = never
	failErr error
}

func (m *scriptSPI) Set(level bool) {
	m.pinLog = append(m.pinLog, level)
	m.selected = !level
	if level {
		m.out = nil
		m.frame = nil
		m.skip = 0
		m.afterSkip = nil
	}
}

func (m *scriptSPI) Transfer(b byte) (byte, error) {
	m.transfers++
	if m.failAt > 0 && m.transfers >= m.failAt {
		return 0, m.failErr
	}
	if !m.selected {
		return 0xFF, nil
	}
	m.sent = append(m.sent, b)

	out := byte(0xFF)
	if len(m.out) > 0 {
		out = m.out[0]
		m.out = m.out[1:]
	}

	switch {
	case m.skip > 0:
		m.skip--
		if m.skip == 0 {
			m.out = append(m.out, m.afterSkip...)
			m.afterSkip = nil
		}
	case len(m.frame) == 0 && b&0xC0 != 0x40:
	default:
		m.frame = append(m.frame, b)
		if len(m.frame) == 6 {
			var f [6]byte
			copy(f[:], m.frame)
			m.frame = nil
			m.frames = append(m.frames, f)
			if m.handler != nil {
				m.handler(m, f[0]&0x3F, binary.BigEndian.Uint32(f[1:5]))
			}
		}
	}
	return out, nil
}

func (m *scriptSPI) Tx(w, r []byte) error {
	for i := range w {
		b, err := m.Transfer(w[i])
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = b
		}
	}
	return nil
}

// reply queues one filler byte (NCR) followed by bs.
func (m *scriptSPI) reply(bs ...byte) {
	m.out = append(m.out, 0xFF)
	m.out = append(m.out, bs...)
}

// released reports that the pin ended high and every low was paired.
func (m *scriptSPI) released() bool {
	lows, highs := 0, 0
	for _, l := range m.pinLog {
		if l {
			highs++
		} else {
			lows++
		}
	}
	return !m.selected && highs >= lows
}

func (m *scriptSPI) countFrames(idx byte) int {
	n := 0
	for _, f := range m.frames {
		if f[0]&0x3F == idx {
			n++
		}
	}
	return n
}

// healthyCard answers the init sequence and becomes ready on ACMD41 number
// readyAt (1-based). readyAt <= 0 never leaves idle.
func healthyCard(readyAt int) func(m *scriptSPI, idx byte, arg uint32) {
	acmd := 0
	return func(m *scriptSPI, idx byte, arg uint32) {
		switch idx {
		case CMD0, CMD55:
			m.reply(R1Idle)
		case CMD8:
			m.reply(R1Idle, 0x00, 0x00, byte(arg>>8)&0x0F, byte(arg))
		case ACMD41:
			acmd++
			if readyAt > 0 && acmd >= readyAt {
				m.reply(0x00)
			} else {
				m.reply(R1Idle)
			}
		case CMD58:
			m.reply(0x00, 0xC0, 0xFF, 0x80, 0x00)
		default:
			m.reply(R1IllegalCmd)
		}
	}
}

func newTestDevice(t *testing.T, m *scriptSPI, cfg Config) *Device {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logx.Discard()
	}
	d := New(m, m)
	d.Configure(cfg)
	return &d
}

// readyDevice skips the init sequence.
func readyDevice(t *testing.T, m *scriptSPI, cfg Config) *Device {
	t.Helper()
	d := newTestDevice(t, m, cfg)
	d.state = StateReady
	return d
}

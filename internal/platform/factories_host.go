//go:build !rp2040 && !rp2350

package platform

import (
	"sync"
	"time"

	"sdspi-go/drivers/sdcard/sdcardsim"
	"sdspi-go/services/storage"

	"tinygo.org/x/drivers"
)

// DeviceID selects the embedded configuration.
const DeviceID = "host"

// BootDelay is how long programs wait before their first output.
const BootDelay time.Duration = 0

// Board is a host stand-in for the wiring: named SPI buses, each with
// simulated cards hanging off GPIO chip selects. It serves as both the SPI
// and the pin factory of the storage service.
type Board struct {
	mu    sync.Mutex
	buses map[string]*SimBus
	pins  map[int]*SimPin
}

func NewBoard() *Board {
	return &Board{buses: map[string]*SimBus{}, pins: map[int]*SimPin{}}
}

// AddCard wires a new simulated card to busID with chip select on pin cs.
func (b *Board) AddCard(busID string, cs int, opt sdcardsim.Options) *sdcardsim.Card {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, ok := b.buses[busID]
	if !ok {
		sb = &SimBus{}
		b.buses[busID] = sb
	}
	c := sdcardsim.New(opt)
	sb.attach(c)
	b.pins[cs] = &SimPin{number: cs, level: true, card: c}
	return c
}

// Card returns the card selected by pin cs, if any.
func (b *Board) Card(cs int) (*sdcardsim.Card, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[cs]
	if !ok || p.card == nil {
		return nil, false
	}
	return p.card, true
}

// ByID implements storage.SPIFactory.
func (b *Board) ByID(id string) (drivers.SPI, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, ok := b.buses[id]
	if !ok {
		return nil, false
	}
	return sb, true
}

// ByNumber implements storage.PinFactory. Pins without a card are plain
// outputs.
func (b *Board) ByNumber(n int) (storage.OutputPin, bool) {
	if n < 0 || n > 28 {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[n]
	if !ok {
		p = &SimPin{number: n, level: true}
		b.pins[n] = p
	}
	return p, true
}

// SimBus is a shared SPI bus. MISO is wired-AND across the selected cards;
// with nothing selected it idles high.
type SimBus struct {
	mu    sync.Mutex
	cards []*sdcardsim.Card
}

func (s *SimBus) attach(c *sdcardsim.Card) {
	s.mu.Lock()
	s.cards = append(s.cards, c)
	s.mu.Unlock()
}

func (s *SimBus) Transfer(w byte) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := byte(0xFF)
	for _, c := range s.cards {
		if !c.Selected() {
			continue
		}
		r, err := c.Transfer(w)
		if err != nil {
			return 0, err
		}
		out &= r
	}
	return out, nil
}

func (s *SimBus) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		in := byte(0xFF)
		if i < len(w) {
			in = w[i]
		}
		b, err := s.Transfer(in)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = b
		}
	}
	return nil
}

// SimPin is a GPIO output, optionally driving a card's chip select.
type SimPin struct {
	mu     sync.Mutex
	number int
	level  bool
	card   *sdcardsim.Card
}

func (p *SimPin) ConfigureOutput(initial bool) error {
	p.Set(initial)
	return nil
}

func (p *SimPin) Set(level bool) {
	p.mu.Lock()
	p.level = level
	c := p.card
	p.mu.Unlock()
	if c != nil {
		c.Set(level)
	}
}

func (p *SimPin) Get() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *SimPin) Number() int { return p.number }

// ---- defaults ----

var (
	defaultOnce  sync.Once
	defaultBoard *Board
)

// DefaultBoard is the host wiring used by the programs: a 1 MiB standard
// card on spi0 (CS GP17) and a 16 MiB SDHC card on spi1 (CS GP13).
func DefaultBoard() *Board {
	defaultOnce.Do(func() {
		defaultBoard = NewBoard()
		defaultBoard.AddCard("spi0", 17, sdcardsim.Options{Sectors: 2048, InitPolls: 3})
		defaultBoard.AddCard("spi1", 13, sdcardsim.Options{Sectors: 32768, HighCapacity: true, InitPolls: 5})
	})
	return defaultBoard
}

// DefaultSPIFactory returns the SPI side of DefaultBoard.
func DefaultSPIFactory() storage.SPIFactory { return DefaultBoard() }

// DefaultPinFactory returns the GPIO side of DefaultBoard.
func DefaultPinFactory() storage.PinFactory { return DefaultBoard() }

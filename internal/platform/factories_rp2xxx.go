//go:build rp2040 || rp2350

package platform

import (
	"machine"
	"time"

	"sdspi-go/services/storage"

	"tinygo.org/x/drivers"
)

// DeviceID selects the embedded configuration.
const DeviceID = "pico"

// BootDelay lets USB CDC enumerate before programs print.
const BootDelay = 2 * time.Second

// Card initialisation must run at 100-400 kHz. The driver never retunes the
// bus, so both buses stay at the init rate.
const spiInitHz = 250 * machine.KHz

// DefaultSPIFactory configures spi0 and spi1 on the board-default pins in
// mode 0.
func DefaultSPIFactory() storage.SPIFactory {
	f := &rp2SPIFactory{buses: make(map[string]drivers.SPI)}

	s0 := machine.SPI0
	if err := s0.Configure(machine.SPIConfig{
		Frequency: spiInitHz,
		SCK:       machine.SPI0_SCK_PIN,
		SDO:       machine.SPI0_SDO_PIN,
		SDI:       machine.SPI0_SDI_PIN,
		Mode:      0,
	}); err == nil {
		f.buses["spi0"] = s0
	}

	s1 := machine.SPI1
	if err := s1.Configure(machine.SPIConfig{
		Frequency: spiInitHz,
		SCK:       machine.SPI1_SCK_PIN,
		SDO:       machine.SPI1_SDO_PIN,
		SDI:       machine.SPI1_SDI_PIN,
		Mode:      0,
	}); err == nil {
		f.buses["spi1"] = s1
	}

	return f
}

// DefaultPinFactory maps logical numbers directly to machine.Pin(n), which
// matches Pico/Pico 2 GP numbering.
func DefaultPinFactory() storage.PinFactory { return rp2PinFactory{} }

type rp2SPIFactory struct {
	buses map[string]drivers.SPI
}

func (f *rp2SPIFactory) ByID(id string) (drivers.SPI, bool) {
	b, ok := f.buses[id]
	return b, ok
}

type rp2PinFactory struct{}

func (rp2PinFactory) ByNumber(n int) (storage.OutputPin, bool) {
	// GP0..GP28 only.
	if n < 0 || n > 28 {
		return nil, false
	}
	return &rp2Pin{p: machine.Pin(n)}, true
}

type rp2Pin struct {
	p machine.Pin
}

func (r *rp2Pin) ConfigureOutput(initial bool) error {
	r.p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	r.p.Set(initial)
	return nil
}

func (r *rp2Pin) Set(level bool) { r.p.Set(level) }

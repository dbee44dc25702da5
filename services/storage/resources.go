package storage

import "tinygo.org/x/drivers"

// SPIFactory injects configured SPI buses by id ("spi0", "spi1").
// The bus must already be clocked for card initialisation.
type SPIFactory interface {
	ByID(id string) (drivers.SPI, bool)
}

// OutputPin is the part of a GPIO the service needs for chip select.
type OutputPin interface {
	ConfigureOutput(initial bool) error
	Set(level bool)
}

// PinFactory supplies GPIO pins by board number.
type PinFactory interface {
	ByNumber(n int) (OutputPin, bool)
}

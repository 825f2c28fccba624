// Package hostio drives JTAG from the host: SBC GPIO lines with an SPI
// controller as the hardware shifter, or an FT232H used as a bit-bang port.
package hostio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/host/v3"
)

// Config names the lines and the SPI port of a GPIO adapter.
type Config struct {
	TCK, TMS, TDI, TDO string
	// SPIPort is a spireg name such as "SPI0.0"; empty bit-bangs bulk
	// transfers too.
	SPIPort string
	Hz      int64
	// Glitch is set when routing TCK to the SPI controller clocks once.
	Glitch bool
}

var (
	ErrPinNotFound = errors.New("hostio: pin not found")
	ErrNoAdapter   = errors.New("hostio: no FT232H found")
)

var hostInitialized atomic.Bool

func initHost() error {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			hostInitialized.Store(false)
			return fmt.Errorf("hostio: host initialization failed: %w", err)
		}
	}
	return nil
}

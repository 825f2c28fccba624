package hostio

import (
	"fmt"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
)

// Lines are the four JTAG pins.
type Lines struct {
	TCK, TMS, TDI, TDO gpio.PinIO
}

// GPIO is a bitio.Conn on host GPIO pins. TCK idles high; bulk transfers
// use an SPI controller in mode 3 whose clock, MOSI and MISO share the
// TCK, TDI and TDO pins.
type GPIO struct {
	lines   Lines
	spi     spi.Conn
	port    spi.PortCloser
	soft    bitio.SoftShifter
	glitch  bool
	engaged bool
	tdo     bool
	tdi     gpio.Level
	err     error
}

// NewGPIO wraps already opened lines. A nil s makes bulk transfers
// bit-banged.
func NewGPIO(lines Lines, s spi.Conn, glitch bool) *GPIO {
	g := &GPIO{lines: lines, spi: s, glitch: glitch && s != nil}
	g.soft = bitio.SoftShifter{Pins: g}
	return g
}

// OpenGPIO looks the pins up in the periph registry and connects the SPI
// port when one is configured.
func OpenGPIO(cfg Config) (*GPIO, error) {
	if err := initHost(); err != nil {
		return nil, err
	}
	var lines Lines
	for _, p := range []struct {
		name string
		dst  *gpio.PinIO
	}{{cfg.TCK, &lines.TCK}, {cfg.TMS, &lines.TMS}, {cfg.TDI, &lines.TDI}, {cfg.TDO, &lines.TDO}} {
		if *p.dst = gpioreg.ByName(p.name); *p.dst == nil {
			return nil, fmt.Errorf("%w: %q", ErrPinNotFound, p.name)
		}
	}
	if cfg.SPIPort == "" {
		return NewGPIO(lines, nil, false), nil
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("hostio: open %s: %w", cfg.SPIPort, err)
	}
	hz := physic.Frequency(cfg.Hz) * physic.Hertz
	if hz == 0 {
		hz = 10 * physic.MegaHertz
	}
	// Mode 3: TCK idles high, TDI is sampled on the rising edge.
	c, err := port.Connect(hz, spi.Mode3, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("hostio: connect %s: %w", cfg.SPIPort, err)
	}
	g := NewGPIO(lines, c, cfg.Glitch)
	g.port = port
	glog.V(1).Infof("hostio: %s at %s, TCK=%s TMS=%s TDI=%s TDO=%s", cfg.SPIPort, hz, cfg.TCK, cfg.TMS, cfg.TDI, cfg.TDO)
	return g, nil
}

func (g *GPIO) fail(err error) {
	if err != nil && g.err == nil {
		g.err = err
	}
}

func (g *GPIO) SetTMS(high bool) { g.fail(g.lines.TMS.Out(gpio.Level(high))) }

func (g *GPIO) SetTDI(high bool) {
	g.tdi = gpio.Level(high)
	g.fail(g.lines.TDI.Out(g.tdi))
}

func (g *GPIO) PulseClock() {
	g.fail(g.lines.TCK.Out(gpio.Low))
	g.tdo = bool(g.lines.TDO.Read())
	g.fail(g.lines.TCK.Out(gpio.High))
}

func (g *GPIO) ReadTDO() bool { return g.tdo }

func (g *GPIO) HWWrite(p []byte) {
	if g.spi == nil {
		g.soft.HWWrite(p)
		return
	}
	g.fail(g.spi.Tx(p, nil))
}

func (g *GPIO) HWReadInto(p []byte) {
	if g.spi == nil {
		g.soft.HWReadInto(p)
		return
	}
	g.fail(g.spi.Tx(make([]byte, len(p)), p))
}

func (g *GPIO) HWWriteRead(out, in []byte) {
	if g.spi == nil {
		g.soft.HWWriteRead(out, in)
		return
	}
	g.fail(g.spi.Tx(out, in))
}

func (g *GPIO) HandoffGlitch() bool { return g.glitch }

func route(p gpio.PinIO, f pin.Func) error {
	pf, ok := p.(pin.PinFunc)
	if !ok {
		// Hard-wired to the controller.
		return nil
	}
	return pf.SetFunc(f)
}

// EngageHardware hands TCK, TDI and TDO to the SPI controller. Without a
// controller it only marks the transport as hardware.
func (g *GPIO) EngageHardware() {
	g.engaged = true
	if g.spi == nil {
		return
	}
	g.fail(route(g.lines.TCK, spi.CLK))
	g.fail(route(g.lines.TDI, spi.MOSI))
	g.fail(route(g.lines.TDO, spi.MISO))
}

// ReleaseHardware turns the lines back into GPIO, TCK high like the idle
// SPI clock.
func (g *GPIO) ReleaseHardware() {
	if !g.engaged {
		return
	}
	g.engaged = false
	if g.spi == nil {
		return
	}
	g.fail(g.lines.TCK.Out(gpio.High))
	g.fail(g.lines.TDI.Out(g.tdi))
	g.fail(g.lines.TDO.In(gpio.PullUp, gpio.NoEdge))
}

func (g *GPIO) Acquire() error {
	g.err = nil
	g.fail(g.lines.TCK.Out(gpio.High))
	g.fail(g.lines.TMS.Out(gpio.High))
	g.fail(g.lines.TDI.Out(gpio.Low))
	g.fail(g.lines.TDO.In(gpio.PullUp, gpio.NoEdge))
	return g.err
}

// Release floats every line so the pins can be shared.
func (g *GPIO) Release() error {
	g.ReleaseHardware()
	var first error
	for _, p := range []gpio.PinIO{g.lines.TCK, g.lines.TMS, g.lines.TDI, g.lines.TDO} {
		if err := p.In(gpio.Float, gpio.NoEdge); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *GPIO) Err() error { return g.err }

// Close releases the SPI port.
func (g *GPIO) Close() error {
	if g.port != nil {
		return g.port.Close()
	}
	return nil
}

var _ bitio.Conn = (*GPIO)(nil)

package hostio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"periph.io/x/host/v3/ftdi"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
)

// Bus is the byte-wide port of an FT232H in MPSSE mode.
type Bus interface {
	DBus(direction, value byte) error
	DBusRead() (byte, error)
}

// FTDI bit-bangs JTAG on the D bus of an FT232H, one USB write per edge.
// Bulk transfers are bit-banged as well.
type FTDI struct {
	bus           Bus
	tck, tms, tdi byte
	tdoMask       byte
	dir, value    byte
	tdo           bool
	err           error
	soft          bitio.SoftShifter
	engaged       bool
	closeDev      func() error
}

func busBit(name string) (byte, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(name), "D"))
	if err != nil || n < 0 || n > 7 || !strings.HasPrefix(strings.ToUpper(name), "D") {
		return 0, fmt.Errorf("%w: %q is not D0..D7", ErrPinNotFound, name)
	}
	return 1 << uint(n), nil
}

// NewFTDI drives bus with the configured D-bus pins.
func NewFTDI(bus Bus, cfg Config) (*FTDI, error) {
	f := &FTDI{bus: bus}
	for _, p := range []struct {
		name string
		dst  *byte
	}{{cfg.TCK, &f.tck}, {cfg.TMS, &f.tms}, {cfg.TDI, &f.tdi}, {cfg.TDO, &f.tdoMask}} {
		b, err := busBit(p.name)
		if err != nil {
			return nil, err
		}
		*p.dst = b
	}
	f.soft = bitio.SoftShifter{Pins: f}
	return f, nil
}

// OpenFTDI uses the first FT232H-class device on the bus.
func OpenFTDI(cfg Config) (*FTDI, error) {
	if err := initHost(); err != nil {
		return nil, err
	}
	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		ft, ok := dev.(*ftdi.FT232H)
		if !ok {
			continue
		}
		dev.Info(&info)
		glog.V(1).Infof("hostio: using %s %04x:%04x", info.Type, info.VenID, info.DevID)
		f, err := NewFTDI(ft, cfg)
		if err != nil {
			return nil, err
		}
		f.closeDev = dev.Halt
		return f, nil
	}
	return nil, ErrNoAdapter
}

func (f *FTDI) fail(err error) {
	if err != nil && f.err == nil {
		f.err = err
	}
}

func (f *FTDI) set(mask byte, high bool) {
	if high {
		f.value |= mask
	} else {
		f.value &^= mask
	}
}

func (f *FTDI) write() { f.fail(f.bus.DBus(f.dir, f.value)) }

func (f *FTDI) SetTMS(high bool) { f.set(f.tms, high) }
func (f *FTDI) SetTDI(high bool) { f.set(f.tdi, high) }

func (f *FTDI) PulseClock() {
	f.set(f.tck, false)
	f.write()
	v, err := f.bus.DBusRead()
	f.fail(err)
	f.tdo = v&f.tdoMask != 0
	f.set(f.tck, true)
	f.write()
}

func (f *FTDI) ReadTDO() bool { return f.tdo }

func (f *FTDI) HWWrite(p []byte)           { f.soft.HWWrite(p) }
func (f *FTDI) HWReadInto(p []byte)        { f.soft.HWReadInto(p) }
func (f *FTDI) HWWriteRead(out, in []byte) { f.soft.HWWriteRead(out, in) }

func (f *FTDI) HandoffGlitch() bool { return false }
func (f *FTDI) EngageHardware()     { f.engaged = true }
func (f *FTDI) ReleaseHardware()    { f.engaged = false }

func (f *FTDI) Acquire() error {
	f.err = nil
	f.dir = f.tck | f.tms | f.tdi
	f.value = f.tck | f.tms
	f.write()
	return f.err
}

// Release turns every line back into an input.
func (f *FTDI) Release() error {
	f.dir, f.value = 0, 0
	return f.bus.DBus(0, 0)
}

func (f *FTDI) Err() error { return f.err }

// Close halts the device.
func (f *FTDI) Close() error {
	if f.closeDev != nil {
		return f.closeDev()
	}
	return nil
}

var _ bitio.Conn = (*FTDI)(nil)

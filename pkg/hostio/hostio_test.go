package hostio

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/sim"
)

// clockPin is the TCK line. A falling edge clocks the target with the levels
// on the TMS and TDI pins and puts its TDO on the TDO pin.
type clockPin struct {
	*gpiotest.Pin
	target        *sim.Sim
	tms, tdi, tdo *gpiotest.Pin
}

func (c *clockPin) Out(l gpio.Level) error {
	if c.L == gpio.High && l == gpio.Low {
		c.target.SetTMS(bool(c.tms.L))
		c.target.SetTDI(bool(c.tdi.L))
		c.target.PulseClock()
		c.tdo.L = gpio.Level(c.target.ReadTDO())
	}
	return c.Pin.Out(l)
}

// hardwired hides the pin function control, like lines fixed to the SPI
// controller.
type hardwired struct{ gpio.PinIO }

func newLines(target *sim.Sim) (Lines, []*gpiotest.Pin) {
	tck := &gpiotest.Pin{N: "TCK"}
	tms := &gpiotest.Pin{N: "TMS"}
	tdi := &gpiotest.Pin{N: "TDI"}
	tdo := &gpiotest.Pin{N: "TDO"}
	clk := &clockPin{Pin: tck, target: target, tms: tms, tdi: tdi, tdo: tdo}
	return Lines{TCK: clk, TMS: tms, TDI: tdi, TDO: tdo}, []*gpiotest.Pin{tck, tms, tdi, tdo}
}

type fastClock struct{ now time.Time }

func (c *fastClock) Now() time.Time {
	c.now = c.now.Add(time.Hour)
	return c.now
}

func (c *fastClock) Sleep(time.Duration) {}

func TestGPIOReadIDCode(t *testing.T) {
	target := sim.New(sim.Artix7)
	lines, pins := newLines(target)
	g := NewGPIO(lines, nil, true)
	if g.HandoffGlitch() {
		t.Fatalf("bit-banged shifter reports a hand-off glitch")
	}
	id, err := device.ReadIDCode(g)
	if err != nil {
		t.Fatalf("ReadIDCode: %v", err)
	}
	if id != sim.Artix7.IDCode {
		t.Fatalf("IDCODE %#08x, want %#08x", id, sim.Artix7.IDCode)
	}
	for _, p := range pins {
		if p.P != gpio.Float {
			t.Errorf("%s left with pull %s after release", p.N, p.P)
		}
	}
}

func TestGPIOFlashRoundTrip(t *testing.T) {
	chip := sim.NewFlash(1 << 16)
	target := sim.New(sim.ECP5, sim.WithFlash(chip))
	lines, _ := newLines(target)
	seq := device.New(NewGPIO(lines, nil, false), device.ECP5, device.WithClock(&fastClock{}))

	fs, err := seq.OpenFlashBridge()
	if err != nil {
		t.Fatalf("OpenFlashBridge: %v", err)
	}
	defer fs.Close()
	page := bytes.Repeat([]byte{0xA5, 0x3C}, 128)
	if err := fs.WriteBlock(page, 0x200); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got := make([]byte, len(page))
	if err := fs.ReadBlock(got, 0x200); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, page) || !bytes.Equal(chip.Mem[0x200:0x300], page) {
		t.Fatalf("round trip mismatch")
	}
}

type recordSPI struct {
	tx    [][]byte
	reply byte
	err   error
}

func (r *recordSPI) String() string               { return "record" }
func (r *recordSPI) Duplex() conn.Duplex          { return conn.Full }
func (r *recordSPI) TxPackets([]spi.Packet) error { return errors.New("unsupported") }

func (r *recordSPI) Tx(w, rd []byte) error {
	r.tx = append(r.tx, append([]byte(nil), w...))
	for i := range rd {
		rd[i] = r.reply
	}
	return r.err
}

func TestGPIOHardwareShifter(t *testing.T) {
	tck := &gpiotest.Pin{N: "TCK"}
	tdo := &gpiotest.Pin{N: "TDO"}
	lines := Lines{TCK: hardwired{tck}, TMS: &gpiotest.Pin{N: "TMS"}, TDI: hardwired{&gpiotest.Pin{N: "TDI"}}, TDO: hardwired{tdo}}
	s := &recordSPI{reply: 0x5A}
	g := NewGPIO(lines, s, true)
	if !g.HandoffGlitch() {
		t.Fatalf("glitch flag lost")
	}
	g.EngageHardware()
	g.HWWrite([]byte{1, 2, 3})
	in := make([]byte, 2)
	g.HWReadInto(in)
	g.ReleaseHardware()
	if len(s.tx) != 2 || !bytes.Equal(s.tx[0], []byte{1, 2, 3}) || !bytes.Equal(s.tx[1], []byte{0, 0}) {
		t.Fatalf("SPI transfers % X", s.tx)
	}
	if !bytes.Equal(in, []byte{0x5A, 0x5A}) {
		t.Fatalf("read % X", in)
	}
	if tck.L != gpio.High || tdo.P != gpio.PullUp {
		t.Fatalf("after release TCK=%s TDO pull=%s", tck.L, tdo.P)
	}

	s.err = errors.New("bus fault")
	g.HWWrite([]byte{0})
	s.err = nil
	g.HWWrite([]byte{0})
	if g.Err() == nil || g.Err().Error() != "bus fault" {
		t.Fatalf("Err() = %v, want the first failure", g.Err())
	}
}

// bus emulates the FT232H D bus against a simulated target.
type bus struct {
	target *sim.Sim
	cfg    map[string]byte
	value  byte
	dir    byte
}

func (b *bus) DBus(direction, value byte) error {
	tck := b.cfg["tck"]
	if b.value&tck != 0 && value&tck == 0 && direction != 0 {
		b.target.SetTMS(value&b.cfg["tms"] != 0)
		b.target.SetTDI(value&b.cfg["tdi"] != 0)
		b.target.PulseClock()
	}
	b.dir, b.value = direction, value
	return nil
}

func (b *bus) DBusRead() (byte, error) {
	if b.target.ReadTDO() {
		return b.value | b.cfg["tdo"], nil
	}
	return b.value &^ b.cfg["tdo"], nil
}

func TestFTDI(t *testing.T) {
	cfg := Config{TCK: "D0", TDI: "D1", TDO: "D2", TMS: "D3"}
	target := sim.New(sim.Cyclone5)
	b := &bus{target: target, cfg: map[string]byte{"tck": 1, "tdi": 2, "tdo": 4, "tms": 8}}
	f, err := NewFTDI(b, cfg)
	if err != nil {
		t.Fatalf("NewFTDI: %v", err)
	}
	id, err := device.ReadIDCode(f)
	if err != nil || id != sim.Cyclone5.IDCode {
		t.Fatalf("ReadIDCode = %#08x, %v", id, err)
	}
	if b.dir != 0 {
		t.Fatalf("release left direction %#02x", b.dir)
	}

	for _, bad := range []string{"C0", "D8", "X", ""} {
		c := cfg
		c.TMS = bad
		if _, err := NewFTDI(b, c); !errors.Is(err, ErrPinNotFound) {
			t.Errorf("pin %q: %v", bad, err)
		}
	}
}

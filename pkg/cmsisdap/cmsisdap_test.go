package cmsisdap

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/sim"
)

// probe answers CMSIS-DAP commands by clocking a simulated target.
type probe struct {
	target    *sim.Sim
	psize     int
	connected bool
	clockHz   uint32
	fail      error
}

func (p *probe) PacketSize() int { return p.psize }
func (p *probe) Close() error    { return nil }

func (p *probe) Transact(cmd []byte) ([]byte, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	if len(cmd) > p.psize {
		return nil, errors.New("command exceeds packet size")
	}
	switch cmd[0] {
	case CmdConnect:
		p.connected = true
		return []byte{CmdConnect, cmd[1]}, nil
	case CmdDisconnect:
		p.connected = false
		return []byte{CmdDisconnect, StatusOK}, nil
	case CmdSWJClock:
		p.clockHz = uint32(cmd[1]) | uint32(cmd[2])<<8 | uint32(cmd[3])<<16 | uint32(cmd[4])<<24
		return []byte{CmdSWJClock, StatusOK}, nil
	case CmdInfo:
		return append([]byte{CmdInfo, 4}, "test"...), nil
	case CmdJTAGSequence:
		resp := []byte{CmdJTAGSequence, StatusOK}
		off := 2
		for n := int(cmd[1]); n > 0; n-- {
			info := cmd[off]
			off++
			clocks := int(info & 0x3F)
			if clocks == 0 {
				clocks = 64
			}
			tdo := make([]byte, (clocks+7)/8)
			for b := 0; b < clocks; b++ {
				p.target.SetTMS(info&0x40 != 0)
				p.target.SetTDI(cmd[off+b/8]&(1<<uint(b%8)) != 0)
				p.target.PulseClock()
				if p.target.ReadTDO() {
					tdo[b/8] |= 1 << uint(b%8)
				}
			}
			off += len(tdo)
			if info&0x80 != 0 {
				resp = append(resp, tdo...)
			}
		}
		if len(resp) > p.psize {
			return nil, errors.New("response exceeds packet size")
		}
		return resp, nil
	}
	return []byte{cmd[0], 0xFF}, nil
}

type fastClock struct{ now time.Time }

func (c *fastClock) Now() time.Time {
	c.now = c.now.Add(time.Hour)
	return c.now
}

func (c *fastClock) Sleep(time.Duration) {}

func TestReadIDCode(t *testing.T) {
	p := &probe{target: sim.New(sim.ECP5), psize: 64}
	c := New(p, 1_000_000)
	id, err := device.ReadIDCode(c)
	if err != nil {
		t.Fatalf("ReadIDCode: %v", err)
	}
	if id != sim.ECP5.IDCode {
		t.Fatalf("IDCODE %#08x, want %#08x", id, sim.ECP5.IDCode)
	}
	if p.connected || p.clockHz != 1_000_000 {
		t.Fatalf("connected=%v clock=%d", p.connected, p.clockHz)
	}
	if info, err := c.Info(InfoVendor); err != nil || info != "test" {
		t.Fatalf("Info = %q, %v", info, err)
	}
}

func TestFlashOverProbe(t *testing.T) {
	chip := sim.NewFlash(1 << 16)
	target := sim.New(sim.ECP5, sim.WithFlash(chip))
	p := &probe{target: target, psize: 64}
	c := New(p, 0)
	fs, err := device.New(c, device.ECP5, device.WithClock(&fastClock{})).OpenFlashBridge()
	if err != nil {
		t.Fatalf("OpenFlashBridge: %v", err)
	}
	defer fs.Close()

	page := make([]byte, 256)
	for i := range page {
		page[i] = byte(i * 7)
	}
	if err := fs.WriteBlock(page, 0x100); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got := make([]byte, 256)
	before := c.Transactions
	if err := fs.ReadBlock(got, 0x100); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatalf("read back % X...", got[:8])
	}
	// 2048 payload clocks need at least 2048/(8*62) packets, but nowhere
	// near one per clock.
	if n := c.Transactions - before; n > 64 {
		t.Fatalf("read took %d transactions", n)
	}
}

func TestPackAndBatch(t *testing.T) {
	var clocks []clock
	for i := 0; i < 70; i++ {
		clocks = append(clocks, clock{false, i%2 == 0})
	}
	clocks = append(clocks, clock{true, true})
	seqs := pack(clocks)
	if len(seqs) != 3 || seqs[0].Clocks != 64 || seqs[1].Clocks != 6 || !seqs[2].TMS {
		t.Fatalf("pack = %+v", seqs)
	}
	if seqs[0].TDI[0] != 0x55 {
		t.Fatalf("TDI packed LSB first: %#02x", seqs[0].TDI[0])
	}
	want := []byte{CmdJTAGSequence, 1, 0x80 | 0x40 | 1, 1}
	if got := EncodeJTAGSequence(seqs[2:]); !bytes.Equal(got, want) {
		t.Fatalf("EncodeJTAGSequence = % X, want % X", got, want)
	}

	c := New(&probe{psize: 16}, 0)
	for _, b := range c.batch(seqs) {
		size := 2
		for _, s := range b {
			size += 1 + s.bytes()
		}
		if size > 16 {
			t.Fatalf("batch of %d bytes exceeds packet size", size)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	seqs := []Sequence{{Clocks: 16, Capture: true}}
	tests := []struct {
		name string
		resp []byte
	}{
		{"short", []byte{CmdJTAGSequence}},
		{"wrong command", []byte{CmdInfo, StatusOK, 0, 0}},
		{"failed", []byte{CmdJTAGSequence, 0xFF, 0, 0}},
		{"truncated", []byte{CmdJTAGSequence, StatusOK, 0}},
	}
	for _, tt := range tests {
		if _, err := DecodeJTAGSequence(tt.resp, seqs); !errors.Is(err, ErrResponse) {
			t.Errorf("%s: %v", tt.name, err)
		}
	}
	if err := DecodeConnect([]byte{CmdConnect, 0}, PortJTAG); !errors.Is(err, ErrResponse) {
		t.Errorf("refused connect accepted")
	}
	if _, err := DecodeInfo([]byte{CmdInfo, 9, 'x'}); !errors.Is(err, ErrResponse) {
		t.Errorf("truncated info accepted")
	}
}

func TestTransportFailureIsSticky(t *testing.T) {
	p := &probe{target: sim.New(sim.ECP5), psize: 64}
	c := New(p, 0)
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.fail = errors.New("usb gone")
	c.PulseClock()
	c.ReadTDO()
	p.fail = nil
	c.PulseClock()
	if err := c.Err(); err == nil || err.Error() != "usb gone" {
		t.Fatalf("Err() = %v", err)
	}
}

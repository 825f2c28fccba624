package cmsisdap

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
)

type clock struct{ tms, tdi bool }

// Conn is a bitio.Conn on a CMSIS-DAP probe. The probe has no separate
// shifter; bulk transfers become TMS-low sequences.
type Conn struct {
	t       Transport
	hz      uint32
	tms     bool
	tdi     bool
	tdo     bool
	pending []clock
	engaged bool
	err     error

	// Transactions counts DAP_JTAG_Sequence round trips.
	Transactions int
}

// New returns a connection over t. hz sets the probe clock when non-zero.
func New(t Transport, hz uint32) *Conn {
	return &Conn{t: t, hz: hz}
}

func (c *Conn) fail(err error) {
	if err != nil && c.err == nil {
		c.err = err
	}
}

// pack groups clocks into sequences of equal TMS, capturing every TDO.
func pack(clocks []clock) []Sequence {
	var seqs []Sequence
	for _, ck := range clocks {
		n := len(seqs)
		if n == 0 || seqs[n-1].TMS != ck.tms || seqs[n-1].Clocks == MaxSequenceClocks {
			seqs = append(seqs, Sequence{TMS: ck.tms, Capture: true, TDI: make([]byte, 0, 8)})
			n++
		}
		s := &seqs[n-1]
		if s.Clocks%8 == 0 {
			s.TDI = append(s.TDI, 0)
		}
		if ck.tdi {
			s.TDI[s.Clocks/8] |= 1 << uint(s.Clocks%8)
		}
		s.Clocks++
	}
	return seqs
}

// batch splits seqs so that command and response fit a packet.
func (c *Conn) batch(seqs []Sequence) [][]Sequence {
	limit := c.t.PacketSize()
	var out [][]Sequence
	start, size := 0, 2
	for i, s := range seqs {
		need := 1 + s.bytes()
		if i > start && (size+need > limit || i-start == 255) {
			out = append(out, seqs[start:i])
			start, size = i, 2
		}
		size += need
	}
	if start < len(seqs) {
		out = append(out, seqs[start:])
	}
	return out
}

// flush runs the queued clocks and returns TDO for each of them.
func (c *Conn) flush() []bool {
	if len(c.pending) == 0 {
		return nil
	}
	clocks := c.pending
	c.pending = c.pending[:0]
	tdo := make([]bool, 0, len(clocks))
	if c.err != nil {
		return make([]bool, len(clocks))
	}
	for _, seqs := range c.batch(pack(clocks)) {
		c.Transactions++
		resp, err := c.t.Transact(EncodeJTAGSequence(seqs))
		if err == nil {
			var data [][]byte
			if data, err = DecodeJTAGSequence(resp, seqs); err == nil {
				for i, s := range seqs {
					for b := 0; b < s.Clocks; b++ {
						tdo = append(tdo, data[i][b/8]&(1<<uint(b%8)) != 0)
					}
				}
				continue
			}
		}
		c.fail(err)
		return make([]bool, len(clocks))
	}
	if n := len(tdo); n > 0 {
		c.tdo = tdo[n-1]
	}
	return tdo
}

func (c *Conn) SetTMS(high bool) { c.tms = high }
func (c *Conn) SetTDI(high bool) { c.tdi = high }

func (c *Conn) PulseClock() {
	c.pending = append(c.pending, clock{c.tms, c.tdi})
}

// ReadTDO flushes the queue.
func (c *Conn) ReadTDO() bool {
	c.flush()
	return c.tdo
}

func (c *Conn) queueBytes(p []byte) {
	for _, b := range p {
		for bit := 7; bit >= 0; bit-- {
			c.pending = append(c.pending, clock{false, b&(1<<uint(bit)) != 0})
		}
	}
}

func (c *Conn) HWWrite(p []byte) {
	c.queueBytes(p)
}

func (c *Conn) HWReadInto(p []byte) {
	c.HWWriteRead(make([]byte, len(p)), p)
}

func (c *Conn) HWWriteRead(out, in []byte) {
	before := len(c.pending)
	c.queueBytes(out)
	tdo := c.flush()[before:]
	for i := range in {
		var v byte
		for bit := 0; bit < 8; bit++ {
			if tdo[i*8+bit] {
				v |= 0x80 >> uint(bit)
			}
		}
		in[i] = v
	}
}

func (c *Conn) HandoffGlitch() bool { return false }
func (c *Conn) EngageHardware()     { c.flush(); c.engaged = true }
func (c *Conn) ReleaseHardware()    { c.flush(); c.engaged = false }

// Acquire connects the probe in JTAG mode.
func (c *Conn) Acquire() error {
	c.err = nil
	c.pending = c.pending[:0]
	resp, err := c.t.Transact(EncodeConnect(PortJTAG))
	if err == nil {
		err = DecodeConnect(resp, PortJTAG)
	}
	if err == nil && c.hz != 0 {
		resp, err = c.t.Transact(EncodeSWJClock(c.hz))
		if err == nil {
			err = status(CmdSWJClock, resp)
		}
	}
	if err != nil {
		return fmt.Errorf("cmsisdap: connect: %w", err)
	}
	glog.V(2).Infof("cmsisdap: connected, clock %d Hz", c.hz)
	return nil
}

// Release flushes and disconnects, which tristates the probe's JTAG pins.
func (c *Conn) Release() error {
	c.flush()
	resp, err := c.t.Transact([]byte{CmdDisconnect})
	if err == nil {
		err = status(CmdDisconnect, resp)
	}
	return err
}

// Err flushes and reports the first failure.
func (c *Conn) Err() error {
	c.flush()
	return c.err
}

// Info reads a DAP_Info string.
func (c *Conn) Info(id byte) (string, error) {
	resp, err := c.t.Transact(EncodeInfo(id))
	if err != nil {
		return "", err
	}
	b, err := DecodeInfo(resp)
	return string(b), err
}

var _ bitio.Conn = (*Conn)(nil)

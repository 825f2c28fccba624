// Package sim is a pin-level simulator of an FPGA behind a JTAG port,
// optionally with a SPI NOR flash behind the FPGA's JTAG-to-SPI bridge. It
// implements bitio.Conn, tracks the TAP controller on every clock and
// records what the programmer did, so tests above the Bit I/O layer can run
// without hardware.
package sim

import (
	"errors"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/tap"
)

// Model is the JTAG personality of a simulated FPGA. Zero opcodes are
// unused.
type Model struct {
	Family   string
	IDCode   uint32
	Usercode uint32
	IRLength int

	IDCodeIR      uint64
	BurstIR       uint64   // bitstream data register
	ClearIRs      []uint64 // instructions clearing the configuration
	StatusIR      uint64   // 32-bit status word
	UsercodeIR    uint64
	CheckStatusIR uint64 // 864-bit status chain, done at bit 163
	BridgeIR      uint64 // DR scans under this instruction reach the flash
	BridgeKey     uint64 // 16-bit key enabling the bridge, 0 for none
	RefreshIR     uint64

	IRCapture uint64
	// DoneBit is set in the IR capture once configured.
	DoneBit uint64
}

var ECP5 = Model{
	Family:     "ecp5",
	IDCode:     0x41113043,
	IRLength:   8,
	IDCodeIR:   0xE0,
	BurstIR:    0x7A,
	ClearIRs:   []uint64{0x0E},
	StatusIR:   0x3C,
	UsercodeIR: 0xC0,
	BridgeIR:   0x3A,
	BridgeKey:  0x68FE,
	RefreshIR:  0x79,
	IRCapture:  0x01,
}

var Artix7 = Model{
	Family:    "artix7",
	IDCode:    0x0362D093,
	IRLength:  6,
	IDCodeIR:  0x09,
	BurstIR:   0x05,
	ClearIRs:  []uint64{0x0B},
	BridgeIR:  0x02,
	RefreshIR: 0x0B,
	IRCapture: 0x11,
	DoneBit:   0x20,
}

var Cyclone5 = Model{
	Family:        "cyclone5",
	IDCode:        0x02B050DD,
	IRLength:      10,
	IDCodeIR:      0x006,
	BurstIR:       0x002,
	CheckStatusIR: 0x004,
	IRCapture:     0x001,
}

// Models lists every simulated family.
var Models = []Model{ECP5, Artix7, Cyclone5}

// ErrClockConflict is latched when GPIO clocks while the shifter owns TCK
// or the shifter clocks while it does not.
var ErrClockConflict = errors.New("sim: TCK driven by the wrong owner")

// Sim implements bitio.Conn.
type Sim struct {
	Model Model
	Flash *Flash
	// Glitch makes EngageHardware produce one TCK edge with TDI low.
	Glitch bool
	// RejectBitstream keeps the device unconfigured after a burst.
	RejectBitstream bool
	// Fault, when set, is reported by Err.
	Fault error

	// TMS holds the TMS value of every bit-banged clock.
	TMS          []bool
	HWBits       int
	GlitchEdges  int
	Bitstream    []byte // hardware-clocked bytes shifted under the burst instruction
	Done         bool
	Refreshes    int
	Acquired     bool
	Acquisitions int
	Releases     int

	tap           *tap.StateMachine
	tms, tdi, tdo bool
	engaged       bool
	err           error

	ir        uint64
	capture   []bool
	shiftIn   []bool
	pos       int
	spi       bool
	bridge    bool
	burstBits int
}

// Option configures a Sim.
type Option func(*Sim)

// WithFlash attaches a flash chip behind the bridge.
func WithFlash(f *Flash) Option { return func(s *Sim) { s.Flash = f } }

// WithoutGlitch makes the clock hand-off edge-free.
func WithoutGlitch() Option { return func(s *Sim) { s.Glitch = false } }

// New returns a simulator of model in Test-Logic-Reset.
func New(model Model, opts ...Option) *Sim {
	s := &Sim{Model: model, Glitch: true, tap: tap.NewStateMachine(), ir: model.IDCodeIR}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForFamily returns a simulator for the named family.
func ForFamily(name string, opts ...Option) (*Sim, error) {
	for _, m := range Models {
		if m.Family == name {
			return New(m, opts...), nil
		}
	}
	return nil, errors.New("sim: unknown family " + name)
}

// State returns the simulated TAP state.
func (s *Sim) State() tap.State { return s.tap.State() }

// IR returns the active instruction.
func (s *Sim) IR() uint64 { return s.ir }

// ResetRecording clears the recorded clocks.
func (s *Sim) ResetRecording() {
	s.TMS = nil
	s.HWBits = 0
	s.GlitchEdges = 0
}

func (s *Sim) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func bitsOf(v uint64, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n && i < 64; i++ {
		out[i] = v&(1<<uint(i)) != 0
	}
	return out
}

func valueOf(bits []bool) uint64 {
	var v uint64
	for i, b := range bits {
		if b && i < 64 {
			v |= 1 << uint(i)
		}
	}
	return v
}

func (s *Sim) bridgeActive() bool {
	m := s.Model
	return s.Flash != nil && m.BridgeIR != 0 && s.ir == m.BridgeIR && (m.BridgeKey == 0 || s.bridge)
}

func (s *Sim) dataRegister() []bool {
	m := s.Model
	switch {
	case s.ir == m.IDCodeIR:
		return bitsOf(uint64(m.IDCode), 32)
	case m.StatusIR != 0 && s.ir == m.StatusIR:
		var status uint64
		if s.Done {
			status |= 0x100
		}
		if s.RejectBitstream && s.burstBits > 0 {
			status |= 0x2000
		}
		return bitsOf(status, 32)
	case m.UsercodeIR != 0 && s.ir == m.UsercodeIR:
		return bitsOf(uint64(m.Usercode), 32)
	case m.CheckStatusIR != 0 && s.ir == m.CheckStatusIR:
		chain := make([]bool, 864)
		chain[163] = s.Done
		return chain
	}
	return nil
}

func (s *Sim) irCapture() []bool {
	v := s.Model.IRCapture
	if s.Done {
		v |= s.Model.DoneBit
	}
	return bitsOf(v, s.Model.IRLength)
}

// clock runs one TCK cycle: TDO is presented on the falling edge, TMS and
// TDI are sampled on the rising edge.
func (s *Sim) clock(tms, tdi bool) bool {
	state := s.tap.State()

	var tdo bool
	switch {
	case state == tap.StateShiftDR && s.spi:
		tdo = s.Flash.miso()
	case state.Shifting():
		tdo = s.pos < len(s.capture) && s.capture[s.pos]
	}

	switch state {
	case tap.StateShiftDR:
		switch {
		case s.spi:
			s.Flash.shift(tdi)
		case s.ir == s.Model.BurstIR:
			s.burstBits++
		default:
			s.shiftIn = append(s.shiftIn, tdi)
		}
		s.pos++
	case tap.StateShiftIR:
		s.shiftIn = append(s.shiftIn, tdi)
		s.pos++
	}

	next := s.tap.Clock(tms)
	s.enter(state, next)
	return tdo
}

func (s *Sim) enter(prev, next tap.State) {
	m := s.Model
	switch next {
	case tap.StateTestLogicReset:
		s.ir = m.IDCodeIR
		s.bridge = false
	case tap.StateCaptureIR:
		s.capture = s.irCapture()
		s.shiftIn = s.shiftIn[:0]
		s.pos = 0
	case tap.StateCaptureDR:
		s.shiftIn = s.shiftIn[:0]
		s.pos = 0
		s.capture = nil
		if s.bridgeActive() {
			s.spi = true
			s.Flash.selectChip()
		} else {
			s.capture = s.dataRegister()
		}
	case tap.StateUpdateIR:
		s.ir = valueOf(s.shiftIn)
		if s.ir == m.BurstIR {
			s.Done = false
			s.burstBits = 0
			s.Bitstream = s.Bitstream[:0]
		}
		for _, c := range m.ClearIRs {
			if s.ir == c {
				s.Done = false
			}
		}
		if m.RefreshIR != 0 && s.ir == m.RefreshIR {
			s.Refreshes++
		}
	case tap.StateUpdateDR:
		if m.BridgeKey != 0 && s.ir == m.BridgeIR && !s.bridge && len(s.shiftIn) >= 16 {
			s.bridge = valueOf(s.shiftIn[:16]) == m.BridgeKey
		}
	}

	if prev == tap.StateShiftDR && next != tap.StateShiftDR {
		if s.spi {
			s.Flash.deselect()
			s.spi = false
		}
		if s.ir == m.BurstIR && s.burstBits > 0 {
			s.Done = !s.RejectBitstream
		}
	}
}

func (s *Sim) SetTMS(high bool) { s.tms = high }
func (s *Sim) SetTDI(high bool) { s.tdi = high }

func (s *Sim) PulseClock() {
	if s.engaged {
		s.fail(ErrClockConflict)
		return
	}
	s.TMS = append(s.TMS, s.tms)
	s.tdo = s.clock(s.tms, s.tdi)
}

func (s *Sim) ReadTDO() bool { return s.tdo }

func (s *Sim) hwByte(out byte) byte {
	var in byte
	for bit := 7; bit >= 0; bit-- {
		if s.clock(false, out&(1<<uint(bit)) != 0) {
			in |= 1 << uint(bit)
		}
	}
	s.HWBits += 8
	return in
}

func (s *Sim) hwReady() bool {
	if !s.engaged {
		s.fail(ErrClockConflict)
		return false
	}
	return true
}

func (s *Sim) HWWrite(p []byte) {
	if !s.hwReady() {
		return
	}
	burst := s.tap.State() == tap.StateShiftDR && s.ir == s.Model.BurstIR
	for _, b := range p {
		s.hwByte(b)
	}
	if burst {
		s.Bitstream = append(s.Bitstream, p...)
	}
}

func (s *Sim) HWReadInto(p []byte) {
	if !s.hwReady() {
		return
	}
	for i := range p {
		p[i] = s.hwByte(0)
	}
}

func (s *Sim) HWWriteRead(out, in []byte) {
	if !s.hwReady() {
		return
	}
	for i, b := range out {
		in[i] = s.hwByte(b)
	}
}

func (s *Sim) HandoffGlitch() bool { return s.Glitch }

func (s *Sim) EngageHardware() {
	s.engaged = true
	if s.Glitch {
		s.GlitchEdges++
		s.clock(false, false)
	}
}

func (s *Sim) ReleaseHardware() { s.engaged = false }

func (s *Sim) Acquire() error {
	s.Acquired = true
	s.Acquisitions++
	return nil
}

// Release leaves every line floating, which the model treats as the end of
// any hardware hand-off.
func (s *Sim) Release() error {
	s.Acquired = false
	s.engaged = false
	s.Releases++
	return nil
}

func (s *Sim) Err() error {
	if s.Fault != nil {
		return s.Fault
	}
	return s.err
}

var _ bitio.Conn = (*Sim)(nil)

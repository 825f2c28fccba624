// Package bitio is the lowest layer of the programmer: single-edge control of
// the TMS, TCK and TDI lines, sampling of TDO, and the hardware-clocked
// shifter that reuses the same pins for bulk transfers.
//
// None of the per-bit operations return errors. Backends that can fail
// (GPIO character devices, USB probes) latch the first failure and report it
// through Conn.Err, which the sequencer checks at session boundaries.
package bitio

// Pins drives the four JTAG lines directly.
type Pins interface {
	SetTMS(high bool)
	SetTDI(high bool)
	// PulseClock produces exactly one TCK cycle: a falling edge, on which the
	// target presents TDO, then a rising edge, on which it samples TMS and TDI.
	PulseClock()
	// ReadTDO returns the value presented during the most recent PulseClock.
	ReadTDO() bool
}

// Shifter is the hardware-clocked transport: byte granular, MSB-first, TMS
// held low. It is only driven while the TAP sits in Shift-DR.
type Shifter interface {
	HWWrite(p []byte)
	// HWReadInto fills p with TDO while shifting zeros out on TDI.
	HWReadInto(p []byte)
	HWWriteRead(out, in []byte)
}

// ClockRouter hands the TCK pin between the GPIO driver and the shifter.
type ClockRouter interface {
	// HandoffGlitch reports whether EngageHardware produces one TCK edge of
	// its own. Such an edge shifts one bit with TDI low.
	HandoffGlitch() bool
	// EngageHardware gives TCK to the shifter.
	EngageHardware()
	// ReleaseHardware parks the shifter clock and gives TCK back to GPIO
	// without producing an edge.
	ReleaseHardware()
}

// Conn is one exclusive connection to a JTAG target.
type Conn interface {
	Pins
	Shifter
	ClockRouter
	// Acquire configures pin directions and functions for JTAG.
	Acquire() error
	// Release returns every pin to a high-impedance input.
	Release() error
	// Err reports the first I/O failure since Acquire.
	Err() error
}

// ShiftBuffer shifts every bit of seq out on TDI with TMS low. When capture
// is non-nil, TDO is sampled into it at the same bit index; it must hold at
// least seq.Bits bits. With raiseTMSOnLast, TMS goes high before the final
// clock so that the edge shifting the last bit also leaves the shift state.
func ShiftBuffer(p Pins, seq BitSequence, raiseTMSOnLast bool, capture *BitSequence) {
	p.SetTMS(false)
	last := seq.Bits - 1
	for i := 0; i <= last; i++ {
		p.SetTDI(seq.Bit(i))
		if i == last && raiseTMSOnLast {
			p.SetTMS(true)
		}
		p.PulseClock()
		if capture != nil {
			capture.SetBit(i, p.ReadTDO())
		}
	}
}

// SoftShifter implements Shifter by bit-banging through Pins, for backends
// without a hardware shift register.
type SoftShifter struct {
	Pins Pins
}

func (s SoftShifter) HWWrite(p []byte) {
	ShiftBuffer(s.Pins, FromBytes(p, MSBFirst), false, nil)
}

func (s SoftShifter) HWReadInto(p []byte) {
	clear(p)
	in := FromBytes(p, MSBFirst)
	ShiftBuffer(s.Pins, New(in.Bits, MSBFirst), false, &in)
}

func (s SoftShifter) HWWriteRead(out, in []byte) {
	capture := FromBytes(in, MSBFirst)
	ShiftBuffer(s.Pins, FromBytes(out, MSBFirst), false, &capture)
}

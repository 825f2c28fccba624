// Package jtag walks the TAP controller over a bitio.Conn. The Engine keeps a
// tap.StateMachine in lockstep with every TCK cycle it produces, checks the
// documented entry state of each operation and owns the switch between
// bit-banged and hardware-clocked shifting.
package jtag

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/tap"
)

// TransportMode tells who drives TCK.
type TransportMode uint8

const (
	BitBanged TransportMode = iota
	HardwareClocked
)

func (m TransportMode) String() string {
	switch m {
	case BitBanged:
		return "bit-banged"
	case HardwareClocked:
		return "hardware-clocked"
	default:
		return fmt.Sprintf("TransportMode(%d)", uint8(m))
	}
}

// Idle is a stay in Run-Test/Idle: at least Cycles clocks and at least Min
// of wall-clock time, whichever ends later.
type Idle struct {
	Cycles int
	Min    time.Duration
}

// Clock is the time source for minimum idle durations and poll intervals.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ErrMode is returned when an operation needs the other transport mode.
var ErrMode = errors.New("jtag: wrong transport mode")

// StateError reports an operation started outside its documented entry state.
type StateError struct {
	Op   string
	Want []tap.State
	Got  tap.State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("jtag: %s needs TAP in %v, in %s", e.Op, e.Want, e.Got)
}

// Engine drives one TAP. It is not safe for concurrent use.
type Engine struct {
	conn  bitio.Conn
	tap   *tap.StateMachine
	mode  TransportMode
	clock Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine wraps conn. The TAP state is unknown until Reset, which every
// session starts with; the model assumes Test-Logic-Reset.
func NewEngine(conn bitio.Conn, opts ...Option) *Engine {
	e := &Engine{
		conn:  conn,
		tap:   tap.NewStateMachine(),
		clock: SystemClock,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Conn returns the underlying connection.
func (e *Engine) Conn() bitio.Conn { return e.conn }

// State reports the tracked TAP state.
func (e *Engine) State() tap.State { return e.tap.State() }

// Mode reports who currently drives TCK.
func (e *Engine) Mode() TransportMode { return e.mode }

// Clock returns the engine's time source.
func (e *Engine) Clock() Clock { return e.clock }

func (e *Engine) expect(op string, states ...tap.State) error {
	if e.mode != BitBanged {
		return fmt.Errorf("%w: %s while %s", ErrMode, op, e.mode)
	}
	cur := e.tap.State()
	for _, s := range states {
		if s == cur {
			return nil
		}
	}
	return &StateError{Op: op, Want: states, Got: cur}
}

func (e *Engine) clockTMS(high bool) {
	e.conn.SetTMS(high)
	e.conn.PulseClock()
	e.tap.Clock(high)
}

func (e *Engine) walk(tms ...bool) {
	for _, v := range tms {
		e.clockTMS(v)
	}
}

func (e *Engine) goTo(target tap.State) error {
	path, err := tap.Path(e.tap.State(), target)
	if err != nil {
		return err
	}
	e.walk(path.TMS...)
	return nil
}

// shift clocks seq through the current shift state and keeps the model in
// step: every bit but a raised last one leaves the state unchanged.
func (e *Engine) shift(seq bitio.BitSequence, exit bool, capture *bitio.BitSequence) {
	bitio.ShiftBuffer(e.conn, seq, exit, capture)
	if exit {
		e.tap.Clock(true)
	}
}

func (e *Engine) ioErr(op string) error {
	if err := e.conn.Err(); err != nil {
		return fmt.Errorf("jtag: %s: %w", op, err)
	}
	return nil
}

// Reset holds TMS high for tap.ResetClocks cycles. Any state and any mode;
// ends in Test-Logic-Reset with bit-banged transport.
func (e *Engine) Reset() error {
	if e.mode == HardwareClocked {
		e.conn.ReleaseHardware()
		e.mode = BitBanged
	}
	e.conn.SetTDI(false)
	for i := 0; i < tap.ResetClocks; i++ {
		e.clockTMS(true)
	}
	glog.V(3).Info("jtag: reset")
	return e.ioErr("reset")
}

// RunTestIdle enters Run-Test/Idle from Test-Logic-Reset, Run-Test/Idle or
// either Update state, clocks TMS low for at least idle.Cycles cycles (one
// minimum) and for at least idle.Min, then exits to Select-DR-Scan.
func (e *Engine) RunTestIdle(idle Idle) error {
	if err := e.expect("run-test/idle", tap.StateTestLogicReset, tap.StateRunTestIdle, tap.StateUpdateDR, tap.StateUpdateIR); err != nil {
		return err
	}
	deadline := e.clock.Now().Add(idle.Min)
	for i := 0; i < max(idle.Cycles, 1); i++ {
		e.clockTMS(false)
	}
	for idle.Min > 0 && e.clock.Now().Before(deadline) {
		e.clockTMS(false)
	}
	e.clockTMS(true)
	return e.ioErr("run-test/idle")
}

// exitShift leaves Exit1 through Pause, Exit2 and Update, then goes to
// Select-DR-Scan directly or through Run-Test/Idle.
func (e *Engine) exitShift(idle *Idle) error {
	e.walk(false, true, true)
	if idle == nil {
		e.clockTMS(true)
		return nil
	}
	return e.RunTestIdle(Idle{Cycles: idle.Cycles + 1, Min: idle.Min})
}

func checkShift(op string, seq bitio.BitSequence, capture *bitio.BitSequence) error {
	if err := seq.Validate(); err != nil {
		return fmt.Errorf("jtag: %s: %w", op, err)
	}
	if capture != nil {
		if err := capture.Validate(); err != nil {
			return fmt.Errorf("jtag: %s capture: %w", op, err)
		}
		if capture.Bits < seq.Bits {
			return fmt.Errorf("jtag: %s capture holds %d bits, need %d", op, capture.Bits, seq.Bits)
		}
	}
	return nil
}

// Instruction shifts ir LSB-first into the instruction register. Entry and
// exit state is Select-DR-Scan; with idle set the exit goes through
// Run-Test/Idle. The captured IR value lands in capture when non-nil.
func (e *Engine) Instruction(ir bitio.BitSequence, capture *bitio.BitSequence, idle *Idle) error {
	if err := e.expect("instruction", tap.StateSelectDRScan); err != nil {
		return err
	}
	if err := checkShift("instruction", ir, capture); err != nil {
		return err
	}
	if err := e.goTo(tap.StateShiftIR); err != nil {
		return err
	}
	e.shift(ir, true, capture)
	if err := e.exitShift(idle); err != nil {
		return err
	}
	glog.V(3).Infof("jtag: IR %s", ir)
	return e.ioErr("instruction")
}

// Data shifts dr through the data register, same shape as Instruction.
func (e *Engine) Data(dr bitio.BitSequence, capture *bitio.BitSequence, idle *Idle) error {
	if err := e.expect("data", tap.StateSelectDRScan); err != nil {
		return err
	}
	if err := checkShift("data", dr, capture); err != nil {
		return err
	}
	if err := e.goTo(tap.StateShiftDR); err != nil {
		return err
	}
	e.shift(dr, true, capture)
	if err := e.exitShift(idle); err != nil {
		return err
	}
	glog.V(3).Infof("jtag: DR %d bits", dr.Bits)
	return e.ioErr("data")
}

// EnterShiftDR walks Select-DR-Scan to Shift-DR without shifting.
func (e *Engine) EnterShiftDR() error {
	if err := e.expect("enter shift-dr", tap.StateSelectDRScan); err != nil {
		return err
	}
	return e.goTo(tap.StateShiftDR)
}

// ShiftDR shifts seq while in Shift-DR. With exit set the last bit moves the
// TAP to Exit1-DR.
func (e *Engine) ShiftDR(seq bitio.BitSequence, exit bool, capture *bitio.BitSequence) error {
	if err := e.expect("shift-dr", tap.StateShiftDR); err != nil {
		return err
	}
	if err := checkShift("shift-dr", seq, capture); err != nil {
		return err
	}
	e.shift(seq, exit, capture)
	return nil
}

// ExitShiftDR leaves Shift-DR or Exit1-DR through the pause states. From
// Shift-DR one extra clock is spent, which shifts a junk bit.
func (e *Engine) ExitShiftDR(idle *Idle) error {
	if err := e.expect("exit shift-dr", tap.StateShiftDR, tap.StateExit1DR); err != nil {
		return err
	}
	if e.tap.State() == tap.StateShiftDR {
		e.conn.SetTDI(false)
		e.clockTMS(true)
	}
	if err := e.exitShift(idle); err != nil {
		return err
	}
	return e.ioErr("exit shift-dr")
}

// BeginHardwareShift hands TCK to the hardware shifter. It must be called in
// Shift-DR. The hand-off always contributes exactly one cycle with TDI low:
// the routing glitch where the backend has one, a bit-banged cycle otherwise.
// Callers place the switch where that bit is harmless or expected.
func (e *Engine) BeginHardwareShift() error {
	if err := e.expect("begin hardware shift", tap.StateShiftDR); err != nil {
		return err
	}
	if !e.conn.HandoffGlitch() {
		e.conn.SetTDI(false)
		e.conn.SetTMS(false)
		e.conn.PulseClock()
	}
	e.conn.EngageHardware()
	e.mode = HardwareClocked
	return nil
}

// EndHardwareShift gives TCK back to GPIO. The TAP stays in Shift-DR.
func (e *Engine) EndHardwareShift() error {
	if e.mode != HardwareClocked {
		return fmt.Errorf("%w: end hardware shift while %s", ErrMode, e.mode)
	}
	e.conn.ReleaseHardware()
	e.mode = BitBanged
	return e.ioErr("end hardware shift")
}

func (e *Engine) hw(op string) error {
	if e.mode != HardwareClocked {
		return fmt.Errorf("%w: %s while %s", ErrMode, op, e.mode)
	}
	return nil
}

// HWWrite shifts p MSB-first with the hardware shifter.
func (e *Engine) HWWrite(p []byte) error {
	if err := e.hw("hardware write"); err != nil {
		return err
	}
	if len(p) > 0 {
		e.conn.HWWrite(p)
	}
	return e.ioErr("hardware write")
}

// HWReadInto fills p from TDO with the hardware shifter.
func (e *Engine) HWReadInto(p []byte) error {
	if err := e.hw("hardware read"); err != nil {
		return err
	}
	if len(p) > 0 {
		e.conn.HWReadInto(p)
	}
	return e.ioErr("hardware read")
}

// HWWriteRead shifts out and captures in, which must be the same length.
func (e *Engine) HWWriteRead(out, in []byte) error {
	if err := e.hw("hardware write-read"); err != nil {
		return err
	}
	if len(out) != len(in) {
		return fmt.Errorf("jtag: hardware write-read length mismatch %d != %d", len(out), len(in))
	}
	if len(out) > 0 {
		e.conn.HWWriteRead(out, in)
	}
	return e.ioErr("hardware write-read")
}

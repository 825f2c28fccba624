package device

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/jtag"
)

// Op is one kind of scripted TAP operation.
type Op uint8

const (
	OpReset Op = iota
	OpIdle
	OpIR
	OpDR
	OpEnterShiftDR
	OpBeginHardware
	OpEndHardware
	OpExitShiftDR
)

var opNames = [...]string{
	OpReset:         "reset",
	OpIdle:          "idle",
	OpIR:            "ir",
	OpDR:            "dr",
	OpEnterShiftDR:  "enter-shift-dr",
	OpBeginHardware: "begin-hardware",
	OpEndHardware:   "end-hardware",
	OpExitShiftDR:   "exit-shift-dr",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Check compares a field of the register captured by a step against an
// expected pattern: (field & Mask) == Expected.
type Check struct {
	Name     string
	Offset   int
	Width    int // 0 means the whole capture, up to 64 bits
	Mask     uint64
	Expected uint64
	// Done marks the check deciding whether configuration succeeded.
	Done bool
}

// CheckResult is the outcome of one Check. Mismatches are not errors.
type CheckResult struct {
	Name     string
	Got      uint64
	Mask     uint64
	Expected uint64
	OK       bool
	Done     bool
}

func (r CheckResult) String() string {
	if r.OK {
		return fmt.Sprintf("%s: ok (0x%08X)", r.Name, r.Got)
	}
	return fmt.Sprintf("%s: 0x%08X & 0x%08X != 0x%08X", r.Name, r.Got, r.Mask, r.Expected)
}

func (c *Check) evaluate(capture bitio.BitSequence) CheckResult {
	width := c.Width
	if width == 0 {
		width = capture.Bits
	}
	got := capture.Field(c.Offset, width)
	return CheckResult{
		Name:     c.Name,
		Got:      got,
		Mask:     c.Mask,
		Expected: c.Expected,
		OK:       got&c.Mask == c.Expected,
		Done:     c.Done,
	}
}

// Step is one entry of a family script. IR and DR values are shifted
// LSB-first; Data takes precedence over Value for DR steps.
type Step struct {
	Op    Op
	Value uint64
	Data  []byte
	Bits  int
	Idle  *jtag.Idle
	Check *Check
}

// Script is an ordered list of steps run back to back.
type Script []Step

func reset() Step { return Step{Op: OpReset} }

func idle(cycles int, ms int) Step {
	return Step{Op: OpIdle, Idle: &jtag.Idle{Cycles: cycles, Min: time.Duration(ms) * time.Millisecond}}
}

func ir(op uint64) Step { return Step{Op: OpIR, Value: op} }

func irIdle(op uint64, cycles, ms int) Step {
	s := ir(op)
	s.Idle = &jtag.Idle{Cycles: cycles, Min: time.Duration(ms) * time.Millisecond}
	return s
}

// irCheck shifts op and checks the captured instruction register.
func irCheck(op uint64, c Check) Step { return Step{Op: OpIR, Value: op, Check: &c} }

func dr(data ...byte) Step { return Step{Op: OpDR, Data: data} }

func drIdle(cycles, ms int, data ...byte) Step {
	s := dr(data...)
	s.Idle = &jtag.Idle{Cycles: cycles, Min: time.Duration(ms) * time.Millisecond}
	return s
}

// read shifts bits zero bits through DR and checks the capture.
func read(bits int, c Check) Step {
	return Step{Op: OpDR, Bits: bits, Check: &c}
}

func exitShiftDR(cycles, ms int) Step {
	return Step{Op: OpExitShiftDR, Idle: &jtag.Idle{Cycles: cycles, Min: time.Duration(ms) * time.Millisecond}}
}

// upload walks to Shift-DR and engages the hardware shifter.
func upload() Script {
	return Script{{Op: OpEnterShiftDR}, {Op: OpBeginHardware}}
}

func join(scripts ...Script) Script {
	var out Script
	for _, s := range scripts {
		out = append(out, s...)
	}
	return out
}

func (s Step) sequence(irLength int) bitio.BitSequence {
	switch {
	case s.Op == OpIR:
		bits := s.Bits
		if bits == 0 {
			bits = irLength
		}
		return bitio.FromUint(s.Value, bits)
	case s.Data != nil:
		seq := bitio.FromBytes(append([]byte(nil), s.Data...), bitio.LSBFirst)
		if s.Bits > 0 {
			seq.Bits = s.Bits
		}
		return seq
	default:
		return bitio.FromUint(s.Value, s.Bits)
	}
}

// run executes script on e and appends check outcomes to results.
func run(e *jtag.Engine, f *Family, script Script, results *[]CheckResult) error {
	for i, s := range script {
		if err := runStep(e, f, s, results); err != nil {
			return fmt.Errorf("device: %s step %d (%s): %w", f.Name, i, s.Op, err)
		}
	}
	return nil
}

func runStep(e *jtag.Engine, f *Family, s Step, results *[]CheckResult) error {
	switch s.Op {
	case OpReset:
		return e.Reset()
	case OpIdle:
		return e.RunTestIdle(*s.Idle)
	case OpEnterShiftDR:
		return e.EnterShiftDR()
	case OpBeginHardware:
		return e.BeginHardwareShift()
	case OpEndHardware:
		return e.EndHardwareShift()
	case OpExitShiftDR:
		return e.ExitShiftDR(s.Idle)
	case OpIR, OpDR:
	default:
		return fmt.Errorf("unknown op %s", s.Op)
	}

	seq := s.sequence(f.IRLength)
	var capture *bitio.BitSequence
	if s.Check != nil {
		c := bitio.New(seq.Bits, bitio.LSBFirst)
		capture = &c
	}
	var err error
	if s.Op == OpIR {
		err = e.Instruction(seq, capture, s.Idle)
	} else {
		err = e.Data(seq, capture, s.Idle)
	}
	if err != nil || capture == nil {
		return err
	}

	r := s.Check.evaluate(*capture)
	if !r.OK {
		glog.Warningf("device: %s %s", f.Name, r)
	} else {
		glog.V(2).Infof("device: %s %s", f.Name, r)
	}
	*results = append(*results, r)
	return nil
}

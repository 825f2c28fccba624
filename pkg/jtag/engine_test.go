package jtag

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/tap"
)

// stepClock advances by step on every Now call and never sleeps.
type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func (c *stepClock) Sleep(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(glitch bool) (*Engine, *bitio.Loopback) {
	lb := &bitio.Loopback{Glitch: glitch}
	return NewEngine(lb, WithClock(&stepClock{step: time.Hour})), lb
}

func toSelectDR(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := e.RunTestIdle(Idle{}); err != nil {
		t.Fatalf("RunTestIdle: %v", err)
	}
}

func countTrue(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}

func TestResetFromAnywhere(t *testing.T) {
	e, lb := newTestEngine(true)
	toSelectDR(t, e)
	if err := e.EnterShiftDR(); err != nil {
		t.Fatalf("EnterShiftDR: %v", err)
	}
	if err := e.BeginHardwareShift(); err != nil {
		t.Fatalf("BeginHardwareShift: %v", err)
	}
	lb.Edges = nil

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if e.State() != tap.StateTestLogicReset {
		t.Fatalf("state = %s, want TestLogicReset", e.State())
	}
	if e.Mode() != BitBanged || lb.Engaged() {
		t.Fatalf("reset left hardware transport engaged")
	}
	tms := lb.TMS()
	if len(tms) != tap.ResetClocks || countTrue(tms) != tap.ResetClocks {
		t.Fatalf("reset TMS = %v, want %d highs", tms, tap.ResetClocks)
	}
}

func TestShiftOperationsExitStates(t *testing.T) {
	tests := []struct {
		name     string
		ir       bool
		bits     int
		idle     *Idle
		wantTMS  int
		wantPass tap.State
	}{
		{name: "ir no idle", ir: true, bits: 8, wantTMS: 8 + 7, wantPass: tap.StateShiftIR},
		{name: "ir idle", ir: true, bits: 6, idle: &Idle{Cycles: 2, Min: time.Millisecond}, wantTMS: 6 + 2 + 8, wantPass: tap.StateShiftIR},
		{name: "dr no idle", bits: 32, wantTMS: 32 + 6, wantPass: tap.StateShiftDR},
		{name: "dr idle", bits: 1, idle: &Idle{Cycles: 100}, wantTMS: 1 + 100 + 7, wantPass: tap.StateShiftDR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, lb := newTestEngine(false)
			toSelectDR(t, e)
			lb.Edges = nil

			seq := bitio.FromUint(0x5A5A5A5A, tt.bits)
			var err error
			if tt.ir {
				err = e.Instruction(seq, nil, tt.idle)
			} else {
				err = e.Data(seq, nil, tt.idle)
			}
			if err != nil {
				t.Fatalf("shift: %v", err)
			}
			if e.State() != tap.StateSelectDRScan {
				t.Fatalf("exit state = %s, want SelectDRScan", e.State())
			}

			tms := lb.TMS()
			if len(tms) != tt.wantTMS {
				t.Fatalf("TMS clocks = %d, want %d", len(tms), tt.wantTMS)
			}
			states := tap.Replay(tap.StateSelectDRScan, tms)
			if states[len(states)-1] != tap.StateSelectDRScan {
				t.Fatalf("replayed exit state = %s", states[len(states)-1])
			}
			seen := map[tap.State]bool{}
			for _, s := range states {
				seen[s] = true
			}
			if !seen[tt.wantPass] {
				t.Fatalf("path never visited %s", tt.wantPass)
			}
			if tt.idle != nil && !seen[tap.StateRunTestIdle] {
				t.Fatalf("idle exit never visited RunTestIdle")
			}
		})
	}
}

func TestShiftLengthsExitStates(t *testing.T) {
	const pattern = 0xA5C396E10F1E2D3C
	for _, ir := range []bool{true, false} {
		for _, idle := range []*Idle{nil, {Cycles: 3}} {
			for n := 1; n <= 64; n++ {
				e, lb := newTestEngine(false)
				toSelectDR(t, e)
				lb.Edges = nil

				seq := bitio.FromUint(pattern, n)
				capture := bitio.New(n, bitio.LSBFirst)
				shift, head := tap.StateShiftDR, 2
				var err error
				if ir {
					shift, head = tap.StateShiftIR, 3
					err = e.Instruction(seq, &capture, idle)
				} else {
					err = e.Data(seq, &capture, idle)
				}
				if err != nil {
					t.Fatalf("ir=%v idle=%v n=%d: %v", ir, idle != nil, n, err)
				}
				if e.State() != tap.StateSelectDRScan {
					t.Fatalf("ir=%v idle=%v n=%d: exit state %s", ir, idle != nil, n, e.State())
				}

				want := head + n + 3 + 1
				if idle != nil {
					want = head + n + 3 + idle.Cycles + 2
				}
				tms := lb.TMS()
				if len(tms) != want {
					t.Fatalf("ir=%v idle=%v n=%d: %d TMS clocks, want %d", ir, idle != nil, n, len(tms), want)
				}
				states := tap.Replay(tap.StateSelectDRScan, tms)
				shifts := 0
				for _, s := range states {
					if s == shift {
						shifts++
					}
				}
				if shifts != n {
					t.Fatalf("ir=%v idle=%v n=%d: %d clocks in %s", ir, idle != nil, n, shifts, shift)
				}
				if states[head+n] != tap.StateExit1DR && states[head+n] != tap.StateExit1IR {
					t.Fatalf("ir=%v idle=%v n=%d: last bit left to %s", ir, idle != nil, n, states[head+n])
				}
				if last := states[len(states)-1]; last != tap.StateSelectDRScan {
					t.Fatalf("ir=%v idle=%v n=%d: replay ended in %s", ir, idle != nil, n, last)
				}
				if got, want := capture.Field(0, n), seq.Field(0, n); got != want {
					t.Fatalf("ir=%v idle=%v n=%d: capture %#x, want %#x", ir, idle != nil, n, got, want)
				}
			}
		}
	}
}

func TestDataCaptureLoopback(t *testing.T) {
	e, _ := newTestEngine(false)
	toSelectDR(t, e)

	out := bitio.FromBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}, bitio.LSBFirst)
	out.Bits = 37
	capture := bitio.New(out.Bits, bitio.LSBFirst)
	if err := e.Data(out, &capture, nil); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if got, want := capture.Field(0, 37), out.Field(0, 37); got != want {
		t.Fatalf("capture = %#x, want %#x", got, want)
	}
}

func TestCaptureTooShort(t *testing.T) {
	e, lb := newTestEngine(false)
	toSelectDR(t, e)
	lb.Edges = nil

	capture := bitio.New(4, bitio.LSBFirst)
	if err := e.Instruction(bitio.FromUint(0xE0, 8), &capture, nil); err == nil {
		t.Fatalf("expected error for short capture buffer")
	}
	if len(lb.Edges) != 0 {
		t.Fatalf("rejected shift clocked %d edges", len(lb.Edges))
	}
}

func TestEntryStateChecked(t *testing.T) {
	e, _ := newTestEngine(false)
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	err := e.Instruction(bitio.FromUint(1, 8), nil, nil)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("Instruction from TestLogicReset: got %v, want StateError", err)
	}
	if se.Got != tap.StateTestLogicReset || se.Op != "instruction" {
		t.Fatalf("unexpected StateError %+v", se)
	}

	if err := e.ShiftDR(bitio.FromUint(1, 1), false, nil); !errors.As(err, &se) {
		t.Fatalf("ShiftDR outside Shift-DR: got %v", err)
	}
	if err := e.BeginHardwareShift(); !errors.As(err, &se) {
		t.Fatalf("BeginHardwareShift outside Shift-DR: got %v", err)
	}
}

func TestRunTestIdleHonoursMinimumDuration(t *testing.T) {
	lb := &bitio.Loopback{}
	e := NewEngine(lb, WithClock(&stepClock{step: time.Millisecond}))
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	lb.Edges = nil

	if err := e.RunTestIdle(Idle{Cycles: 1, Min: 5 * time.Millisecond}); err != nil {
		t.Fatalf("RunTestIdle: %v", err)
	}
	tms := lb.TMS()
	zeros := len(tms) - countTrue(tms)
	if zeros != 5 {
		t.Fatalf("idle clocks = %d, want 5", zeros)
	}
	if !tms[len(tms)-1] || e.State() != tap.StateSelectDRScan {
		t.Fatalf("idle did not exit to SelectDRScan, state %s", e.State())
	}
}

func TestHardwareHandoffContributesOneLowBit(t *testing.T) {
	for _, glitch := range []bool{false, true} {
		e, lb := newTestEngine(glitch)
		toSelectDR(t, e)
		if err := e.EnterShiftDR(); err != nil {
			t.Fatalf("EnterShiftDR: %v", err)
		}
		if err := e.ShiftDR(bitio.FromUint(0x7, 3), false, nil); err != nil {
			t.Fatalf("ShiftDR: %v", err)
		}
		lb.Edges = nil

		if err := e.BeginHardwareShift(); err != nil {
			t.Fatalf("BeginHardwareShift: %v", err)
		}
		if len(lb.Edges) != 1 || lb.Edges[0].TDI || lb.Edges[0].TMS {
			t.Fatalf("glitch=%v: hand-off edges %+v, want one TDI-low TMS-low edge", glitch, lb.Edges)
		}
		if lb.Edges[0].Hardware != glitch {
			t.Fatalf("glitch=%v: hand-off edge hardware=%v", glitch, lb.Edges[0].Hardware)
		}

		payload := []byte{0xA5, 0x3C}
		if err := e.HWWrite(payload); err != nil {
			t.Fatalf("HWWrite: %v", err)
		}
		in := make([]byte, 2)
		if err := e.HWWriteRead(payload, in); err != nil {
			t.Fatalf("HWWriteRead: %v", err)
		}
		if !bytes.Equal(in, payload) {
			t.Fatalf("loopback read %x, want %x", in, payload)
		}
		if err := e.Data(bitio.FromUint(0, 1), nil, nil); !errors.Is(err, ErrMode) {
			t.Fatalf("Data while hardware-clocked: got %v, want ErrMode", err)
		}

		before := len(lb.Edges)
		if err := e.EndHardwareShift(); err != nil {
			t.Fatalf("EndHardwareShift: %v", err)
		}
		if len(lb.Edges) != before {
			t.Fatalf("EndHardwareShift produced %d edges", len(lb.Edges)-before)
		}
		if err := e.ExitShiftDR(nil); err != nil {
			t.Fatalf("ExitShiftDR: %v", err)
		}
		if e.State() != tap.StateSelectDRScan {
			t.Fatalf("state after exit = %s", e.State())
		}
	}
}

func TestHardwareOpsNeedHardwareMode(t *testing.T) {
	e, _ := newTestEngine(false)
	if err := e.HWWrite([]byte{1}); !errors.Is(err, ErrMode) {
		t.Fatalf("HWWrite bit-banged: got %v", err)
	}
	if err := e.HWReadInto(make([]byte, 1)); !errors.Is(err, ErrMode) {
		t.Fatalf("HWReadInto bit-banged: got %v", err)
	}
	if err := e.EndHardwareShift(); !errors.Is(err, ErrMode) {
		t.Fatalf("EndHardwareShift bit-banged: got %v", err)
	}
}

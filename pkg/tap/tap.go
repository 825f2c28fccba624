// Package tap models the IEEE 1149.1 TAP controller. It performs no I/O; the
// JTAG engine clocks a StateMachine in lockstep with every TCK edge it drives
// so the controller's position is always known on the host side.
package tap

import (
	"fmt"
	"slices"
)

// State represents one of the 16 defined IEEE 1149.1 TAP controller states.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR

	numStates
)

// ResetClocks is the number of TMS=1 clocks used to force Test-Logic-Reset.
// Five reach it from any state; the sixth is margin.
const ResetClocks = 6

var stateNames = [numStates]string{
	"TestLogicReset", "RunTestIdle",
	"SelectDRScan", "CaptureDR", "ShiftDR", "Exit1DR", "PauseDR", "Exit2DR", "UpdateDR",
	"SelectIRScan", "CaptureIR", "ShiftIR", "Exit1IR", "PauseIR", "Exit2IR", "UpdateIR",
}

func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Valid reports whether s is one of the 16 controller states.
func (s State) Valid() bool { return s < numStates }

// Shifting reports whether TDI is shifted into a register while clocking in s.
func (s State) Shifting() bool {
	return s == StateShiftDR || s == StateShiftIR
}

// next[s][0] follows a TMS=0 clock in s, next[s][1] a TMS=1 clock.
var next = [numStates][2]State{
	StateTestLogicReset: {StateRunTestIdle, StateTestLogicReset},
	StateRunTestIdle:    {StateRunTestIdle, StateSelectDRScan},
	StateSelectDRScan:   {StateCaptureDR, StateSelectIRScan},
	StateCaptureDR:      {StateShiftDR, StateExit1DR},
	StateShiftDR:        {StateShiftDR, StateExit1DR},
	StateExit1DR:        {StatePauseDR, StateUpdateDR},
	StatePauseDR:        {StatePauseDR, StateExit2DR},
	StateExit2DR:        {StateShiftDR, StateUpdateDR},
	StateUpdateDR:       {StateRunTestIdle, StateSelectDRScan},
	StateSelectIRScan:   {StateCaptureIR, StateTestLogicReset},
	StateCaptureIR:      {StateShiftIR, StateExit1IR},
	StateShiftIR:        {StateShiftIR, StateExit1IR},
	StateExit1IR:        {StatePauseIR, StateUpdateIR},
	StatePauseIR:        {StatePauseIR, StateExit2IR},
	StateExit2IR:        {StateShiftIR, StateUpdateIR},
	StateUpdateIR:       {StateRunTestIdle, StateSelectDRScan},
}

// NextState returns the state after one TCK with the given TMS. It panics on
// an invalid state.
func NextState(current State, tms bool) State {
	if !current.Valid() {
		panic(fmt.Sprintf("tap: unhandled state %d", current))
	}
	if tms {
		return next[current][1]
	}
	return next[current][0]
}

// Sequence is a TMS pattern and every state it visits, starting state
// included.
type Sequence struct {
	TMS    []bool
	States []State
}

// routes[from][to] is the shortest TMS pattern between two states. Ties go
// to the pattern with TMS=0 earlier.
var routes = buildRoutes()

type edge struct {
	from State
	tms  bool
}

func buildRoutes() (r [numStates][numStates][]bool) {
	for from := State(0); from < numStates; from++ {
		var seen [numStates]bool
		var via [numStates]edge
		seen[from] = true
		queue := []State{from}
		for len(queue) > 0 {
			s := queue[0]
			queue = queue[1:]
			for i, n := range next[s] {
				if seen[n] {
					continue
				}
				seen[n] = true
				via[n] = edge{from: s, tms: i == 1}
				queue = append(queue, n)
			}
		}
		for to := State(0); to < numStates; to++ {
			var tms []bool
			for s := to; s != from; s = via[s].from {
				tms = append(tms, via[s].tms)
			}
			slices.Reverse(tms)
			r[from][to] = tms
		}
	}
	return r
}

// Path returns the shortest sequence from one state to another.
func Path(from, to State) (Sequence, error) {
	if !from.Valid() {
		return Sequence{}, fmt.Errorf("tap: invalid start state %d", from)
	}
	if !to.Valid() {
		return Sequence{}, fmt.Errorf("tap: invalid target state %d", to)
	}
	tms := slices.Clone(routes[from][to])
	return Sequence{TMS: tms, States: Replay(from, tms)}, nil
}

// Replay runs tms from a starting state and returns every visited state,
// including from itself.
func Replay(from State, tms []bool) []State {
	states := make([]State, 1, len(tms)+1)
	states[0] = from
	for _, bit := range tms {
		from = NextState(from, bit)
		states = append(states, from)
	}
	return states
}

// StateMachine tracks the TAP controller state locally.
type StateMachine struct {
	state State
}

// NewStateMachine returns a machine in Test-Logic-Reset.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

func (m *StateMachine) State() State { return m.state }

// Clock advances one TCK and returns the new state.
func (m *StateMachine) Clock(tms bool) State {
	m.state = NextState(m.state, tms)
	return m.state
}

// Reset clocks ResetClocks TMS=1 cycles and returns them so they can be
// forwarded to the pins.
func (m *StateMachine) Reset() Sequence {
	tms := make([]bool, ResetClocks)
	for i := range tms {
		tms[i] = true
	}
	seq := Sequence{TMS: tms, States: Replay(m.state, tms)}
	m.state = StateTestLogicReset
	return seq
}

// GoTo moves the machine to target along the shortest path and returns it.
func (m *StateMachine) GoTo(target State) (Sequence, error) {
	seq, err := Path(m.state, target)
	if err != nil {
		return Sequence{}, err
	}
	m.state = target
	return seq, nil
}

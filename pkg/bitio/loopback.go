package bitio

// Edge is one recorded TCK cycle.
type Edge struct {
	TMS, TDI, TDO bool
	Hardware      bool
}

// Loopback is a Conn with TDI wired straight to TDO. It records every clock
// cycle and is meant for tests of the layers above.
type Loopback struct {
	// Glitch makes EngageHardware produce a hand-off edge, which is then
	// recorded like any other cycle.
	Glitch bool

	Edges    []Edge
	Acquired bool
	Released int

	tms, tdi, tdo bool
	engaged       bool
}

func (l *Loopback) SetTMS(high bool) { l.tms = high }
func (l *Loopback) SetTDI(high bool) { l.tdi = high }

func (l *Loopback) PulseClock() {
	l.tdo = l.tdi
	l.Edges = append(l.Edges, Edge{TMS: l.tms, TDI: l.tdi, TDO: l.tdo})
}

func (l *Loopback) ReadTDO() bool { return l.tdo }

func (l *Loopback) hwByte(out byte) byte {
	var in byte
	for bit := 7; bit >= 0; bit-- {
		v := out&(1<<uint(bit)) != 0
		l.Edges = append(l.Edges, Edge{TDI: v, TDO: v, Hardware: true})
		if v {
			in |= 1 << uint(bit)
		}
	}
	return in
}

func (l *Loopback) HWWrite(p []byte) {
	for _, b := range p {
		l.hwByte(b)
	}
}

func (l *Loopback) HWReadInto(p []byte) {
	for i := range p {
		p[i] = l.hwByte(0)
	}
}

func (l *Loopback) HWWriteRead(out, in []byte) {
	for i, b := range out {
		in[i] = l.hwByte(b)
	}
}

func (l *Loopback) HandoffGlitch() bool { return l.Glitch }

func (l *Loopback) EngageHardware() {
	l.engaged = true
	if l.Glitch {
		l.tdo = false
		l.Edges = append(l.Edges, Edge{Hardware: true})
	}
}

func (l *Loopback) ReleaseHardware() { l.engaged = false }

// Engaged reports whether TCK is currently routed to the shifter.
func (l *Loopback) Engaged() bool { return l.engaged }

func (l *Loopback) Acquire() error {
	l.Acquired = true
	return nil
}

func (l *Loopback) Release() error {
	l.Acquired = false
	l.Released++
	return nil
}

func (l *Loopback) Err() error { return nil }

// TMS returns the TMS value of every bit-banged cycle.
func (l *Loopback) TMS() []bool {
	var tms []bool
	for _, e := range l.Edges {
		if !e.Hardware {
			tms = append(tms, e.TMS)
		}
	}
	return tms
}

var _ Conn = (*Loopback)(nil)

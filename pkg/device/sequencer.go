// Package device runs the family-specific configuration scripts over the
// TAP engine and hands out sessions: SRAM configuration, bitstream upload
// and SPI flash access through the FPGA's JTAG-to-SPI bridge.
//
// A Sequencer owns its pins exclusively while a session is open. Closing the
// session returns the TAP to Test-Logic-Reset and every pin to
// high-impedance.
package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/spiflash"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/tap"
)

var (
	// ErrBusy is returned when a session is already open on the sequencer.
	ErrBusy = errors.New("device: a session is already open")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("device: session closed")
	// ErrUnsupported is returned when the family has no flash bridge.
	ErrUnsupported = errors.New("device: operation not supported by family")
)

// Sequencer drives one device family over one connection.
type Sequencer struct {
	conn         bitio.Conn
	engine       *jtag.Engine
	family       *Family
	geom         Geometry
	flash        spiflash.Params
	flashKnown   bool
	pollInterval time.Duration
	busyMask     spiflash.StatusRegister
	busy         atomic.Bool
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock sets the time source used for idle minimums and status polls.
func WithClock(c jtag.Clock) Option {
	return func(s *Sequencer) { s.engine = jtag.NewEngine(s.conn, jtag.WithClock(c)) }
}

// WithGeometry overrides the family's default flash geometry.
func WithGeometry(g Geometry) Option {
	return func(s *Sequencer) { s.geom = g }
}

// WithFlashParams fixes the flash timing instead of identifying the chip.
func WithFlashParams(p spiflash.Params) Option {
	return func(s *Sequencer) {
		s.flash = p
		s.flashKnown = true
	}
}

// WithBusyMask sets the status bits program and erase wait on to clear.
// The default is spiflash.StatusBusy.
func WithBusyMask(m spiflash.StatusRegister) Option {
	return func(s *Sequencer) { s.busyMask = m }
}

// WithPollInterval sets the sleep between flash status polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Sequencer) { s.pollInterval = d }
}

// New returns a sequencer for family on conn.
func New(conn bitio.Conn, family *Family, opts ...Option) *Sequencer {
	s := &Sequencer{
		conn:         conn,
		engine:       jtag.NewEngine(conn),
		family:       family,
		geom:         family.Flash,
		flash:        spiflash.Worst(),
		pollInterval: time.Millisecond,
		busyMask:     spiflash.StatusBusy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Family returns the family the sequencer drives.
func (s *Sequencer) Family() *Family { return s.family }

// Geometry returns the flash geometry in use.
func (s *Sequencer) Geometry() Geometry { return s.geom }

// Engine exposes the TAP engine, mostly for diagnostics.
func (s *Sequencer) Engine() *jtag.Engine { return s.engine }

func (s *Sequencer) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if err := s.conn.Acquire(); err != nil {
		s.busy.Store(false)
		return fmt.Errorf("device: acquire pins: %w", err)
	}
	return nil
}

// release parks the TAP and frees the pins even when the close script
// failed halfway.
func (s *Sequencer) release() error {
	defer s.busy.Store(false)
	var errs []error
	if s.engine.Mode() == jtag.HardwareClocked || s.engine.State() != tap.StateTestLogicReset {
		errs = append(errs, s.engine.Reset())
	}
	errs = append(errs, s.conn.Err())
	if err := s.conn.Release(); err != nil {
		errs = append(errs, fmt.Errorf("device: release pins: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Sequencer) run(script Script, results *[]CheckResult) error {
	if err := run(s.engine, s.family, script, results); err != nil {
		return err
	}
	if err := s.conn.Err(); err != nil {
		return fmt.Errorf("device: %s: %w", s.family.Name, err)
	}
	return nil
}

// open acquires the pins and runs the scripts; on failure the pins are
// released again.
func (s *Sequencer) open(what string, scripts ...Script) (*Session, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	sess := &Session{seq: s}
	for _, script := range scripts {
		if err := s.run(script, &sess.checks); err != nil {
			return nil, errors.Join(fmt.Errorf("device: open %s: %w", what, err), s.release())
		}
	}
	glog.V(1).Infof("device: %s %s open", s.family.Name, what)
	return sess, nil
}

// ReadIDCode resets the TAP, selects IDCODE and reads it.
func (s *Sequencer) ReadIDCode() (uint32, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	id, err := readIDCode(s.engine, s.family)
	return id, errors.Join(err, s.release())
}

// ReadIDCode reads the IDCODE of the first device on conn without knowing
// its family, relying on IDCODE being selected after Test-Logic-Reset.
func ReadIDCode(conn bitio.Conn, opts ...jtag.Option) (uint32, error) {
	if err := conn.Acquire(); err != nil {
		return 0, fmt.Errorf("device: acquire pins: %w", err)
	}
	e := jtag.NewEngine(conn, opts...)
	id, err := readIDCode(e, nil)
	if err == nil {
		err = conn.Err()
	}
	return id, errors.Join(err, conn.Release())
}

func readIDCode(e *jtag.Engine, f *Family) (uint32, error) {
	if err := e.Reset(); err != nil {
		return 0, err
	}
	if err := e.RunTestIdle(jtag.Idle{Cycles: 1}); err != nil {
		return 0, err
	}
	if f != nil {
		if err := e.Instruction(bitio.FromUint(f.IDCode, f.IRLength), nil, nil); err != nil {
			return 0, err
		}
	}
	capture := bitio.New(32, bitio.LSBFirst)
	if err := e.Data(bitio.New(32, bitio.LSBFirst), &capture, nil); err != nil {
		return 0, err
	}
	if err := e.Reset(); err != nil {
		return 0, err
	}
	id := uint32(capture.Field(0, 32))
	glog.V(1).Infof("device: IDCODE 0x%08X", id)
	return id, nil
}

// Session is an open configuration-mode session.
type Session struct {
	seq    *Sequencer
	checks []CheckResult
	closed bool
}

// Checks returns every status check run so far.
func (s *Session) Checks() []CheckResult {
	return append([]CheckResult(nil), s.checks...)
}

// LastCheck returns the most recent status check.
func (s *Session) LastCheck() (CheckResult, bool) {
	if len(s.checks) == 0 {
		return CheckResult{}, false
	}
	return s.checks[len(s.checks)-1], true
}

// Failed returns the checks that did not match.
func (s *Session) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range s.checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

func (s *Session) record(r CheckResult) {
	s.checks = append(s.checks, r)
}

// Close leaves configuration mode without loading anything.
func (s *Session) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.seq.release()
}

// OpenConfigurationMode resets the TAP and runs the family's configuration
// entry. Status mismatches are recorded in the session, not returned.
func (s *Sequencer) OpenConfigurationMode() (*Session, error) {
	return s.open("configuration mode", s.family.ConfigOpen)
}

// BitstreamSession streams a bitstream into configuration memory.
type BitstreamSession struct {
	*Session
	written int64
}

// OpenBitstreamUpload enters configuration mode and leaves the TAP in
// Shift-DR with the hardware shifter engaged.
func (s *Sequencer) OpenBitstreamUpload() (*BitstreamSession, error) {
	sess, err := s.open("bitstream upload", s.family.ConfigOpen, s.family.BitstreamOpen)
	if err != nil {
		return nil, err
	}
	return &BitstreamSession{Session: sess}, nil
}

// Write shifts p into the device. It implements io.Writer.
func (b *BitstreamSession) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if err := b.seq.engine.HWWrite(p); err != nil {
		return 0, err
	}
	b.written += int64(len(p))
	return len(p), nil
}

// Written returns the number of bytes shifted so far.
func (b *BitstreamSession) Written() int64 { return b.written }

// Close finishes the upload, starts the device and reports whether the
// done pattern was read back. The pins are released in every case.
func (b *BitstreamSession) Close() (bool, error) {
	if b.closed {
		return false, ErrClosed
	}
	b.closed = true
	from := len(b.checks)
	err := b.seq.run(b.seq.family.BitstreamClose, &b.checks)
	err = errors.Join(err, b.seq.release())

	done := err == nil
	for _, c := range b.checks[from:] {
		if c.Done && !c.OK {
			done = false
		}
	}
	glog.V(1).Infof("device: %s bitstream closed after %d bytes, done=%v", b.seq.family.Name, b.written, done)
	return done, err
}

package device

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/spiflash"
)

// Parameter errors. They are returned before any pin is touched.
var (
	ErrMisaligned  = errors.New("device: misaligned flash address")
	ErrEmptyBuffer = errors.New("device: empty buffer")
	ErrBufferSize  = errors.New("device: buffer larger than write size")
	ErrRange       = errors.New("device: address beyond 24-bit flash window")
)

// BusyError reports a flash that kept its busy bit set for every poll.
type BusyError struct {
	Polls  int
	Status spiflash.StatusRegister
	Mask   spiflash.StatusRegister
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device: flash still busy after %d polls, status %s (mask 0x%02X)", e.Polls, e.Status, byte(e.Mask))
}

// FlashSession talks to the SPI flash through the FPGA's bridge. Every SPI
// transaction is one DR scan: chip select follows Shift-DR.
type FlashSession struct {
	*Session
	id     spiflash.ID
	params spiflash.Params
}

// OpenFlashBridge enters configuration mode, enables the JTAG-to-SPI
// bridge and identifies the flash chip unless its parameters were fixed
// with WithFlashParams.
func (s *Sequencer) OpenFlashBridge() (*FlashSession, error) {
	if !s.family.HasFlash() {
		return nil, fmt.Errorf("%w: %s has no flash bridge", ErrUnsupported, s.family.Name)
	}
	if err := s.geom.Validate(); err != nil {
		return nil, err
	}
	sess, err := s.open("flash bridge", s.family.ConfigOpen, s.family.FlashOpen)
	if err != nil {
		return nil, err
	}
	f := &FlashSession{Session: sess, params: s.flash}
	if s.flashKnown {
		return f, nil
	}

	id, err := f.ReadID()
	if err != nil {
		f.closed = true
		return nil, errors.Join(err, s.release())
	}
	f.id = id
	if p, ok := spiflash.Lookup(id); ok {
		f.params = p
		glog.V(1).Infof("device: flash %s (%s)", p.Name, id)
	} else {
		glog.V(1).Infof("device: unknown flash %s, using worst-case timing", id)
	}
	return f, nil
}

// ID returns the JEDEC ID read when the session opened.
func (f *FlashSession) ID() spiflash.ID { return f.id }

// Params returns the timing in use.
func (f *FlashSession) Params() spiflash.Params { return f.params }

// Geometry returns the erase, write and read sizes.
func (f *FlashSession) Geometry() Geometry { return f.seq.geom }

func (f *FlashSession) check() error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

func (f *FlashSession) selectBridge() error {
	if len(f.seq.family.FlashSelect) == 0 {
		return nil
	}
	return f.seq.run(f.seq.family.FlashSelect, &f.checks)
}

// command runs send as one SPI transaction and captures MISO into recv when
// it is non-nil.
func (f *FlashSession) command(send, recv []byte) error {
	if err := f.selectBridge(); err != nil {
		return err
	}
	seq := bitio.FromBytes(append([]byte(nil), send...), bitio.MSBFirst)
	var capture *bitio.BitSequence
	if recv != nil {
		c := bitio.New(seq.Bits, bitio.MSBFirst)
		capture = &c
	}
	if err := f.seq.engine.Data(seq, capture, nil); err != nil {
		return err
	}
	if capture != nil {
		copy(recv, capture.Data)
	}
	return f.seq.conn.Err()
}

// Transfer sends one raw SPI command and returns MISO in recv, byte for
// byte aligned with send.
func (f *FlashSession) Transfer(send, recv []byte) error {
	if err := f.check(); err != nil {
		return err
	}
	if len(send) == 0 {
		return ErrEmptyBuffer
	}
	return f.command(send, recv)
}

// ReadStatus reads the status register.
func (f *FlashSession) ReadStatus() (spiflash.StatusRegister, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	if err := f.command([]byte{spiflash.CmdReadStatusRegister, 0}, buf); err != nil {
		return 0, err
	}
	return spiflash.StatusRegister(buf[1]), nil
}

// ReadID reads the JEDEC ID.
func (f *FlashSession) ReadID() (spiflash.ID, error) {
	if err := f.check(); err != nil {
		return spiflash.ID{}, err
	}
	buf := make([]byte, 4)
	if err := f.command([]byte{spiflash.CmdReadID, 0, 0, 0}, buf); err != nil {
		return spiflash.ID{}, err
	}
	return spiflash.ID{buf[1], buf[2], buf[3]}, nil
}

// WaitStatus polls the status register at most maxPolls times until none of
// the mask bits is set, sleeping the poll interval between polls. A flash
// still busy after the last poll yields a *BusyError.
func (f *FlashSession) WaitStatus(maxPolls int, mask spiflash.StatusRegister) error {
	if err := f.check(); err != nil {
		return err
	}
	maxPolls = max(maxPolls, 1)
	var sr spiflash.StatusRegister
	for i := 0; i < maxPolls; i++ {
		if i > 0 {
			f.seq.engine.Clock().Sleep(f.seq.pollInterval)
		}
		var err error
		if sr, err = f.ReadStatus(); err != nil {
			return err
		}
		if sr&mask == 0 {
			return nil
		}
	}
	return &BusyError{Polls: maxPolls, Status: sr, Mask: mask}
}

// settle waits for a program or erase to finish. A timeout is logged and
// recorded; the caller's verify read decides.
func (f *FlashSession) settle(polls int, what string) error {
	err := f.WaitStatus(polls, f.seq.busyMask)
	var busy *BusyError
	if errors.As(err, &busy) {
		glog.Warningf("device: %s: %v", what, err)
		f.record(CheckResult{Name: what + " busy", Got: uint64(busy.Status), Mask: uint64(busy.Mask), Expected: 0})
		return nil
	}
	return err
}

func (f *FlashSession) writeEnable() error {
	return f.command([]byte{spiflash.CmdWriteEnable}, nil)
}

func (f *FlashSession) erasePolls() int {
	return spiflash.Polls(f.params.EraseTime(f.seq.geom.EraseSize), f.seq.pollInterval)
}

func (f *FlashSession) writePolls() int {
	return spiflash.Polls(f.params.PageProgram, f.seq.pollInterval)
}

// EraseBlock erases the erase block starting at addr.
func (f *FlashSession) EraseBlock(addr uint32) error {
	if err := f.check(); err != nil {
		return err
	}
	size := f.seq.geom.EraseSize
	if addr > spiflash.MaxAddress {
		return fmt.Errorf("%w: 0x%X", ErrRange, addr)
	}
	if addr%uint32(size) != 0 {
		return fmt.Errorf("%w: 0x%06X is not a multiple of %d", ErrMisaligned, addr, size)
	}
	cmd, err := spiflash.EraseCommand(size)
	if err != nil {
		return err
	}

	if err := f.writeEnable(); err != nil {
		return err
	}
	// Some chips do not clear WIP without a status read here.
	sr, err := f.ReadStatus()
	if err != nil {
		return err
	}
	r := CheckResult{Name: "write enable", Got: uint64(sr), Mask: 0x03, Expected: 0x02, OK: sr&0x03 == 0x02}
	if !r.OK {
		glog.Warningf("device: %s", r)
	}
	f.record(r)

	if err := f.command(spiflash.Header(cmd, addr), nil); err != nil {
		return err
	}
	glog.V(2).Infof("device: erase %dK at 0x%06X", size>>10, addr)
	return f.settle(f.erasePolls(), "erase")
}

// WriteBlock programs data, at most one page, at the page-aligned addr.
// The hardware shifter carries the payload: the hand-off edge supplies the
// address LSB, which is zero for an aligned page.
func (f *FlashSession) WriteBlock(data []byte, addr uint32) error {
	if err := f.check(); err != nil {
		return err
	}
	page := f.seq.geom.WriteSize
	switch {
	case len(data) == 0:
		return ErrEmptyBuffer
	case len(data) > page:
		return fmt.Errorf("%w: %d > %d", ErrBufferSize, len(data), page)
	case addr > spiflash.MaxAddress || uint64(addr)+uint64(len(data))-1 > spiflash.MaxAddress:
		return fmt.Errorf("%w: 0x%X+%d", ErrRange, addr, len(data))
	case addr%uint32(page) != 0:
		return fmt.Errorf("%w: 0x%06X is not a multiple of %d", ErrMisaligned, addr, page)
	}

	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.selectBridge(); err != nil {
		return err
	}
	e := f.seq.engine
	header := bitio.BitSequence{Data: spiflash.Header(spiflash.CmdPageProgram, addr), Bits: 31, Order: bitio.MSBFirst}
	last := len(data) - 1
	steps := []func() error{
		e.EnterShiftDR,
		func() error { return e.ShiftDR(header, false, nil) },
		e.BeginHardwareShift,
		func() error { return e.HWWrite(data[:last]) },
		e.EndHardwareShift,
		func() error { return e.ShiftDR(bitio.FromBytes([]byte{data[last]}, bitio.MSBFirst), true, nil) },
		func() error { return e.ExitShiftDR(nil) },
		f.seq.conn.Err,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("device: write 0x%06X: %w", addr, err)
		}
	}
	return f.settle(f.writePolls(), "write")
}

// ReadBlock fills buf from addr with a fast read. Seven dummy cycles are
// bit-banged and the hand-off edge is the eighth.
func (f *FlashSession) ReadBlock(buf []byte, addr uint32) error {
	if err := f.check(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	if addr > spiflash.MaxAddress {
		return fmt.Errorf("%w: 0x%X", ErrRange, addr)
	}
	if err := f.selectBridge(); err != nil {
		return err
	}
	e := f.seq.engine
	steps := []func() error{
		e.EnterShiftDR,
		func() error {
			return e.ShiftDR(bitio.FromBytes(spiflash.Header(spiflash.CmdFastRead, addr), bitio.MSBFirst), false, nil)
		},
		func() error { return e.ShiftDR(bitio.New(7, bitio.MSBFirst), false, nil) },
		e.BeginHardwareShift,
		func() error { return e.HWReadInto(buf) },
		e.EndHardwareShift,
		func() error { return e.ShiftDR(bitio.New(8, bitio.MSBFirst), true, nil) },
		func() error { return e.ExitShiftDR(nil) },
		f.seq.conn.Err,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("device: read 0x%06X: %w", addr, err)
		}
	}
	return nil
}

// Close disables writes, leaves bridge mode and reloads the configuration
// from flash. The pins are released in every case.
func (f *FlashSession) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	err := f.command([]byte{spiflash.CmdWriteDisable}, nil)
	if err == nil {
		err = f.seq.run(f.seq.family.FlashClose, &f.checks)
	}
	glog.V(1).Infof("device: %s flash bridge closed", f.seq.family.Name)
	return errors.Join(err, f.seq.release())
}

// Package dfu maps DfuSe downloads and uploads onto the programmer. It
// implements the address translation and session handling behind a DFU
// interface; USB descriptors and control transfers belong to the caller.
//
// Addresses below FlashBase go to configuration memory as a bitstream.
// Addresses from FlashBase up go to the SPI flash at addr&0xFFFFFF.
package dfu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/flash"
)

// USB identity of the programmer in DFU mode.
const (
	VendorID  = 0x1d50
	ProductID = 0x614b
)

const (
	// TransferSize is wTransferSize of the functional descriptor.
	TransferSize = 4096
	// FlashBase is the first address that selects the SPI flash.
	FlashBase = 0xF000000

	// DefaultLayout describes 256 MiB of write-only bitstream space followed
	// by the 16 MiB flash window.
	DefaultLayout = "@0xF000000:FLASH/0x0/61440*4Kd,4096*4Ke"
)

// DfuSe commands carried in block 0 downloads.
const (
	CmdSetAddress    = 0x21
	CmdErase         = 0x41
	CmdReadUnprotect = 0x92
)

// State is the DFU class state reported by GETSTATUS.
type State uint8

const (
	StateIdle       State = 2
	StateDnloadIdle State = 5
	StateManifest   State = 7
	StateUploadIdle State = 9
	StateError      State = 10
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "dfuIDLE"
	case StateDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateManifest:
		return "dfuMANIFEST"
	case StateUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateError:
		return "dfuERROR"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Status values.
const (
	StatusOK          = 0x00
	StatusErrTarget   = 0x01
	StatusErrWrite    = 0x03
	StatusErrErase    = 0x04
	StatusErrAddress  = 0x08
	StatusErrUnknown  = 0x0E
	StatusErrStalledP = 0x0F
)

var (
	ErrCommand  = errors.New("dfu: malformed DfuSe command")
	ErrNoTarget = errors.New("dfu: no address set")
	ErrBlock    = errors.New("dfu: unexpected block number")
)

// Handler is the DFU state machine of one programmer.
type Handler struct {
	seq    *device.Sequencer
	layout Layout

	addr   uint32
	state  State
	status byte

	bit  *device.BitstreamSession
	fs   *device.FlashSession
	prog *flash.Programmer

	// Flash data is staged per erase block: pend[:fill] holds the block at
	// base, programmed once full or when the download moves on.
	pend []byte
	base uint32
	fill int

	// Done is the outcome of the last manifested bitstream.
	Done bool
}

// New returns a handler programming through seq.
func New(seq *device.Sequencer) *Handler {
	l, err := ParseLayout(DefaultLayout)
	if err != nil {
		panic(err)
	}
	return &Handler{seq: seq, layout: l, state: StateIdle}
}

// Layout returns the memory layout the handler advertises.
func (h *Handler) Layout() Layout { return h.layout }

// State reports the current DFU state.
func (h *Handler) State() State { return h.state }

// Address returns the address set by the last DfuSe set-address command.
func (h *Handler) Address() uint32 { return h.addr }

// GetStatus returns the six GETSTATUS bytes and clears a reported error.
func (h *Handler) GetStatus() [6]byte {
	s := [6]byte{h.status, 0, 0, 0, byte(h.state), 0}
	h.status = StatusOK
	return s
}

// ClearStatus leaves the error state.
func (h *Handler) ClearStatus() {
	h.state, h.status = StateIdle, StatusOK
}

func (h *Handler) fail(status byte, err error) error {
	h.state, h.status = StateError, status
	glog.Warningf("dfu: %v", err)
	return err
}

func (h *Handler) toFlash() bool { return h.addr >= FlashBase }

func (h *Handler) open() error {
	if h.bit != nil || h.fs != nil {
		return nil
	}
	if !h.toFlash() {
		bit, err := h.seq.OpenBitstreamUpload()
		if err != nil {
			return err
		}
		h.bit = bit
		return nil
	}
	fs, err := h.seq.OpenFlashBridge()
	if err != nil {
		return err
	}
	prog, err := flash.New(fs)
	if err != nil {
		return errors.Join(err, fs.Close())
	}
	h.fs, h.prog = fs, prog
	return nil
}

// Download handles DFU_DNLOAD. Block 0 carries a DfuSe command, blocks from
// 2 on carry data for (block-2)*TransferSize past the set address. An empty
// download ends the transfer.
func (h *Handler) Download(block uint16, data []byte) error {
	if len(data) == 0 {
		_, err := h.Manifest()
		return err
	}
	if h.state == StateError {
		return h.fail(StatusErrStalledP, fmt.Errorf("dfu: download in %s", h.state))
	}
	switch {
	case block == 0:
		return h.command(data)
	case block == 1:
		return h.fail(StatusErrStalledP, fmt.Errorf("%w: %d", ErrBlock, block))
	}
	if h.bit == nil && h.fs == nil {
		return h.fail(StatusErrAddress, ErrNoTarget)
	}
	addr := uint32(block-2)*TransferSize + h.addr
	if h.bit != nil {
		if _, err := h.bit.Write(data); err != nil {
			return h.fail(StatusErrWrite, fmt.Errorf("dfu: bitstream block %d: %w", block, err))
		}
	} else if err := h.stage(addr&0xFFFFFF, data); err != nil {
		return h.fail(StatusErrWrite, fmt.Errorf("dfu: block %d: %w", block, err))
	}
	h.state = StateDnloadIdle
	return nil
}

// stage copies data for the flash address addr into the erase block
// buffer. Bytes of a block the download skips over are filled from the
// flash so programming the block keeps them.
func (h *Handler) stage(addr uint32, data []byte) error {
	size := h.fs.Geometry().EraseSize
	if len(h.pend) != size {
		h.pend = make([]byte, size)
	}
	for len(data) > 0 {
		base := addr &^ uint32(size-1)
		if h.fill > 0 && base != h.base {
			if err := h.flush(); err != nil {
				return err
			}
		}
		h.base = base
		off := int(addr - base)
		if off > h.fill {
			if err := h.readFlash(h.pend[h.fill:off], base+uint32(h.fill)); err != nil {
				return fmt.Errorf("flash 0x%06X: %w", base, err)
			}
		}
		n := copy(h.pend[off:], data)
		h.fill = max(h.fill, off+n)
		data = data[n:]
		addr += uint32(n)
		if h.fill == size {
			if err := h.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush programs the staged erase block. A partial block keeps the rest of
// the block as it is on the flash.
func (h *Handler) flush() error {
	if h.fill == 0 {
		return nil
	}
	n := h.fill
	h.fill = 0
	d, err := h.prog.ProgramBlock(h.pend[:n], h.base)
	if err != nil {
		return fmt.Errorf("flash block 0x%06X: %w", h.base, err)
	}
	glog.V(2).Infof("dfu: flash 0x%06X+%d %s", h.base, n, d)
	return nil
}

func (h *Handler) readFlash(buf []byte, addr uint32) error {
	step := h.fs.Geometry().ReadSize
	for off := 0; off < len(buf); off += step {
		if err := h.fs.ReadBlock(buf[off:min(off+step, len(buf))], addr+uint32(off)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) command(data []byte) error {
	switch {
	case data[0] == CmdSetAddress && len(data) == 5:
		if err := h.flush(); err != nil {
			return h.fail(StatusErrWrite, fmt.Errorf("dfu: %w", err))
		}
		h.addr = binary.LittleEndian.Uint32(data[1:])
		if err := h.open(); err != nil {
			return h.fail(StatusErrTarget, fmt.Errorf("dfu: open 0x%08X: %w", h.addr, err))
		}
		glog.V(1).Infof("dfu: address 0x%08X", h.addr)
	case data[0] == CmdErase && len(data) == 1:
		// Mass erase is left to the per-block erase of the writes.
	case data[0] == CmdErase && len(data) == 5:
		addr := binary.LittleEndian.Uint32(data[1:])
		if err := h.erase(addr); err != nil {
			return h.fail(StatusErrErase, err)
		}
	default:
		return h.fail(StatusErrStalledP, fmt.Errorf("%w: % X", ErrCommand, data))
	}
	h.state = StateDnloadIdle
	return nil
}

// erase clears the TransferSize sector at addr. Pages in bitstream space
// have nothing to erase. A chip with larger erase blocks gets the sector
// written as 0xFF so the rest of its block survives.
func (h *Handler) erase(addr uint32) error {
	if addr < FlashBase {
		return nil
	}
	if h.fs == nil {
		if h.bit != nil {
			return fmt.Errorf("dfu: erase 0x%08X during a bitstream download", addr)
		}
		saved := h.addr
		h.addr = addr
		err := h.open()
		h.addr = saved
		if err != nil {
			return err
		}
	}
	at := addr & 0xFFFFFF &^ (TransferSize - 1)
	if h.fs.Geometry().EraseSize > TransferSize {
		err := h.stage(at, bytes.Repeat([]byte{0xFF}, TransferSize))
		if err == nil {
			err = h.flush()
		}
		if err != nil {
			return fmt.Errorf("dfu: erase 0x%06X: %w", at, err)
		}
		return nil
	}
	if err := h.flush(); err != nil {
		return fmt.Errorf("dfu: erase 0x%06X: %w", at, err)
	}
	if err := h.fs.EraseBlock(at &^ uint32(h.fs.Geometry().EraseSize-1)); err != nil {
		return fmt.Errorf("dfu: erase 0x%06X: %w", at, err)
	}
	return nil
}

// Upload handles DFU_UPLOAD. It fills buf from flash at
// (block-2)*len(buf) past the set address and returns the byte count; zero
// ends the upload.
func (h *Handler) Upload(block uint16, buf []byte) (int, error) {
	if block < 2 || !h.toFlash() || len(buf) == 0 {
		return 0, nil
	}
	if h.bit != nil {
		return 0, h.fail(StatusErrTarget, errors.New("dfu: upload during a bitstream download"))
	}
	if err := h.open(); err != nil {
		return 0, h.fail(StatusErrTarget, err)
	}
	if err := h.flush(); err != nil {
		return 0, h.fail(StatusErrWrite, fmt.Errorf("dfu: %w", err))
	}
	addr := (uint32(block-2)*uint32(len(buf)) + h.addr) & 0xFFFFFF
	if err := h.fs.ReadBlock(buf, addr); err != nil {
		return 0, h.fail(StatusErrTarget, err)
	}
	h.state = StateUploadIdle
	return len(buf), nil
}

// Manifest closes the open target. A bitstream reports whether the device
// came up; a flash is reloaded into the device.
func (h *Handler) Manifest() (bool, error) {
	h.state = StateManifest
	var done bool
	var err error
	switch {
	case h.bit != nil:
		done, err = h.bit.Close()
		h.Done = done
		glog.V(1).Infof("dfu: bitstream of %d bytes manifested, done=%v", h.bit.Written(), done)
	case h.fs != nil:
		ferr := h.flush()
		st := h.prog.Stats()
		err = errors.Join(ferr, h.fs.Close())
		done = err == nil
		glog.V(1).Infof("dfu: flash manifested, %d blocks %d erased %d written", st.Blocks, st.Erased, st.Written)
	}
	h.bit, h.fs, h.prog = nil, nil, nil
	h.state = StateIdle
	if err != nil {
		return done, h.fail(StatusErrTarget, err)
	}
	return done, nil
}

// Abort drops staged flash data, closes any open target and returns to idle.
func (h *Handler) Abort() error {
	h.fill = 0
	_, err := h.Manifest()
	h.ClearStatus()
	return err
}

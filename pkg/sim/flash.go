package sim

import (
	"bytes"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/spiflash"
)

// Flash models a SPI NOR chip at the bit level. Program and erase take
// effect when chip select is released, as on real parts.
type Flash struct {
	Mem []byte
	ID  spiflash.ID

	// BusyPolls is how many status reads report busy after a program or
	// erase. StuckBusy keeps the busy bit set forever.
	BusyPolls int
	StuckBusy bool

	// Counters.
	Erases       int
	Programs     int
	Reads        int
	StatusReads  int
	WriteEnables int
	// Ignored counts program or erase commands dropped for lack of WEL.
	Ignored int

	wel      bool
	busyLeft int

	selected bool
	nbits    int
	cur      byte
	rx       []byte
	out      byte
	addr     uint32
	page     []byte
}

// NewFlash returns an erased chip of size bytes.
func NewFlash(size int) *Flash {
	return &Flash{
		Mem: bytes.Repeat([]byte{0xFF}, size),
		ID:  spiflash.IDWinbondW25Q128,
	}
}

// Status returns the current status register.
func (f *Flash) Status() spiflash.StatusRegister {
	var sr spiflash.StatusRegister
	if f.busyLeft > 0 || f.StuckBusy {
		sr |= 0x01
	}
	if f.wel {
		sr |= 0x02
	}
	return sr
}

func (f *Flash) busy() bool { return f.busyLeft > 0 || f.StuckBusy }

func (f *Flash) index(addr uint32) int { return int(addr) % len(f.Mem) }

func (f *Flash) selectChip() {
	f.selected = true
	f.nbits = 0
	f.cur = 0
	f.rx = f.rx[:0]
	f.page = f.page[:0]
	f.out = 0xFF
}

// miso is the bit presented for the next clock.
func (f *Flash) miso() bool {
	if !f.selected {
		return true
	}
	return f.out&(0x80>>uint(f.nbits%8)) != 0
}

func (f *Flash) shift(mosi bool) {
	if !f.selected {
		return
	}
	f.cur <<= 1
	if mosi {
		f.cur |= 1
	}
	f.nbits++
	if f.nbits%8 == 0 {
		f.onByte(f.cur)
		f.cur = 0
	}
}

func (f *Flash) onByte(b byte) {
	f.rx = append(f.rx, b)
	n := len(f.rx)
	cmd := f.rx[0]
	if n == 4 {
		f.addr = uint32(f.rx[1])<<16 | uint32(f.rx[2])<<8 | uint32(f.rx[3])
	}

	f.out = 0xFF
	switch cmd {
	case spiflash.CmdReadStatusRegister:
		f.out = byte(f.Status())
	case spiflash.CmdReadID:
		if n <= 3 {
			f.out = f.ID[n-1]
		}
	case spiflash.CmdRead:
		if n >= 4 && !f.busy() {
			f.out = f.Mem[f.index(f.addr+uint32(n-4))]
		}
	case spiflash.CmdFastRead:
		if n >= 5 && !f.busy() {
			f.out = f.Mem[f.index(f.addr+uint32(n-5))]
		}
	case spiflash.CmdPageProgram:
		if n > 4 {
			f.page = append(f.page, b)
		}
	}
}

func (f *Flash) deselect() {
	if !f.selected {
		return
	}
	f.selected = false
	if len(f.rx) == 0 {
		return
	}
	switch cmd := f.rx[0]; cmd {
	case spiflash.CmdWriteEnable:
		f.WriteEnables++
		if !f.busy() {
			f.wel = true
		}
	case spiflash.CmdWriteDisable:
		f.wel = false
	case spiflash.CmdReadStatusRegister:
		f.StatusReads++
		if f.busyLeft > 0 && len(f.rx) > 1 {
			f.busyLeft--
		}
	case spiflash.CmdRead, spiflash.CmdFastRead:
		f.Reads++
	case spiflash.CmdPageProgram:
		if len(f.rx) < 5 || !f.accept() {
			return
		}
		// Page program wraps within the 256-byte page.
		base := f.addr &^ 0xFF
		for i, b := range f.page {
			a := base | (f.addr+uint32(i))&0xFF
			f.Mem[f.index(a)] &= b
		}
		f.Programs++
		f.busyLeft = f.BusyPolls
	case spiflash.CmdErase4KB, spiflash.CmdErase32KB, spiflash.CmdErase64KB:
		if len(f.rx) < 4 || !f.accept() {
			return
		}
		size := map[byte]uint32{spiflash.CmdErase4KB: 4 << 10, spiflash.CmdErase32KB: 32 << 10, spiflash.CmdErase64KB: 64 << 10}[cmd]
		start := f.addr &^ (size - 1)
		for a := start; a < start+size; a++ {
			f.Mem[f.index(a)] = 0xFF
		}
		f.Erases++
		f.busyLeft = f.BusyPolls
	}
}

func (f *Flash) accept() bool {
	if !f.wel || f.busy() {
		f.Ignored++
		return false
	}
	f.wel = false
	return true
}

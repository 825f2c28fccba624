// Package spiflash describes SPI NOR flash chips reached through an FPGA's
// JTAG-to-SPI bridge: command bytes, the status register and per-chip timing.
// It performs no I/O.
package spiflash

import (
	"fmt"
	"strings"
)

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	CmdPowerUp            = 0xAB // Release Power Down
	CmdPowerDown          = 0xB9
	CmdReadID             = 0x9F
	CmdRead               = 0x03
	CmdFastRead           = 0x0B // one dummy byte after the address
	CmdWriteEnable        = 0x06
	CmdWriteDisable       = 0x04
	CmdPageProgram        = 0x02
	CmdErase4KB           = 0x20 // Subsector Erase / Sector Erase (4KB)
	CmdErase32KB          = 0x52
	CmdErase64KB          = 0xD8 // Sector Erase / Block Erase (64KB)
	CmdEraseChip          = 0xC7 // Bulk Erase / Chip Erase
	CmdReadStatusRegister = 0x05
)

// MaxAddress is the last byte reachable with 3-byte addressing.
const MaxAddress = 1<<24 - 1

// EraseCommand returns the erase opcode clearing one block of size bytes.
// 256 KiB sectors of large parts take the 64 KiB opcode.
func EraseCommand(size int) (byte, error) {
	switch size {
	case 4 << 10:
		return CmdErase4KB, nil
	case 32 << 10:
		return CmdErase32KB, nil
	case 64 << 10, 256 << 10:
		return CmdErase64KB, nil
	}
	return 0, fmt.Errorf("spiflash: no erase command for %d byte blocks", size)
}

// Header returns cmd followed by the 24-bit big-endian address.
func Header(cmd byte, addr uint32) []byte {
	return []byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

// Status register bits.
const (
	StatusBusy            StatusRegister = 1 << 0
	StatusWriteEnable     StatusRegister = 1 << 1
	StatusSRP             StatusRegister = 1 << 7

	// StatusBusyStrict also waits for the write enable latch to drop and
	// treats a set SRP bit as busy. It is 0xC1 as read LSB-first through
	// the ECP5 bridge.
	StatusBusyStrict = StatusSRP | StatusWriteEnable | StatusBusy
)

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect() byte          { return byte(sr>>2) & 0x7 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	var s []string
	if sr.StatusRegisterProtect() {
		s = append(s, "SRP")
	}
	if sr.SectorProtect() {
		s = append(s, "SEC")
	}
	if sr.TopBottom() {
		s = append(s, "TB")
	}
	if bp := sr.BlockProtect(); bp != 0 {
		s = append(s, fmt.Sprintf("BP=%d", bp))
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

// ID is a JEDEC manufacturer, memory type and capacity triple.
type ID [3]byte

func (id ID) String() string {
	return fmt.Sprintf("%02X %02X %02X", id[0], id[1], id[2])
}

// Size returns the capacity encoded in the third byte, or 0 when it is not a
// power-of-two code.
func (id ID) Size() int {
	if id[2] < 0x10 || id[2] > 0x1F {
		return 0
	}
	return 1 << id[2]
}

package device

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/idcode/deviceinfo"
)

// Geometry describes the SPI flash behind the bridge as the programmer uses
// it. Erase blocks are the unit of the flash algorithm, writes are page
// programs and reads are split into ReadSize transfers.
type Geometry struct {
	EraseSize int
	WriteSize int
	ReadSize  int
}

// Validate checks that sizes are powers of two and nest.
func (g Geometry) Validate() error {
	for _, v := range []struct {
		name string
		n    int
	}{{"erase", g.EraseSize}, {"write", g.WriteSize}, {"read", g.ReadSize}} {
		if v.n <= 0 || v.n&(v.n-1) != 0 {
			return fmt.Errorf("device: %s size %d is not a power of two", v.name, v.n)
		}
	}
	if g.WriteSize > g.EraseSize {
		return fmt.Errorf("device: write size %d exceeds erase size %d", g.WriteSize, g.EraseSize)
	}
	return nil
}

// Family is the data table for one FPGA family. A single sequencer runs
// these scripts; nothing family specific lives in code.
type Family struct {
	Name     string
	IRLength int
	IDCode   uint64 // IDCODE instruction

	// ConfigOpen enters SRAM configuration mode.
	ConfigOpen Script
	// BitstreamOpen follows ConfigOpen and ends in Shift-DR with the
	// hardware shifter engaged.
	BitstreamOpen Script
	// BitstreamClose starts hardware-clocked in Shift-DR. Checks marked Done
	// decide the result.
	BitstreamClose Script
	// FlashOpen follows ConfigOpen and enables the JTAG-to-SPI bridge.
	FlashOpen Script
	// FlashSelect runs before every bridged SPI transaction.
	FlashSelect Script
	// FlashClose runs after write-disable and reloads the configuration.
	FlashClose Script

	// Flash is the default geometry; a zero EraseSize means the family has
	// no flash bridge.
	Flash Geometry
}

// HasFlash reports whether the family supports flash-bridge sessions.
func (f *Family) HasFlash() bool { return f.Flash.EraseSize > 0 }

func (f *Family) String() string { return f.Name }

var ECP5 = &Family{
	Name:     "ecp5",
	IRLength: 8,
	IDCode:   0xE0,
	ConfigOpen: Script{
		reset(),
		idle(1, 0),
		ir(0x1C), // LSC_PRELOAD
		dr(bytes.Repeat([]byte{0xFF}, 64)...),
		ir(0xC6), // ISC_ENABLE
		drIdle(2, 10, 0x00),
		irIdle(0x3C, 2, 1), // LSC_READ_STATUS
		read(32, Check{Name: "enable status", Mask: 0x24040, Expected: 0}),
		ir(0x0E), // ISC_ERASE
		drIdle(2, 10, 0x01),
		irIdle(0x3C, 2, 1),
		read(32, Check{Name: "erase status", Mask: 0xB000, Expected: 0}),
	},
	BitstreamOpen: join(Script{
		ir(0x46), // LSC_INIT_ADDRESS
		drIdle(2, 10, 0x01),
		ir(0x7A), // LSC_BITSTREAM_BURST
	}, upload()),
	BitstreamClose: Script{
		{Op: OpEndHardware},
		exitShiftDR(99, 10), // 100 idle clocks, Update-DR to Run-Test/Idle included
		irIdle(0xC0, 2, 1), // USERCODE
		read(32, Check{Name: "usercode", Mask: 0xFFFFFFFF, Expected: 0}),
		irIdle(0x26, 2, 200), // ISC_DISABLE
		irIdle(0xFF, 2, 1),   // BYPASS
		ir(0x3C),
		read(32, Check{Name: "done status", Mask: 0x2100, Expected: 0x100, Done: true}),
		reset(),
	},
	FlashOpen: Script{
		reset(),
		idle(1, 0),
		irIdle(0xFF, 32, 0),
		ir(0x3A), // LSC_PROG_SPI
		drIdle(32, 0, 0xFE, 0x68),
	},
	FlashClose: Script{
		irIdle(0xFF, 100, 1),
		irIdle(0x26, 2, 200),
		irIdle(0xFF, 2, 1),
		ir(0x79), // LSC_REFRESH
		drIdle(2, 100, 0x00, 0x00, 0x00),
		reset(),
	},
	Flash: Geometry{EraseSize: 4096, WriteSize: 256, ReadSize: 4096},
}

// Artix7 expects a JTAG-to-SPI proxy bitstream behind USER1 for flash
// access; loading it is the caller's business.
var Artix7 = &Family{
	Name:       "artix7",
	IRLength:   6,
	IDCode:     0x09,
	ConfigOpen: Script{reset(), idle(1, 0)},
	BitstreamOpen: join(Script{
		ir(0x3F),            // BYPASS
		irIdle(0x0B, 1, 20), // JPROGRAM
		irCheck(0x14, Check{Name: "init complete", Mask: 0x10, Expected: 0x10}),
		ir(0x05), // CFG_IN
	}, upload()),
	BitstreamClose: Script{
		{Op: OpEndHardware},
		exitShiftDR(1, 10),
		irIdle(0x0C, 2000, 0), // JSTART
		irCheck(0x3F, Check{Name: "done", Mask: 0x20, Expected: 0x20, Done: true}),
		reset(),
	},
	FlashOpen:   Script{reset(), idle(1, 0)},
	FlashSelect: Script{ir(0x02)}, // USER1
	FlashClose: Script{
		ir(0x0D),               // JSHUTDOWN
		irIdle(0x0B, 2000, 20), // JPROGRAM
		irIdle(0x3F, 2000, 0),
		reset(),
	},
	Flash: Geometry{EraseSize: 4096, WriteSize: 256, ReadSize: 4096},
}

var Cyclone5 = &Family{
	Name:       "cyclone5",
	IRLength:   10,
	IDCode:     0x006,
	ConfigOpen: Script{reset(), idle(1, 0)},
	BitstreamOpen: join(Script{
		irIdle(0x002, 8, 2), // PROGRAM
	}, upload()),
	BitstreamClose: Script{
		{Op: OpEndHardware},
		exitShiftDR(8, 2),
		irIdle(0x004, 165, 0), // CHECK_STATUS
		read(864, Check{Name: "conf done", Offset: 160, Width: 8, Mask: 0x08, Expected: 0x08, Done: true}),
		irIdle(0x003, 8, 6), // STARTUP
		irIdle(0x3FF, 8, 2), // BYPASS
		reset(),
	},
}

// Families lists every supported family.
var Families = []*Family{ECP5, Artix7, Cyclone5}

var ErrUnknownFamily = errors.New("device: unknown family")

// LookupFamily finds a family by name, case-insensitively. "artix-7" and
// "cyclone-5" spellings are accepted.
func LookupFamily(name string) (*Family, error) {
	n := strings.ReplaceAll(strings.ToLower(name), "-", "")
	if n == "cyclonev" {
		n = "cyclone5"
	}
	for _, f := range Families {
		if f.Name == n {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownFamily, name)
}

// FamilyForIDCode picks the family of a device from its IDCODE.
func FamilyForIDCode(raw uint32) (*Family, deviceinfo.DeviceInfo, error) {
	if !idcode.Valid(raw) {
		return nil, deviceinfo.DeviceInfo{}, fmt.Errorf("%w: no device answered (IDCODE 0x%08X)", ErrUnknownFamily, raw)
	}
	info := deviceinfo.Lookup(raw)
	if !info.Known() {
		return nil, info, fmt.Errorf("%w: IDCODE 0x%08X (%s)", ErrUnknownFamily, raw, info.Manufacturer.Name)
	}
	f, err := LookupFamily(info.Family)
	return f, info, err
}

// Package idcode decodes IEEE 1149.1 IDCODE words.
package idcode

import "fmt"

// IDCode is the 32-bit value shifted out of the IDCODE register:
// version [31:28], part number [27:12], JEP106 manufacturer [11:1] and a
// marker bit 0 that is always 1.
type IDCode uint32

func (id IDCode) Version() uint8      { return uint8(id >> 28) }
func (id IDCode) Part() uint16        { return uint16(id >> 12) }
func (id IDCode) Manufacturer() uint16 { return uint16(id>>1) & 0x7FF }

// Valid reports whether id can be an IDCODE at all. An open TDO line reads
// as all ones, a TDO stuck low as all zeros.
func (id IDCode) Valid() bool {
	return id != 0 && id != 0xFFFFFFFF && id&1 == 1
}

func (id IDCode) String() string {
	return fmt.Sprintf("0x%08X (ver %d, part 0x%04X, mfr 0x%03X)", uint32(id), id.Version(), id.Part(), id.Manufacturer())
}

// Valid is IDCode(raw).Valid().
func Valid(raw uint32) bool { return IDCode(raw).Valid() }

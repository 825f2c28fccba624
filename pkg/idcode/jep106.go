package idcode

import "fmt"

// JEP106 codes as they appear in IDCODE bits [11:1]: bank in the upper
// four bits, identity code without parity in the lower seven.
const (
	Lattice   = 0x021
	Xilinx    = 0x049
	Altera    = 0x06E
	Microchip = 0x029
	Gowin     = 0x612
)

// Manufacturer is a JEP106 entry.
type Manufacturer struct {
	Code uint16
	Name string
}

var manufacturers = map[uint16]string{
	0x001:     "AMD",
	0x009:     "Intel",
	0x017:     "Texas Instruments",
	0x01F:     "Atmel",
	0x020:     "STMicroelectronics",
	Lattice:   "Lattice Semiconductor",
	Microchip: "Microchip Technology",
	Xilinx:    "Xilinx",
	Altera:    "Altera",
	0x23B:     "ARM",
	Gowin:     "Gowin Semiconductor",
}

// LookupManufacturer names a JEP106 code. Unknown codes get a placeholder
// name and false.
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	name, ok := manufacturers[code]
	if !ok {
		name = fmt.Sprintf("Unknown (0x%03X)", code)
	}
	return Manufacturer{Code: code, Name: name}, ok
}

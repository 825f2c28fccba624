// Package deviceinfo maps IDCODEs of the supported FPGAs to part names and
// programmer families.
package deviceinfo

import "github.com/OpenTraceLab/OpenTraceProg/pkg/idcode"

// DeviceInfo describes the device behind an IDCODE.
type DeviceInfo struct {
	IDCode       idcode.IDCode
	Manufacturer idcode.Manufacturer

	Name        string // "LFE5U-85F"
	Family      string // programmer family key: "ecp5", "artix7", "cyclone5"
	Description string

	HasFlashBridge bool
	ConfigBits     int // bitstream size in bits, 0 if unknown
	IRLength       int
}

// Known reports whether the device has an entry in the database.
func (d DeviceInfo) Known() bool {
	return d.Family != ""
}

// part is one database row. Part numbers exclude the version nibble.
type part struct {
	number uint16
	name   string
	bits   int
}

type family struct {
	manufacturer uint16
	description  string
	irLength     int
	bridge       bool
	parts        []part
}

package deviceinfo

import "github.com/OpenTraceLab/OpenTraceProg/pkg/idcode"

// The 12F shares the 25F part number and differs only in version.
var ecp5 = family{
	manufacturer: idcode.Lattice,
	description:  "Lattice ECP5 FPGA",
	irLength:     8,
	bridge:       true,
	parts: []part{
		{0x1111, "LFE5U-25F", 5_800_000},
		{0x1112, "LFE5U-45F", 10_000_000},
		{0x1113, "LFE5U-85F", 19_000_000},
		{0x1011, "LFE5UM-25F", 5_800_000},
		{0x1012, "LFE5UM-45F", 10_000_000},
		{0x1013, "LFE5UM-85F", 19_000_000},
		{0x3011, "LFE5UM5G-25F", 5_800_000},
		{0x3012, "LFE5UM5G-45F", 10_000_000},
		{0x3013, "LFE5UM5G-85F", 19_000_000},
	},
}

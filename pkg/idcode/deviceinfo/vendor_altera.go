package deviceinfo

import "github.com/OpenTraceLab/OpenTraceProg/pkg/idcode"

// Flash access needs a helper bitstream on Cyclone V and is not offered.
var cyclone5 = family{
	manufacturer: idcode.Altera,
	description:  "Altera Cyclone V FPGA",
	irLength:     10,
	parts: []part{
		{0x2B15, "5CEBA2/5CEFA2", 0},
		{0x2B05, "5CEBA4/5CEFA4", 0},
		{0x2B22, "5CEBA5/5CEFA5", 0},
		{0x2B13, "5CEBA7/5CEFA7", 0},
		{0x2B14, "5CEBA9/5CEFA9", 0},
	},
}

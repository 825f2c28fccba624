package deviceinfo

import "github.com/OpenTraceLab/OpenTraceProg/pkg/idcode"

var artix7 = family{
	manufacturer: idcode.Xilinx,
	description:  "Xilinx Artix-7 FPGA",
	irLength:     6,
	bridge:       true,
	parts: []part{
		{0x37C3, "XC7A12T", 9_934_432},
		{0x362E, "XC7A15T", 17_536_096},
		{0x37C2, "XC7A25T", 9_934_432},
		{0x362D, "XC7A35T", 17_536_096},
		{0x362C, "XC7A50T", 17_536_096},
		{0x3632, "XC7A75T", 30_606_304},
		{0x3631, "XC7A100T", 30_606_304},
		{0x3636, "XC7A200T", 77_845_216},
	},
}

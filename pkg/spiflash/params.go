package spiflash

import "time"

// Params are the worst-case program and erase times of one chip.
type Params struct {
	Name string

	PageProgram time.Duration
	Erase4KB    time.Duration
	Erase32KB   time.Duration
	Erase64KB   time.Duration
	EraseChip   time.Duration
}

var (
	IDMicronN25Q32      = ID{0x20, 0xBA, 0x16}
	IDWinbondW25Q128    = ID{0xEF, 0x70, 0x18}
	IDWinbondW25Q128JV  = ID{0xEF, 0x40, 0x18}
	IDISSIIS25LP128     = ID{0x9D, 0x60, 0x18}
	IDMacronixMX25L128  = ID{0xC2, 0x20, 0x18}
	IDSpansionS25FL128S = ID{0x01, 0x20, 0x18}
)

var known = map[ID]Params{
	// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
	IDMicronN25Q32: {
		Name:        "Micron N25Q 32Mb",
		PageProgram: 5 * time.Millisecond,
		Erase4KB:    800 * time.Millisecond,
		Erase32KB:   3 * time.Second,
		Erase64KB:   3 * time.Second,
		EraseChip:   60 * time.Second,
	},
	// [W25Q128|9.6 AC Electrical Characteristics]
	IDWinbondW25Q128: {
		Name:        "Winbond W25Q 128Mb",
		PageProgram: 3 * time.Millisecond,
		Erase4KB:    400 * time.Millisecond,
		Erase32KB:   1600 * time.Millisecond,
		Erase64KB:   2000 * time.Millisecond,
		EraseChip:   200 * time.Second,
	},
	IDWinbondW25Q128JV: {
		Name:        "Winbond W25Q128JV",
		PageProgram: 3 * time.Millisecond,
		Erase4KB:    400 * time.Millisecond,
		Erase32KB:   1600 * time.Millisecond,
		Erase64KB:   2000 * time.Millisecond,
		EraseChip:   200 * time.Second,
	},
	IDISSIIS25LP128: {
		Name:        "ISSI IS25LP128",
		PageProgram: 800 * time.Microsecond,
		Erase4KB:    300 * time.Millisecond,
		Erase32KB:   500 * time.Millisecond,
		Erase64KB:   1000 * time.Millisecond,
		EraseChip:   180 * time.Second,
	},
	IDMacronixMX25L128: {
		Name:        "Macronix MX25L12835F",
		PageProgram: 3 * time.Millisecond,
		Erase4KB:    300 * time.Millisecond,
		Erase32KB:   1000 * time.Millisecond,
		Erase64KB:   2000 * time.Millisecond,
		EraseChip:   150 * time.Second,
	},
	IDSpansionS25FL128S: {
		Name:        "Spansion S25FL128S",
		PageProgram: 2 * time.Millisecond,
		Erase4KB:    725 * time.Millisecond,
		Erase32KB:   2600 * time.Millisecond,
		Erase64KB:   2600 * time.Millisecond,
		EraseChip:   165 * time.Second,
	},
}

// Lookup returns the parameters of a known chip.
func Lookup(id ID) (Params, bool) {
	p, ok := known[id]
	return p, ok
}

// Worst returns, field by field, the maximum over every known chip. It is
// used before the chip has been identified.
func Worst() Params {
	w := Params{Name: "unknown"}
	for _, p := range known {
		w.PageProgram = max(w.PageProgram, p.PageProgram)
		w.Erase4KB = max(w.Erase4KB, p.Erase4KB)
		w.Erase32KB = max(w.Erase32KB, p.Erase32KB)
		w.Erase64KB = max(w.Erase64KB, p.Erase64KB)
		w.EraseChip = max(w.EraseChip, p.EraseChip)
	}
	return w
}

// EraseTime returns the erase time of one block of size bytes. A 256 KiB
// sector counts as four 64 KiB blocks.
func (p Params) EraseTime(size int) time.Duration {
	switch size {
	case 4 << 10:
		return p.Erase4KB
	case 32 << 10:
		return p.Erase32KB
	case 256 << 10:
		return 4 * p.Erase64KB
	default:
		return p.Erase64KB
	}
}

// Polls returns how many status reads, interval apart, cover timeout.
func Polls(timeout, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	return int(timeout/interval) + 1
}

package dfu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// layoutLexer tokenizes a DfuSe memory layout string such as
// "@Internal Flash/0x08000000/8*001Ka,56*001Kg". The region name runs from
// '@' to the first '/'.
var layoutLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "At", Pattern: `@`, Action: lexer.Push("Name")},
		{Name: "Hex", Pattern: `0[xX][0-9A-Fa-f]+`},
		{Name: "Int", Pattern: `[0-9]+`},
		{Name: "Unit", Pattern: `[BKM]`},
		{Name: "Type", Pattern: `[a-g]`},
		{Name: "Punct", Pattern: `[/,*]`},
	},
	"Name": {
		{Name: "Name", Pattern: `[^/]+`},
		{Name: "NameEnd", Pattern: `/`, Action: lexer.Pop()},
	},
})

type layoutAST struct {
	Name    string       `"@" @Name`
	Regions []*regionAST `@@+`
}

type regionAST struct {
	Address string       `"/" @Hex "/"`
	Sectors []*sectorAST `@@ ( "," @@ )*`
}

type sectorAST struct {
	Count string `@Int "*"`
	Size  string `@Int`
	Unit  string `@Unit?`
	Type  string `@Type`
}

var layoutParser = participle.MustBuild[layoutAST](
	participle.Lexer(layoutLexer),
)

// Access is the DfuSe sector type letter, 'a' to 'g', read as a bit set
// minus one.
type Access byte

func (a Access) bits() byte     { return byte(a) - 'a' + 1 }
func (a Access) Readable() bool { return a.bits()&1 != 0 }
func (a Access) Erasable() bool { return a.bits()&2 != 0 }
func (a Access) Writable() bool { return a.bits()&4 != 0 }

// Sector is a run of Count equal sectors.
type Sector struct {
	Count  int
	Size   int
	Access Access
}

// Region is one address range of a layout.
type Region struct {
	Start   uint32
	Sectors []Sector
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	end := uint64(r.Start)
	for _, s := range r.Sectors {
		end += uint64(s.Count) * uint64(s.Size)
	}
	return end
}

// Find returns the sector holding addr.
func (r Region) Find(addr uint32) (Sector, bool) {
	base := uint64(r.Start)
	for _, s := range r.Sectors {
		next := base + uint64(s.Count)*uint64(s.Size)
		if uint64(addr) >= base && uint64(addr) < next {
			return s, true
		}
		base = next
	}
	return Sector{}, false
}

// Layout is a parsed DfuSe memory layout descriptor.
type Layout struct {
	Name    string
	Regions []Region
}

// Find returns the sector holding addr in any region.
func (l Layout) Find(addr uint32) (Sector, bool) {
	for _, r := range l.Regions {
		if s, ok := r.Find(addr); ok {
			return s, true
		}
	}
	return Sector{}, false
}

// ParseLayout parses a DfuSe memory layout descriptor.
func ParseLayout(s string) (Layout, error) {
	ast, err := layoutParser.ParseString("", s)
	if err != nil {
		return Layout{}, fmt.Errorf("dfu: layout: %w", err)
	}
	l := Layout{Name: strings.TrimSpace(ast.Name)}
	for _, r := range ast.Regions {
		start, err := strconv.ParseUint(r.Address, 0, 32)
		if err != nil {
			return Layout{}, fmt.Errorf("dfu: layout address %q: %w", r.Address, err)
		}
		region := Region{Start: uint32(start)}
		for _, s := range r.Sectors {
			// Leading zeros are common ("04*016Kg") and are not octal.
			count, err := strconv.ParseUint(s.Count, 10, 31)
			if err != nil {
				return Layout{}, fmt.Errorf("dfu: layout count %q: %w", s.Count, err)
			}
			n, err := strconv.ParseUint(s.Size, 10, 31)
			if err != nil {
				return Layout{}, fmt.Errorf("dfu: layout size %q: %w", s.Size, err)
			}
			size := int(n)
			switch s.Unit {
			case "K":
				size <<= 10
			case "M":
				size <<= 20
			}
			region.Sectors = append(region.Sectors, Sector{Count: int(count), Size: size, Access: Access(s.Type[0])})
		}
		l.Regions = append(l.Regions, region)
	}
	return l, nil
}

// String formats l back into descriptor form.
func (l Layout) String() string {
	var b strings.Builder
	b.WriteString("@" + l.Name)
	for _, r := range l.Regions {
		fmt.Fprintf(&b, "/0x%X/", r.Start)
		for i, s := range r.Sectors {
			if i > 0 {
				b.WriteByte(',')
			}
			size, unit := s.Size, ""
			switch {
			case size >= 1<<20 && size%(1<<20) == 0:
				size, unit = size>>20, "M"
			case size >= 1<<10 && size%(1<<10) == 0:
				size, unit = size>>10, "K"
			}
			fmt.Fprintf(&b, "%d*%d%s%c", s.Count, size, unit, byte(s.Access))
		}
	}
	return b.String()
}

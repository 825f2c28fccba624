package ptp

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/spiflash"
)

// Folder is one of the two virtual folders.
type Folder uint8

const (
	FolderFPGA Folder = iota + 1
	FolderFlash
)

func (f Folder) String() string {
	switch f {
	case FolderFPGA:
		return "fpga"
	case FolderFlash:
		return "flash"
	}
	return fmt.Sprintf("Folder(%d)", uint8(f))
}

// Object paths look like /fpga/top.bit or /flash/name@0x200000-0x3FFFFF.bin.
// The range is optional, its end is inclusive and may be left out.
var pathLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Hex", Pattern: `0[xX][0-9A-Fa-f]+`},
	{Name: "Word", Pattern: `[A-Za-z0-9_+ ]+`},
	{Name: "Dot", Pattern: `\.`},
	{Name: "Dash", Pattern: `-`},
	{Name: "Slash", Pattern: `/`},
	{Name: "At", Pattern: `@`},
})

type pathAST struct {
	Folder string    `"/" @("fpga" | "flash") "/"`
	Stem   string    `@(Word | Hex | Dot | Dash)+`
	Range  *rangeAST `( "@" @@ )?`
	Suffix string    `@(Word | Hex | Dot | Dash)*`
}

type rangeAST struct {
	Start string  `@Hex`
	End   *string `( "-" @Hex )?`
}

var pathParser = participle.MustBuild[pathAST](
	participle.Lexer(pathLexer),
)

var ErrRange = errors.New("ptp: inverted flash range or range past the flash window")

// Path is a parsed object path.
type Path struct {
	Folder  Folder
	Name    string // file name with the range removed
	Start   uint32
	End     uint32 // last byte of the range, inclusive
	Bounded bool   // End is set
}

// Len returns the number of bytes the range covers, 0 when open ended.
func (p Path) Len() int64 {
	if !p.Bounded {
		return 0
	}
	return int64(p.End) - int64(p.Start) + 1
}

// ParsePath parses an object path.
func ParsePath(s string) (Path, error) {
	ast, err := pathParser.ParseString("", s)
	if err != nil {
		return Path{}, fmt.Errorf("ptp: path %q: %w", s, err)
	}
	p := Path{Folder: FolderFPGA, Name: ast.Stem + ast.Suffix}
	if ast.Folder == "flash" {
		p.Folder = FolderFlash
	}
	if ast.Range == nil {
		return p, nil
	}
	if p.Folder != FolderFlash {
		return Path{}, fmt.Errorf("ptp: path %q: address range outside /flash", s)
	}
	start, err := strconv.ParseUint(ast.Range.Start, 0, 32)
	if err != nil {
		return Path{}, fmt.Errorf("ptp: path %q: %w", s, err)
	}
	if start > spiflash.MaxAddress {
		return Path{}, fmt.Errorf("%w: %s", ErrRange, s)
	}
	p.Start = uint32(start)
	if ast.Range.End != nil {
		end, err := strconv.ParseUint(*ast.Range.End, 0, 32)
		if err != nil {
			return Path{}, fmt.Errorf("ptp: path %q: %w", s, err)
		}
		if end < start || end > spiflash.MaxAddress {
			return Path{}, fmt.Errorf("%w: %s", ErrRange, s)
		}
		p.End, p.Bounded = uint32(end), true
	}
	return p, nil
}

// String formats p back into a path.
func (p Path) String() string {
	if p.Folder != FolderFlash || (p.Start == 0 && !p.Bounded) {
		return "/" + p.Folder.String() + "/" + p.Name
	}
	stem, ext := p.Name, ""
	for i := len(stem) - 1; i > 0; i-- {
		if stem[i] == '.' {
			stem, ext = stem[:i], stem[i:]
			break
		}
	}
	r := fmt.Sprintf("@0x%06X", p.Start)
	if p.Bounded {
		r += fmt.Sprintf("-0x%06X", p.End)
	}
	return "/flash/" + stem + r + ext
}

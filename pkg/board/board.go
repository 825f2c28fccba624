// Package board describes how a programmer is wired to its target: which
// adapter drives the JTAG lines, the pin names, the SPI port used for
// hardware-clocked transfers and the flash geometry.
package board

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chewxy/sexp"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/board/sexpr"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
)

// Adapters.
const (
	AdapterSim      = "sim"
	AdapterGPIO     = "gpio"
	AdapterFTDI     = "ftdi"
	AdapterCMSISDAP = "cmsis-dap"
)

var ErrUnknownBoard = errors.New("board: unknown board")

// Pins names the JTAG lines. For gpio adapters they are periph pin names;
// for ftdi they are FT232H pin names (D0..D7, C0..C7).
type Pins struct {
	TCK, TMS, TDI, TDO string
}

// SPI selects the hardware shifter.
type SPI struct {
	Port string
	Hz   int64
}

// Profile is one board description.
type Profile struct {
	Name    string
	Adapter string
	// Family is empty when the device is identified by IDCODE.
	Family string
	Pins   Pins
	SPI    SPI
	// Flash overrides the family's default geometry when EraseSize is set.
	Flash device.Geometry
	// Glitch is set when switching TCK to the SPI peripheral produces an
	// edge of its own.
	Glitch bool
	// VID and PID select a USB probe.
	VID, PID uint16
}

var builtin = map[string]Profile{
	"sim": {
		Name:    "sim",
		Adapter: AdapterSim,
	},
	"ulx3s": {
		Name:    "ulx3s",
		Adapter: AdapterGPIO,
		Family:  "ecp5",
		Pins:    Pins{TCK: "GPIO18", TMS: "GPIO21", TDI: "GPIO23", TDO: "GPIO19"},
		SPI:     SPI{Port: "SPI0.0", Hz: 20_000_000},
		Flash:   device.Geometry{EraseSize: 4096, WriteSize: 256, ReadSize: 4096},
	},
	"ft232h": {
		Name:    "ft232h",
		Adapter: AdapterFTDI,
		Pins:    Pins{TCK: "D0", TDI: "D1", TDO: "D2", TMS: "D3"},
	},
	"cmsis-dap": {
		Name:    "cmsis-dap",
		Adapter: AdapterCMSISDAP,
	},
}

// Names lists the built-in profiles.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a built-in profile, or loads name as a file when it ends
// in .sexp.
func Lookup(name string) (Profile, error) {
	if strings.HasSuffix(name, ".sexp") {
		return Load(name)
	}
	p, ok := builtin[strings.ToLower(name)]
	if !ok {
		return Profile{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownBoard, name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Load reads a profile file.
func Load(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, err
	}
	defer f.Close()
	p, err := Parse(f)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse reads a single (board NAME ...) form.
func Parse(r io.Reader) (Profile, error) {
	nodes, err := sexpr.Parse(r)
	if err != nil {
		return Profile{}, err
	}
	if len(nodes) != 1 {
		return Profile{}, fmt.Errorf("board: want one (board ...) form, got %d", len(nodes))
	}
	return decode(nodes[0])
}

// ParseLibrary reads a file holding any number of (board NAME ...) forms.
func ParseLibrary(r io.Reader) ([]Profile, error) {
	forms, err := sexp.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	out := make([]Profile, 0, len(forms))
	for _, f := range forms {
		p, err := decode(sexpr.FromSexp(f))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadLibrary reads a profile library file.
func LoadLibrary(path string) ([]Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ps, err := ParseLibrary(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

func decode(n sexpr.Node) (Profile, error) {
	root, ok := n.(*sexpr.List)
	if !ok || root.Head() != "board" {
		return Profile{}, errors.New("board: top-level form is not (board ...)")
	}

	var (
		p   Profile
		err error
	)
	if p.Name, err = root.Atom(1); err != nil {
		return Profile{}, err
	}
	strs := []struct {
		key string
		dst *string
	}{
		{"adapter", &p.Adapter},
		{"family", &p.Family},
	}
	for _, s := range strs {
		if v, ok, err := root.Value(s.key); err != nil {
			return Profile{}, err
		} else if ok {
			*s.dst = v
		}
	}
	if p.Adapter == "" {
		p.Adapter = AdapterGPIO
	}
	if _, ok := root.Find("glitch"); ok {
		p.Glitch = true
	}

	if pins, ok := root.Find("pins"); ok {
		for _, line := range []struct {
			key string
			dst *string
		}{{"tck", &p.Pins.TCK}, {"tms", &p.Pins.TMS}, {"tdi", &p.Pins.TDI}, {"tdo", &p.Pins.TDO}} {
			if v, ok, err := pins.Value(line.key); err != nil {
				return Profile{}, err
			} else if ok {
				*line.dst = v
			}
		}
	}

	if spi, ok := root.Find("spi"); ok {
		if v, ok, err := spi.Value("port"); err != nil {
			return Profile{}, err
		} else if ok {
			p.SPI.Port = v
		}
		if hz, ok := spi.Find("hz"); ok {
			if p.SPI.Hz, err = hz.Int(1); err != nil {
				return Profile{}, err
			}
		}
	}

	if fl, ok := root.Find("flash"); ok {
		for _, g := range []struct {
			key string
			dst *int
		}{{"erase-size", &p.Flash.EraseSize}, {"write-size", &p.Flash.WriteSize}, {"read-size", &p.Flash.ReadSize}} {
			if n, ok := fl.Find(g.key); ok {
				v, err := n.Int(1)
				if err != nil {
					return Profile{}, err
				}
				*g.dst = int(v)
			}
		}
		if err := p.Flash.Validate(); err != nil {
			return Profile{}, err
		}
	}

	if usb, ok := root.Find("usb"); ok {
		vid, err := usb.Int(1)
		if err != nil {
			return Profile{}, err
		}
		pid, err := usb.Int(2)
		if err != nil {
			return Profile{}, err
		}
		p.VID, p.PID = uint16(vid), uint16(pid)
	}
	return p, p.Validate()
}

// Validate checks that the adapter has what it needs.
func (p Profile) Validate() error {
	switch p.Adapter {
	case AdapterSim, AdapterCMSISDAP:
		return nil
	case AdapterGPIO, AdapterFTDI:
		if p.Pins.TCK == "" || p.Pins.TMS == "" || p.Pins.TDI == "" || p.Pins.TDO == "" {
			return fmt.Errorf("board: %s: %s adapter needs tck, tms, tdi and tdo pins", p.Name, p.Adapter)
		}
		return nil
	}
	return fmt.Errorf("board: %s: unknown adapter %q", p.Name, p.Adapter)
}

// Geometry returns the flash geometry for family, honouring the profile
// override.
func (p Profile) Geometry(family *device.Family) device.Geometry {
	if p.Flash.EraseSize != 0 {
		return p.Flash
	}
	return family.Flash
}

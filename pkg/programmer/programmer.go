// Package programmer runs the user-level operations: identify the device,
// configure it from a bitstream, and program or read its SPI flash. It opens
// the backend a board profile names and picks the device family from the
// configuration or from the IDCODE.
package programmer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/bitio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/board"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/cmsisdap"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/hostio"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/idcode/deviceinfo"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/sim"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/source"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/spiflash"
)

// DefaultSimFamily is simulated when neither the board nor the caller names
// a family.
const DefaultSimFamily = "ecp5"

var ErrNotConfigured = errors.New("programmer: device did not report done")

// Config selects the hardware.
type Config struct {
	Board board.Profile
	// Family overrides the board's family. When both are empty the device
	// is identified by its IDCODE.
	Family string
	// SPIHz overrides the board's SPI clock.
	SPIHz int64
	// Sim is the target of the sim adapter. Nil builds one with a 16 MiB
	// flash.
	Sim *sim.Sim
	// Options are handed to the sequencer.
	Options []device.Option
}

// Programmer is an open connection to one device.
type Programmer struct {
	conn   bitio.Conn
	closer io.Closer
	seq    *device.Sequencer
}

// Open connects to the hardware cfg describes.
func Open(cfg Config) (*Programmer, error) {
	if cfg.Family == "" {
		cfg.Family = cfg.Board.Family
	}
	if cfg.SPIHz == 0 {
		cfg.SPIHz = cfg.Board.SPI.Hz
	}
	if err := cfg.Board.Validate(); err != nil {
		return nil, err
	}
	conn, closer, err := connect(&cfg)
	if err != nil {
		return nil, err
	}
	p := &Programmer{conn: conn, closer: closer}

	var family *device.Family
	if cfg.Family != "" {
		family, err = device.LookupFamily(cfg.Family)
	} else {
		var id uint32
		if id, err = device.ReadIDCode(conn); err == nil {
			family, _, err = device.FamilyForIDCode(id)
		}
	}
	if err != nil {
		return nil, errors.Join(err, p.Close())
	}

	opts := append([]device.Option{device.WithGeometry(cfg.Board.Geometry(family))}, cfg.Options...)
	p.seq = device.New(conn, family, opts...)
	glog.V(1).Infof("programmer: %s adapter, family %s", cfg.Board.Adapter, family)
	return p, nil
}

func connect(cfg *Config) (bitio.Conn, io.Closer, error) {
	b := cfg.Board
	hc := hostio.Config{
		TCK:     b.Pins.TCK,
		TMS:     b.Pins.TMS,
		TDI:     b.Pins.TDI,
		TDO:     b.Pins.TDO,
		SPIPort: b.SPI.Port,
		Hz:      cfg.SPIHz,
		Glitch:  b.Glitch,
	}
	switch b.Adapter {
	case board.AdapterSim:
		if cfg.Sim != nil {
			return cfg.Sim, nil, nil
		}
		name := cfg.Family
		if name == "" {
			name = DefaultSimFamily
			cfg.Family = name
		}
		f, err := device.LookupFamily(name)
		if err != nil {
			return nil, nil, err
		}
		s, err := sim.ForFamily(f.Name, sim.WithFlash(sim.NewFlash(spiflash.MaxAddress+1)))
		return s, nil, err
	case board.AdapterGPIO:
		g, err := hostio.OpenGPIO(hc)
		return g, g, err
	case board.AdapterFTDI:
		f, err := hostio.OpenFTDI(hc)
		return f, f, err
	case board.AdapterCMSISDAP:
		t, err := cmsisdap.OpenUSB(b.VID, b.PID)
		if err != nil {
			return nil, nil, err
		}
		return cmsisdap.New(t, uint32(cfg.SPIHz)), t, nil
	}
	return nil, nil, fmt.Errorf("programmer: unknown adapter %q", b.Adapter)
}

// Close releases the adapter.
func (p *Programmer) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// Family returns the family being programmed.
func (p *Programmer) Family() *device.Family { return p.seq.Family() }

// Sequencer exposes the device sequencer, for the DFU and PTP handlers.
func (p *Programmer) Sequencer() *device.Sequencer { return p.seq }

// ReadIDCode reads the IDCODE and looks it up.
func (p *Programmer) ReadIDCode() (uint32, deviceinfo.DeviceInfo, error) {
	id, err := p.seq.ReadIDCode()
	if err != nil {
		return 0, deviceinfo.DeviceInfo{}, err
	}
	return id, deviceinfo.Lookup(id), nil
}

// ProgramBitstream uploads a bitstream from a file or URL into
// configuration memory. A device that does not report done returns
// ErrNotConfigured along with the report.
func (p *Programmer) ProgramBitstream(ctx context.Context, name string) (Report, error) {
	src, err := source.Open(ctx, name)
	if err != nil {
		return Report{}, err
	}
	defer src.Close()
	return p.upload(ctx, src)
}

func (p *Programmer) upload(ctx context.Context, src *source.Source) (Report, error) {
	r := Report{Op: "program", Name: src.Name}
	// The first chunk is read before the device is touched: opening the
	// upload clears the configuration SRAM.
	buf := make([]byte, src.ChunkSize())
	n, rerr := source.ReadChunk(src, buf)
	if rerr != nil && rerr != io.EOF {
		return r, fmt.Errorf("programmer: read %s: %w", src.Name, rerr)
	}
	if n == 0 {
		return r, source.ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return r, err
	}

	up, err := p.seq.OpenBitstreamUpload()
	if err != nil {
		return r, err
	}
	start := time.Now()
	for {
		if _, err := up.Write(buf[:n]); err != nil {
			up.Close()
			return r, err
		}
		if n < len(buf) {
			break
		}
		if err := ctx.Err(); err != nil {
			up.Close()
			return r, err
		}
		n, rerr = source.ReadChunk(src, buf)
		if rerr != nil && rerr != io.EOF {
			up.Close()
			return r, fmt.Errorf("programmer: read %s: %w", src.Name, rerr)
		}
		if n == 0 {
			break
		}
	}
	r.Done, err = up.Close()
	r.Bytes, r.Elapsed, r.Checks = up.Written(), time.Since(start), up.Checks()
	r.log()
	if err == nil && !r.Done {
		err = ErrNotConfigured
	}
	return r, err
}

// FlashImage writes an image into the SPI flash from addr, erasing and
// writing only the blocks that differ. A HEX image is placed at its own
// load address plus addr.
func (p *Programmer) FlashImage(ctx context.Context, name string, addr uint32) (Report, error) {
	src, err := source.Open(ctx, name)
	if err != nil {
		return Report{}, err
	}
	defer src.Close()
	if src.HasBase {
		addr += src.Base
	}

	r := Report{Op: "flash", Name: src.Name, Addr: addr}
	err = p.withFlash(func(fs *device.FlashSession, prog *flash.Programmer) error {
		start := time.Now()
		stats, err := prog.Stream(contextReader{ctx, src}, addr)
		r.Bytes, r.Elapsed, r.Flash = stats.Bytes, time.Since(start), &stats
		return err
	})
	r.log()
	if err == nil && r.Bytes == 0 {
		err = source.ErrEmptyImage
	}
	return r, err
}

// ReadFlash copies length bytes of flash from addr to w.
func (p *Programmer) ReadFlash(w io.Writer, addr uint32, length int64) (Report, error) {
	r := Report{Op: "read", Addr: addr}
	err := p.withFlash(func(fs *device.FlashSession, prog *flash.Programmer) error {
		start := time.Now()
		n, err := prog.ReadTo(w, addr, length)
		r.Bytes, r.Elapsed = n, time.Since(start)
		return err
	})
	r.log()
	return r, err
}

// FlashInfo describes the flash chip behind the bridge.
type FlashInfo struct {
	ID     spiflash.ID
	Params spiflash.Params
	Status spiflash.StatusRegister
}

// FlashStatus identifies the flash chip and reads its status register.
func (p *Programmer) FlashStatus() (FlashInfo, error) {
	var info FlashInfo
	err := p.withFlash(func(fs *device.FlashSession, _ *flash.Programmer) error {
		info.ID, info.Params = fs.ID(), fs.Params()
		var err error
		info.Status, err = fs.ReadStatus()
		return err
	})
	return info, err
}

func (p *Programmer) withFlash(fn func(*device.FlashSession, *flash.Programmer) error) error {
	fs, err := p.seq.OpenFlashBridge()
	if err != nil {
		return err
	}
	prog, err := flash.New(fs)
	if err == nil {
		err = fn(fs, prog)
	}
	return errors.Join(err, fs.Close())
}

// PassthruName is the bitstream Passthru loads for a device.
func PassthruName(id uint32) string {
	return fmt.Sprintf("passthru%08X.bit.gz", id)
}

// Passthru reads the IDCODE and configures the device with the matching
// passthru bitstream from dir, which exposes the flash and pins to the host.
func (p *Programmer) Passthru(ctx context.Context, dir string) (Report, error) {
	id, _, err := p.ReadIDCode()
	if err != nil {
		return Report{}, err
	}
	if id == 0 || id == 0xFFFFFFFF {
		return Report{}, fmt.Errorf("programmer: no device answered (IDCODE 0x%08X)", id)
	}
	return p.ProgramBitstream(ctx, filepath.Join(dir, PassthruName(id)))
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

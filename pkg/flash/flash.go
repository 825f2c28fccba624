// Package flash implements the erase-block programming algorithm used for
// SPI configuration flash. Every block is read back first and only the
// operations the new content needs are issued, so reprogramming an
// identical image costs no erase or program cycles.
package flash

import (
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/spiflash"
)

// DefaultRetries is how many times a block is re-applied after a failed
// verify before the stream is aborted.
const DefaultRetries = 3

var (
	ErrMisaligned = errors.New("flash: address is not erase-block aligned")
	ErrBlockSize  = errors.New("flash: block larger than the erase size")
	ErrOverflow   = errors.New("flash: image runs past the 16 MiB flash window")
)

// Device is the block-level flash access the algorithm needs.
// *device.FlashSession implements it.
type Device interface {
	Geometry() device.Geometry
	EraseBlock(addr uint32) error
	WriteBlock(data []byte, addr uint32) error
	ReadBlock(buf []byte, addr uint32) error
}

// Decision is what one erase block needs.
type Decision int

const (
	NoOp Decision = iota
	WriteOnly
	EraseOnly
	EraseThenWrite
)

func (d Decision) String() string {
	switch d {
	case NoOp:
		return "noop"
	case WriteOnly:
		return "write"
	case EraseOnly:
		return "erase"
	case EraseThenWrite:
		return "erase+write"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// NeedsErase reports whether d erases the block.
func (d Decision) NeedsErase() bool { return d == EraseOnly || d == EraseThenWrite }

// NeedsWrite reports whether d programs the block.
func (d Decision) NeedsWrite() bool { return d == WriteOnly || d == EraseThenWrite }

// Decide compares candidate against the current flash content. Programming
// can only clear bits, so an erase is needed as soon as one candidate bit is
// set where the current content has it clear. Both slices must have the
// same length.
func Decide(current, candidate []byte) Decision {
	n := min(len(current), len(candidate))
	erase, differ, blank := false, false, true
	for i := 0; i < n; i++ {
		c, w := current[i], candidate[i]
		if c&w != w {
			erase = true
		}
		if c != w {
			differ = true
		}
		if w != 0xFF {
			blank = false
		}
	}
	switch {
	case erase && blank:
		return EraseOnly
	case erase:
		return EraseThenWrite
	case differ:
		return WriteOnly
	}
	return NoOp
}

// BlockError reports a block that still did not verify after the retry
// bound. Blocks before it are left programmed.
type BlockError struct {
	Addr     uint32
	Attempts int
	Last     Decision
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("flash: block 0x%06X failed to verify after %d attempts (still needs %s)", e.Addr, e.Attempts, e.Last)
}

// Stats counts what a stream did. Erased and Written count erase and page
// program operations actually issued, including retries.
type Stats struct {
	Blocks    int
	Erased    int
	Written   int
	Retries   int
	Bytes     int64
	Decisions []Decision
}

// Count returns how many blocks initially decided d.
func (s Stats) Count(d Decision) int {
	n := 0
	for _, v := range s.Decisions {
		if v == d {
			n++
		}
	}
	return n
}

// Programmer runs the algorithm against a Device.
type Programmer struct {
	dev     Device
	geom    device.Geometry
	retries int
	stats   Stats

	current, candidate []byte
}

// Option configures a Programmer.
type Option func(*Programmer)

// WithRetries overrides DefaultRetries.
func WithRetries(n int) Option {
	return func(p *Programmer) { p.retries = max(n, 0) }
}

// New returns a programmer for dev.
func New(dev Device, opts ...Option) (*Programmer, error) {
	geom := dev.Geometry()
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if geom.ReadSize > geom.EraseSize {
		geom.ReadSize = geom.EraseSize
	}
	p := &Programmer{
		dev:       dev,
		geom:      geom,
		retries:   DefaultRetries,
		current:   make([]byte, geom.EraseSize),
		candidate: make([]byte, geom.EraseSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stats returns the counters since the last Stream.
func (p *Programmer) Stats() Stats { return p.stats }

func (p *Programmer) read(buf []byte, addr uint32) error {
	step := p.geom.ReadSize
	for off := 0; off < len(buf); off += step {
		end := min(off+step, len(buf))
		if err := p.dev.ReadBlock(buf[off:end], addr+uint32(off)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Programmer) apply(d Decision, data []byte, addr uint32) error {
	if d.NeedsErase() {
		if err := p.dev.EraseBlock(addr); err != nil {
			return err
		}
		p.stats.Erased++
	}
	if !d.NeedsWrite() {
		return nil
	}
	page := p.geom.WriteSize
	for off := 0; off < len(data); off += page {
		if err := p.dev.WriteBlock(data[off:off+page], addr+uint32(off)); err != nil {
			return err
		}
		p.stats.Written++
	}
	return nil
}

// ProgramBlock brings the erase block at addr to data. A short data keeps
// the rest of the block as it is on the flash. It returns the decision made
// on the first read.
func (p *Programmer) ProgramBlock(data []byte, addr uint32) (Decision, error) {
	size := p.geom.EraseSize
	switch {
	case len(data) > size:
		return NoOp, fmt.Errorf("%w: %d > %d", ErrBlockSize, len(data), size)
	case addr%uint32(size) != 0:
		return NoOp, fmt.Errorf("%w: 0x%06X", ErrMisaligned, addr)
	case addr > spiflash.MaxAddress:
		return NoOp, fmt.Errorf("%w: 0x%X", ErrOverflow, addr)
	}

	var first Decision
	for attempt := 0; ; attempt++ {
		if err := p.read(p.current, addr); err != nil {
			return first, fmt.Errorf("flash: read 0x%06X: %w", addr, err)
		}
		if attempt == 0 {
			copy(p.candidate, data)
			copy(p.candidate[len(data):], p.current[len(data):])
		}
		d := Decide(p.current, p.candidate)
		if attempt == 0 {
			first = d
			glog.V(2).Infof("flash: block 0x%06X: %s", addr, d)
		} else if d != NoOp {
			glog.Warningf("flash: block 0x%06X did not verify, still needs %s (attempt %d)", addr, d, attempt)
		}
		if d == NoOp {
			return first, nil
		}
		if attempt > p.retries {
			return first, &BlockError{Addr: addr, Attempts: attempt, Last: d}
		}
		if attempt > 0 {
			p.stats.Retries++
		}
		if err := p.apply(d, p.candidate, addr); err != nil {
			return first, fmt.Errorf("flash: %s 0x%06X: %w", d, addr, err)
		}
	}
}

// Stream programs r to the flash starting at the erase-aligned addr, one
// erase block at a time, until r is exhausted. The address is taken modulo
// the 16 MiB window.
func (p *Programmer) Stream(r io.Reader, addr uint32) (Stats, error) {
	p.stats = Stats{}
	addr &= spiflash.MaxAddress
	size := p.geom.EraseSize
	if addr%uint32(size) != 0 {
		return p.stats, fmt.Errorf("%w: 0x%06X is not a multiple of %d", ErrMisaligned, addr, size)
	}

	chunk := make([]byte, size)
	for {
		n, err := io.ReadFull(r, chunk)
		if n == 0 {
			if err == io.EOF {
				err = nil
			}
			return p.stats, err
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return p.stats, err
		}
		if uint64(addr)+uint64(size) > uint64(spiflash.MaxAddress)+1 {
			return p.stats, fmt.Errorf("%w: block 0x%X", ErrOverflow, addr)
		}

		d, perr := p.ProgramBlock(chunk[:n], addr)
		p.stats.Blocks++
		p.stats.Decisions = append(p.stats.Decisions, d)
		p.stats.Bytes += int64(n)
		if perr != nil {
			return p.stats, perr
		}
		if n < size {
			return p.stats, nil
		}
		addr += uint32(size)
	}
}

// ReadTo copies length bytes of flash starting at addr to w in read-size
// transfers.
func (p *Programmer) ReadTo(w io.Writer, addr uint32, length int64) (int64, error) {
	if addr > spiflash.MaxAddress || uint64(addr)+uint64(length) > uint64(spiflash.MaxAddress)+1 {
		return 0, fmt.Errorf("%w: 0x%X+%d", ErrOverflow, addr, length)
	}
	buf := make([]byte, p.geom.ReadSize)
	var done int64
	for done < length {
		n := int(min(int64(len(buf)), length-done))
		if err := p.dev.ReadBlock(buf[:n], addr+uint32(done)); err != nil {
			return done, fmt.Errorf("flash: read 0x%06X: %w", addr+uint32(done), err)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return done, err
		}
		done += int64(n)
	}
	return done, nil
}

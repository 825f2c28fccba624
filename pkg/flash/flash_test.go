package flash_test

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/sim"
)

var _ flash.Device = (*device.FlashSession)(nil)

type fastClock struct{ now time.Time }

func (c *fastClock) Now() time.Time {
	c.now = c.now.Add(time.Hour)
	return c.now
}

func (c *fastClock) Sleep(time.Duration) {}

// counting wraps a Device and counts bus operations.
type counting struct {
	flash.Device
	erases, writes, reads int
}

func (c *counting) EraseBlock(addr uint32) error {
	c.erases++
	return c.Device.EraseBlock(addr)
}

func (c *counting) WriteBlock(data []byte, addr uint32) error {
	c.writes++
	return c.Device.WriteBlock(data, addr)
}

func (c *counting) ReadBlock(buf []byte, addr uint32) error {
	c.reads++
	return c.Device.ReadBlock(buf, addr)
}

func setup(t *testing.T, opts ...device.Option) (*flash.Programmer, *counting, *sim.Flash) {
	t.Helper()
	chip := sim.NewFlash(1 << 20)
	target := sim.New(sim.ECP5, sim.WithFlash(chip))
	opts = append([]device.Option{device.WithClock(&fastClock{})}, opts...)
	fs, err := device.New(target, device.ECP5, opts...).OpenFlashBridge()
	if err != nil {
		t.Fatalf("OpenFlashBridge: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	dev := &counting{Device: fs}
	p, err := flash.New(dev)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, dev, chip
}

func blank(n int) []byte { return bytes.Repeat([]byte{0xFF}, n) }

func TestDecide(t *testing.T) {
	values := []byte{0x00, 0x0F, 0xF0, 0xFF}
	var arrays [][]byte
	for _, a := range values {
		for _, b := range values {
			arrays = append(arrays, []byte{a, b})
		}
	}
	for _, cur := range arrays {
		for _, cand := range arrays {
			erase := false
			for i := range cur {
				if cur[i]&cand[i] != cand[i] {
					erase = true
				}
			}
			allFF := bytes.Equal(cand, blank(len(cand)))
			equal := bytes.Equal(cur, cand)

			got := flash.Decide(cur, cand)
			if (got == flash.EraseThenWrite) != (erase && !allFF) ||
				(got == flash.EraseOnly) != (erase && allFF) ||
				(got == flash.WriteOnly) != (!erase && !equal) ||
				(got == flash.NoOp) != equal {
				t.Errorf("Decide(% X, % X) = %s", cur, cand, got)
			}
		}
	}
}

func TestStreamBlankImageOnBlankFlash(t *testing.T) {
	p, dev, _ := setup(t)
	stats, err := p.Stream(bytes.NewReader(blank(64<<10)), 0)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if stats.Blocks != 16 || stats.Count(flash.NoOp) != 16 {
		t.Fatalf("decisions %v", stats.Decisions)
	}
	if dev.erases != 0 || dev.writes != 0 || dev.reads != 16 {
		t.Fatalf("erases=%d writes=%d reads=%d", dev.erases, dev.writes, dev.reads)
	}
}

func TestStreamSingleClearedBit(t *testing.T) {
	p, dev, chip := setup(t)
	img := blank(64 << 10)
	img[10] = 0xFE
	stats, err := p.Stream(bytes.NewReader(img), 0)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if stats.Decisions[0] != flash.WriteOnly || stats.Count(flash.NoOp) != 15 {
		t.Fatalf("decisions %v", stats.Decisions)
	}
	if dev.erases != 0 || dev.writes != 4096/256 {
		t.Fatalf("erases=%d writes=%d", dev.erases, dev.writes)
	}
	if chip.Mem[10] != 0xFE {
		t.Fatalf("flash byte 10 = %#x", chip.Mem[10])
	}
}

func TestStreamNeedsErase(t *testing.T) {
	p, _, chip := setup(t)
	chip.Mem[0x2005] = 0x00
	chip.Mem[0x3000] = 0x00
	img := blank(16 << 10)
	img[0x2005] = 0x0F

	stats, err := p.Stream(bytes.NewReader(img), 0)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := []flash.Decision{flash.NoOp, flash.NoOp, flash.EraseThenWrite, flash.EraseOnly}
	for i, d := range want {
		if stats.Decisions[i] != d {
			t.Fatalf("block %d decided %s, want %s", i, stats.Decisions[i], d)
		}
	}
	if !bytes.Equal(chip.Mem[:16<<10], img) {
		t.Fatalf("flash does not match image")
	}
	if stats.Erased != 2 || stats.Written != 16 {
		t.Fatalf("erased=%d written=%d", stats.Erased, stats.Written)
	}
}

func TestStreamIsIdempotent(t *testing.T) {
	p, dev, chip := setup(t)
	img := make([]byte, 3*4096)
	rand.New(rand.NewSource(7)).Read(img)

	if _, err := p.Stream(bytes.NewReader(img), 0x10000); err != nil {
		t.Fatalf("first Stream: %v", err)
	}
	dev.erases, dev.writes = 0, 0
	stats, err := p.Stream(bytes.NewReader(img), 0x10000)
	if err != nil {
		t.Fatalf("second Stream: %v", err)
	}
	if stats.Count(flash.NoOp) != 3 || dev.erases != 0 || dev.writes != 0 {
		t.Fatalf("second run: decisions %v erases=%d writes=%d", stats.Decisions, dev.erases, dev.writes)
	}
	if !bytes.Equal(chip.Mem[0x10000:0x13000], img) {
		t.Fatalf("flash does not match image")
	}
}

func TestShortFinalChunkKeepsTail(t *testing.T) {
	p, _, chip := setup(t)
	old := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(old)
	copy(chip.Mem[0x1000:], old)
	img := make([]byte, 100)
	rand.New(rand.NewSource(2)).Read(img)

	stats, err := p.Stream(bytes.NewReader(img), 0x1000)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if stats.Bytes != 100 || stats.Blocks != 1 {
		t.Fatalf("stats %+v", stats)
	}
	if !bytes.Equal(chip.Mem[0x1000:0x1064], img) {
		t.Fatalf("head not programmed")
	}
	if !bytes.Equal(chip.Mem[0x1064:0x2000], old[100:]) {
		t.Fatalf("tail of the block was not preserved")
	}
}

func TestReadsSplitByReadSize(t *testing.T) {
	p, dev, chip := setup(t, device.WithGeometry(device.Geometry{EraseSize: 4096, WriteSize: 256, ReadSize: 1024}))
	if _, err := p.Stream(bytes.NewReader(blank(8192)), 0); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if dev.reads != 8 || chip.Reads != 8 {
		t.Fatalf("reads=%d chip reads=%d, want 8", dev.reads, chip.Reads)
	}
}

func TestRetriesExhausted(t *testing.T) {
	p, dev, chip := setup(t)
	chip.StuckBusy = true
	img := blank(8192)
	img[0] = 0x00

	stats, err := p.Stream(bytes.NewReader(img), 0)
	var be *flash.BlockError
	if !errors.As(err, &be) {
		t.Fatalf("Stream = %v, want BlockError", err)
	}
	if be.Addr != 0 || be.Attempts != flash.DefaultRetries+1 {
		t.Fatalf("BlockError %+v", be)
	}
	if stats.Blocks != 1 || stats.Retries != flash.DefaultRetries {
		t.Fatalf("stats %+v", stats)
	}
	if dev.writes != (flash.DefaultRetries+1)*16 || chip.Programs != 0 {
		t.Fatalf("writes=%d programs=%d", dev.writes, chip.Programs)
	}
}

func TestStreamParameterErrors(t *testing.T) {
	p, dev, _ := setup(t)
	if _, err := p.Stream(bytes.NewReader(blank(10)), 0x800); !errors.Is(err, flash.ErrMisaligned) {
		t.Fatalf("misaligned Stream: %v", err)
	}
	if _, err := p.ProgramBlock(blank(4097), 0); !errors.Is(err, flash.ErrBlockSize) {
		t.Fatalf("oversized ProgramBlock: %v", err)
	}
	if dev.reads != 0 {
		t.Fatalf("rejected calls read the flash %d times", dev.reads)
	}
	stats, err := p.Stream(bytes.NewReader(nil), 0)
	if err != nil || stats.Blocks != 0 {
		t.Fatalf("empty Stream = %+v, %v", stats, err)
	}
}

func TestReadTo(t *testing.T) {
	p, _, chip := setup(t)
	rand.New(rand.NewSource(3)).Read(chip.Mem[:10000])
	var out bytes.Buffer
	n, err := p.ReadTo(&out, 100, 9000)
	if err != nil || n != 9000 {
		t.Fatalf("ReadTo = %d, %v", n, err)
	}
	if !bytes.Equal(out.Bytes(), chip.Mem[100:9100]) {
		t.Fatalf("ReadTo returned wrong data")
	}
}

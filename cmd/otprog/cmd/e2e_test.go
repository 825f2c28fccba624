package cmd

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/sim"
)

type fastClock struct{ now time.Time }

func (c *fastClock) Now() time.Time {
	c.now = c.now.Add(time.Hour)
	return c.now
}

func (c *fastClock) Sleep(time.Duration) {}

// run executes args with stdout captured.
func run(t *testing.T, target *sim.Sim, args ...string) (string, error) {
	t.Helper()
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	// Read in background to prevent pipe buffer from blocking
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		buf.ReadFrom(r)
		close(done)
	}()

	// Reset flags to prevent accumulation between runs
	verbose, boardName, adapter, family, spiHz = false, "sim", "", "", 0
	flashAddr, flashLength = 0, 0x1000
	simTarget = target
	deviceOptions = []device.Option{device.WithClock(&fastClock{})}

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	<-done
	return buf.String(), err
}

func TestIDCodeE2E(t *testing.T) {
	tests := []struct {
		name        string
		model       sim.Model
		args        []string
		wantContain []string
	}{
		{
			name:        "ecp5",
			model:       sim.ECP5,
			args:        []string{"idcode"},
			wantContain: []string{"0x41113043", "LFE5U-85F", "Family:       ecp5", "IR Length:    8 bits"},
		},
		{
			name:        "artix7 with family flag",
			model:       sim.Artix7,
			args:        []string{"idcode", "--family", "artix7"},
			wantContain: []string{"0x0362D093", "XC7A35T", "artix7"},
		},
		{
			name:        "cyclone5",
			model:       sim.Cyclone5,
			args:        []string{"--adapter", "sim", "idcode"},
			wantContain: []string{"0x02B050DD", "5CEBA4", "Flash Bridge: false"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := run(t, sim.New(tt.model), tt.args...)
			if err != nil {
				t.Fatalf("Unexpected error: %v\nOutput: %s", err, output)
			}
			for _, want := range tt.wantContain {
				if !strings.Contains(output, want) {
					t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
				}
			}
		})
	}
}

func TestProgramE2E(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 20000)
	rand.New(rand.NewSource(1)).Read(data)
	path := filepath.Join(dir, "top.bit")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	target := sim.New(sim.ECP5)
	output, err := run(t, target, "program", path)
	if err != nil {
		t.Fatalf("Unexpected error: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "20000 bytes uploaded") || !strings.Contains(output, "DONE") {
		t.Errorf("Output:\n%s", output)
	}
	if !bytes.Equal(target.Bitstream, data) {
		t.Errorf("device got %d bytes", len(target.Bitstream))
	}

	target = sim.New(sim.ECP5)
	target.RejectBitstream = true
	output, err = run(t, target, "program", path)
	if err == nil || strings.Contains(output, "DONE") {
		t.Errorf("rejected bitstream reported success: %v\n%s", err, output)
	}
	if !strings.Contains(output, "check failed") {
		t.Errorf("failed check not printed:\n%s", output)
	}

	if _, err := run(t, sim.New(sim.ECP5), "program"); err == nil {
		t.Errorf("program without a file succeeded")
	}
}

func TestFlashE2E(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 9000)
	rand.New(rand.NewSource(2)).Read(data)
	image := filepath.Join(dir, "user.bin")
	if err := os.WriteFile(image, data, 0o644); err != nil {
		t.Fatal(err)
	}
	chip := sim.NewFlash(1 << 20)
	target := sim.New(sim.ECP5, sim.WithFlash(chip))

	output, err := run(t, target, "flash", "--addr", "0x10000", image)
	if err != nil {
		t.Fatalf("flash: %v\n%s", err, output)
	}
	if !strings.Contains(output, "3 blocks") || !strings.Contains(output, "flash 0x010000-0x012328 written") {
		t.Errorf("flash output:\n%s", output)
	}
	if !bytes.Equal(chip.Mem[0x10000:0x10000+len(data)], data) {
		t.Fatalf("flash contents differ")
	}

	dump := filepath.Join(dir, "dump.bin")
	output, err = run(t, target, "flash", "read", "--addr", "0x10000", "--length", "9000", dump)
	if err != nil {
		t.Fatalf("flash read: %v\n%s", err, output)
	}
	got, err := os.ReadFile(dump)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("dump differs (%d bytes, %v)", len(got), err)
	}

	output, err = run(t, target, "flash", "status")
	if err != nil {
		t.Fatalf("flash status: %v\n%s", err, output)
	}
	for _, want := range []string{"EF 70 18", "Winbond", "16384 KiB", "Status:   00000000"} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
		}
	}

	if _, err := run(t, sim.New(sim.Cyclone5), "flash", image); err == nil {
		t.Errorf("flash on Cyclone V succeeded")
	}
}

func TestBoardsE2E(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "mine.sexp")
	text := `(board mine (adapter ftdi) (family artix7)
	  (pins (tck D0) (tdi D1) (tdo D2) (tms D3)))`
	if err := os.WriteFile(profile, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	output, err := run(t, nil, "boards")
	if err != nil {
		t.Fatalf("boards: %v", err)
	}
	for _, want := range []string{"ulx3s", "GPIO18", "SPI0.0@20000000Hz", "cmsis-dap", "(idcode)"} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
		}
	}

	output, err = run(t, nil, "boards", profile)
	if err != nil || !strings.Contains(output, "mine") || !strings.Contains(output, "artix7") {
		t.Fatalf("boards %s: %v\n%s", profile, err, output)
	}

	output, err = run(t, sim.New(sim.Artix7), "--board", profile, "--adapter", "sim", "idcode")
	if err != nil || !strings.Contains(output, "XC7A35T") {
		t.Fatalf("idcode with %s: %v\n%s", profile, err, output)
	}

	if _, err := run(t, nil, "--board", "nosuch", "idcode"); err == nil {
		t.Errorf("unknown board accepted")
	}
	if _, err := run(t, sim.New(sim.ECP5), "--family", "ice40", "idcode"); err == nil {
		t.Errorf("unknown family accepted")
	}
}

func TestHexAddr(t *testing.T) {
	var a hexAddr
	for _, in := range []string{"0x200000", "2097152", "0o10000000"} {
		if err := a.Set(in); err != nil || a != 0x200000 {
			t.Errorf("Set(%q) = %v, %v", in, a, err)
		}
	}
	if got := a.String(); got != "0x200000" {
		t.Errorf("String() = %q", got)
	}
	if err := a.Set("0x100000000"); err == nil {
		t.Errorf("33-bit address accepted")
	}
}

package spiflash

import (
	"bytes"
	"testing"
	"time"
)

func TestEraseCommand(t *testing.T) {
	tests := []struct {
		size    int
		want    byte
		wantErr bool
	}{
		{size: 4096, want: CmdErase4KB},
		{size: 32768, want: CmdErase32KB},
		{size: 65536, want: CmdErase64KB},
		{size: 262144, want: CmdErase64KB},
		{size: 1024, wantErr: true},
	}
	for _, tt := range tests {
		got, err := EraseCommand(tt.size)
		if tt.wantErr {
			if err == nil {
				t.Errorf("EraseCommand(%d) expected error", tt.size)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("EraseCommand(%d) = %#x, %v; want %#x", tt.size, got, err, tt.want)
		}
	}
}

func TestHeader(t *testing.T) {
	got := Header(CmdPageProgram, 0x123456)
	if want := []byte{0x02, 0x12, 0x34, 0x56}; !bytes.Equal(got, want) {
		t.Fatalf("Header = % X, want % X", got, want)
	}
}

func TestStatusRegisterString(t *testing.T) {
	tests := []struct {
		sr   StatusRegister
		want string
	}{
		{0x00, "00000000"},
		{0x03, "00000011 WEL,BUSY"},
		{0x9C, "10011100 SRP,BP=7"},
	}
	for _, tt := range tests {
		if got := tt.sr.String(); got != tt.want {
			t.Errorf("StatusRegister(%#x).String() = %q, want %q", byte(tt.sr), got, tt.want)
		}
	}
}

func TestLookupAndWorst(t *testing.T) {
	p, ok := Lookup(IDWinbondW25Q128)
	if !ok || p.Name != "Winbond W25Q 128Mb" {
		t.Fatalf("Lookup(W25Q128) = %+v, %v", p, ok)
	}
	if _, ok := Lookup(ID{0xFF, 0xFF, 0xFF}); ok {
		t.Fatalf("Lookup of blank ID succeeded")
	}
	w := Worst()
	if w.Erase4KB != 800*time.Millisecond || w.EraseChip != 200*time.Second {
		t.Fatalf("Worst() = %+v", w)
	}
	if got := w.EraseTime(256 << 10); got != 4*w.Erase64KB {
		t.Fatalf("EraseTime(256K) = %v", got)
	}
}

func TestIDSize(t *testing.T) {
	if got := IDISSIIS25LP128.Size(); got != 16<<20 {
		t.Fatalf("Size = %d, want 16MiB", got)
	}
	if got := (ID{0xFF, 0xFF, 0xFF}).Size(); got != 0 {
		t.Fatalf("Size of blank ID = %d", got)
	}
}

func TestPolls(t *testing.T) {
	if got := Polls(5*time.Millisecond, time.Millisecond); got != 6 {
		t.Fatalf("Polls = %d, want 6", got)
	}
	if got := Polls(time.Second, 0); got != 1 {
		t.Fatalf("Polls with zero interval = %d", got)
	}
}

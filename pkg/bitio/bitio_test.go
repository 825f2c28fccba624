package bitio

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestBitOrder(t *testing.T) {
	lsb := FromBytes([]byte{0x01, 0x80}, LSBFirst)
	msb := FromBytes([]byte{0x01, 0x80}, MSBFirst)

	if !lsb.Bit(0) || lsb.Bit(7) || !lsb.Bit(15) {
		t.Fatalf("LSB-first indexing wrong: %v", lsb)
	}
	if msb.Bit(0) || !msb.Bit(7) || !msb.Bit(8) {
		t.Fatalf("MSB-first indexing wrong: %v", msb)
	}
}

func TestFromUintAndField(t *testing.T) {
	s := FromUint(0x3A, 8)
	if s.Data[0] != 0x3A {
		t.Fatalf("FromUint(0x3A) = % X", s.Data)
	}
	ir := FromUint(0x3FF, 10)
	if ir.Bits != 10 || ir.Field(0, 10) != 0x3FF {
		t.Fatalf("10-bit opcode round trip = 0x%X", ir.Field(0, 10))
	}

	status := FromBytes([]byte{0x00, 0x01, 0x00, 0x00}, LSBFirst)
	if got := status.Field(0, 32); got != 0x100 {
		t.Fatalf("Field(0, 32) = 0x%X, want 0x100", got)
	}
	if got := status.Field(8, 4); got != 1 {
		t.Fatalf("Field(8, 4) = 0x%X, want 1", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		seq     BitSequence
		wantErr bool
	}{
		{"ok", New(10, LSBFirst), false},
		{"zero bits", BitSequence{Data: []byte{0}, Bits: 0}, true},
		{"short buffer", BitSequence{Data: []byte{0}, Bits: 9}, true},
		{"bad order", BitSequence{Data: []byte{0}, Bits: 8, Order: Order(7)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.seq.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestShiftBufferLoopbackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, order := range []Order{LSBFirst, MSBFirst} {
		for _, bits := range []int{1, 7, 8, 13, 32, 64, 1001} {
			seq := New(bits, order)
			rng.Read(seq.Data)
			// Bits past the length are not shifted.
			if rem := bits % 8; rem != 0 {
				keep := New(bits, order)
				for i := 0; i < bits; i++ {
					keep.SetBit(i, seq.Bit(i))
				}
				seq = keep
			}

			lb := &Loopback{}
			capture := New(bits, order)
			ShiftBuffer(lb, seq, false, &capture)

			if !bytes.Equal(capture.Data, seq.Data) {
				t.Fatalf("%s %d bits: captured % X, want % X", order, bits, capture.Data, seq.Data)
			}
		}
	}
}

func TestShiftBufferRaisesTMSOnLastBit(t *testing.T) {
	lb := &Loopback{}
	ShiftBuffer(lb, FromUint(0xE0, 8), true, nil)

	tms := lb.TMS()
	if len(tms) != 8 {
		t.Fatalf("clocked %d bits, want 8", len(tms))
	}
	for i, v := range tms {
		if v != (i == 7) {
			t.Fatalf("TMS on bit %d = %v", i, v)
		}
	}

	lb = &Loopback{}
	ShiftBuffer(lb, FromUint(0xE0, 8), false, nil)
	for i, v := range lb.TMS() {
		if v {
			t.Fatalf("TMS raised on bit %d without raiseTMSOnLast", i)
		}
	}
}

func TestSoftShifterIsMSBFirst(t *testing.T) {
	lb := &Loopback{}
	sh := SoftShifter{Pins: lb}
	in := make([]byte, 2)
	sh.HWWriteRead([]byte{0x80, 0x01}, in)

	if !bytes.Equal(in, []byte{0x80, 0x01}) {
		t.Fatalf("HWWriteRead loopback = % X", in)
	}
	if !lb.Edges[0].TDI || lb.Edges[7].TDI || !lb.Edges[15].TDI {
		t.Fatalf("bits not MSB-first: %+v", lb.Edges)
	}

	buf := []byte{0xAA}
	sh.HWReadInto(buf)
	if buf[0] != 0 {
		t.Fatalf("HWReadInto shifted non-zero TDI: % X", buf)
	}
}

package bitio

import (
	"fmt"
)

// Order is the order in which the bits of each byte leave the shifter.
type Order uint8

const (
	// LSBFirst shifts bit 0 of Data[0] first. JTAG instruction and data
	// registers use this order.
	LSBFirst Order = iota
	// MSBFirst shifts bit 7 of Data[0] first, matching SPI flash commands
	// and the hardware shifter.
	MSBFirst
)

func (o Order) String() string {
	switch o {
	case LSBFirst:
		return "lsb-first"
	case MSBFirst:
		return "msb-first"
	default:
		return fmt.Sprintf("Order(%d)", uint8(o))
	}
}

// BitSequence is a bit-addressable byte buffer with an explicit length in
// bits and shift order. Bit i is the i-th bit on the wire.
type BitSequence struct {
	Data  []byte
	Bits  int
	Order Order
}

// New returns a zeroed sequence able to hold bits bits.
func New(bits int, order Order) BitSequence {
	return BitSequence{Data: make([]byte, (bits+7)/8), Bits: bits, Order: order}
}

// FromBytes wraps data without copying; every byte is shifted.
func FromBytes(data []byte, order Order) BitSequence {
	return BitSequence{Data: data, Bits: len(data) * 8, Order: order}
}

// FromUint packs the low bits bits of v LSB-first, the layout of an
// instruction register opcode.
func FromUint(v uint64, bits int) BitSequence {
	s := New(bits, LSBFirst)
	for i := 0; i < bits && i < 64; i++ {
		s.SetBit(i, v&(1<<uint(i)) != 0)
	}
	return s
}

// Validate reports a malformed sequence.
func (s BitSequence) Validate() error {
	if s.Bits <= 0 {
		return fmt.Errorf("bitio: bits must be positive, got %d", s.Bits)
	}
	if required := (s.Bits + 7) / 8; len(s.Data) < required {
		return fmt.Errorf("bitio: buffer too short for %d bits, need %d bytes, have %d", s.Bits, required, len(s.Data))
	}
	if s.Order != LSBFirst && s.Order != MSBFirst {
		return fmt.Errorf("bitio: invalid order %s", s.Order)
	}
	return nil
}

func (s BitSequence) mask(i int) (int, byte) {
	if s.Order == MSBFirst {
		return i / 8, 0x80 >> uint(i%8)
	}
	return i / 8, 1 << uint(i%8)
}

// Bit returns the i-th bit in shift order.
func (s BitSequence) Bit(i int) bool {
	idx, m := s.mask(i)
	return s.Data[idx]&m != 0
}

// SetBit overwrites the i-th bit in shift order.
func (s BitSequence) SetBit(i int, v bool) {
	idx, m := s.mask(i)
	if v {
		s.Data[idx] |= m
	} else {
		s.Data[idx] &^= m
	}
}

// Field returns width bits starting at shift position offset, the first
// shifted bit landing in bit 0 of the result. For an LSB-first capture this
// is the register value; width is limited to 64.
func (s BitSequence) Field(offset, width int) uint64 {
	var v uint64
	for i := 0; i < width && i < 64; i++ {
		if offset+i >= s.Bits {
			break
		}
		if s.Bit(offset + i) {
			v |= 1 << uint(i)
		}
	}
	return v
}

// Clone returns a deep copy.
func (s BitSequence) Clone() BitSequence {
	return BitSequence{Data: append([]byte(nil), s.Data...), Bits: s.Bits, Order: s.Order}
}

func (s BitSequence) String() string {
	return fmt.Sprintf("%d bits %s % X", s.Bits, s.Order, s.Data)
}

// Package cmsisdap drives JTAG through a CMSIS-DAP probe. Pin-level
// operations are queued and sent as DAP_JTAG_Sequence commands; a TDO read
// flushes the queue.
package cmsisdap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command IDs.
const (
	CmdInfo         = 0x00
	CmdConnect      = 0x02
	CmdDisconnect   = 0x03
	CmdSWJClock     = 0x11
	CmdJTAGSequence = 0x14
)

// DAP_Info IDs.
const (
	InfoVendor      = 0x01
	InfoProduct     = 0x02
	InfoSerial      = 0x03
	InfoFirmware    = 0x04
	InfoPacketCount = 0xFE
	InfoPacketSize  = 0xFF
)

const (
	PortJTAG = 2

	StatusOK = 0x00
)

// Sequence info byte.
const (
	seqCountMask = 0x3F // 0 means 64
	seqTMS       = 0x40
	seqTDO       = 0x80

	// MaxSequenceClocks is the longest single sequence.
	MaxSequenceClocks = 64
)

var ErrResponse = errors.New("cmsisdap: bad response")

func respErr(cmd byte, resp []byte, min int) error {
	switch {
	case len(resp) < min:
		return fmt.Errorf("%w: command 0x%02X: %d bytes", ErrResponse, cmd, len(resp))
	case resp[0] != cmd:
		return fmt.Errorf("%w: command 0x%02X answered as 0x%02X", ErrResponse, cmd, resp[0])
	}
	return nil
}

func status(cmd byte, resp []byte) error {
	if err := respErr(cmd, resp, 2); err != nil {
		return err
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("%w: command 0x%02X failed with status 0x%02X", ErrResponse, cmd, resp[1])
	}
	return nil
}

// EncodeInfo builds DAP_Info.
func EncodeInfo(id byte) []byte { return []byte{CmdInfo, id} }

// DecodeInfo returns the raw info payload.
func DecodeInfo(resp []byte) ([]byte, error) {
	if err := respErr(CmdInfo, resp, 2); err != nil {
		return nil, err
	}
	n := int(resp[1])
	if len(resp) < 2+n {
		return nil, fmt.Errorf("%w: info truncated", ErrResponse)
	}
	return resp[2 : 2+n], nil
}

// EncodeConnect builds DAP_Connect.
func EncodeConnect(port byte) []byte { return []byte{CmdConnect, port} }

// DecodeConnect checks that the probe connected on port.
func DecodeConnect(resp []byte, port byte) error {
	if err := respErr(CmdConnect, resp, 2); err != nil {
		return err
	}
	if resp[1] != port {
		return fmt.Errorf("%w: connected port %d, want %d", ErrResponse, resp[1], port)
	}
	return nil
}

// EncodeSWJClock builds DAP_SWJ_Clock.
func EncodeSWJClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// Sequence is one DAP_JTAG_Sequence entry: up to 64 clocks with a constant
// TMS. TDI is LSB first.
type Sequence struct {
	Clocks  int
	TMS     bool
	Capture bool
	TDI     []byte
}

func (s Sequence) info() byte {
	info := byte(s.Clocks & seqCountMask)
	if s.TMS {
		info |= seqTMS
	}
	if s.Capture {
		info |= seqTDO
	}
	return info
}

func (s Sequence) bytes() int { return (s.Clocks + 7) / 8 }

// EncodeJTAGSequence builds DAP_JTAG_Sequence.
func EncodeJTAGSequence(seqs []Sequence) []byte {
	cmd := []byte{CmdJTAGSequence, byte(len(seqs))}
	for _, s := range seqs {
		cmd = append(cmd, s.info())
		tdi := make([]byte, s.bytes())
		copy(tdi, s.TDI)
		cmd = append(cmd, tdi...)
	}
	return cmd
}

// DecodeJTAGSequence returns the captured TDO of every capturing sequence,
// in order.
func DecodeJTAGSequence(resp []byte, seqs []Sequence) ([][]byte, error) {
	if err := status(CmdJTAGSequence, resp); err != nil {
		return nil, err
	}
	var out [][]byte
	off := 2
	for _, s := range seqs {
		if !s.Capture {
			continue
		}
		n := s.bytes()
		if off+n > len(resp) {
			return nil, fmt.Errorf("%w: TDO truncated", ErrResponse)
		}
		out = append(out, resp[off:off+n])
		off += n
	}
	return out, nil
}

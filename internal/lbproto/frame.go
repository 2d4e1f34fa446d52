// Package lbproto implements the load bank wire protocol: a fixed 15-byte
// status frame terminated by a CRC-8 checksum, with no start, stop or escape
// bytes. Frame boundaries are recovered purely from length + checksum.
package lbproto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FrameLen is the size of one status frame on the wire, checksum included.
const FrameLen = 15

// Byte offsets inside a frame.
const (
	offVersion        = 0
	offBankPower      = 1 // u16 BE
	offBankNo         = 3
	offBankHealth     = 4
	offContactorsMask = 5  // u16 BE
	offErrContactors  = 7  // u16 BE
	offErrFans        = 9  // u16 BE
	offErrThermals    = 11 // u16 BE
	offOtherErrors    = 13
	offChecksum       = FrameLen - 1
)

// Status is one decoded load bank frame.
type Status struct {
	PortName       string `json:"portName"`
	Version        uint8  `json:"version"`
	BankPower      uint16 `json:"bankPower"`
	BankNo         uint8  `json:"bankNo"`
	BankHealth     uint8  `json:"bankHealth"`
	ContactorsMask uint16 `json:"contactorsMask"` // Bit per contactor, 1 = closed
	ErrContactors  uint16 `json:"errContactors"`
	ErrFans        uint16 `json:"errFans"`
	ErrThermals    uint16 `json:"errThermals"`
	OtherErrors    uint8  `json:"otherErrors"`

	Raw    []byte `json:"-"`
	RawHex string `json:"rawFrameHex"` // Raw frame for diagnostics
}

// HasErrors reports whether the bank flagged any contactor, fan, thermal or
// auxiliary fault.
func (s Status) HasErrors() bool {
	return s.ErrContactors != 0 || s.ErrFans != 0 || s.ErrThermals != 0 || s.OtherErrors != 0
}

// Decode parses a single frame. It returns false when the length is not
// FrameLen or the trailing byte does not match the checksum of the rest.
func Decode(frame []byte) (Status, bool) {
	if len(frame) != FrameLen {
		return Status{}, false
	}
	if frame[offChecksum] != Checksum(frame[:offChecksum]) {
		return Status{}, false
	}

	raw := make([]byte, FrameLen)
	copy(raw, frame)

	return Status{
		Version:        frame[offVersion],
		BankPower:      u16(frame[offBankPower], frame[offBankPower+1]),
		BankNo:         frame[offBankNo],
		BankHealth:     frame[offBankHealth],
		ContactorsMask: u16(frame[offContactorsMask], frame[offContactorsMask+1]),
		ErrContactors:  u16(frame[offErrContactors], frame[offErrContactors+1]),
		ErrFans:        u16(frame[offErrFans], frame[offErrFans+1]),
		ErrThermals:    u16(frame[offErrThermals], frame[offErrThermals+1]),
		OtherErrors:    frame[offOtherErrors],
		Raw:            raw,
		RawHex:         Hex(raw),
	}, true
}

// Encode builds the wire frame for s, checksum included. PortName, Raw and
// RawHex are ignored.
func Encode(s Status) []byte {
	frame := make([]byte, FrameLen)
	frame[offVersion] = s.Version
	putU16(frame[offBankPower:], s.BankPower)
	frame[offBankNo] = s.BankNo
	frame[offBankHealth] = s.BankHealth
	putU16(frame[offContactorsMask:], s.ContactorsMask)
	putU16(frame[offErrContactors:], s.ErrContactors)
	putU16(frame[offErrFans:], s.ErrFans)
	putU16(frame[offErrThermals:], s.ErrThermals)
	frame[offOtherErrors] = s.OtherErrors
	frame[offChecksum] = Checksum(frame[:offChecksum])
	return frame
}

func u16(hi, lo byte) uint16 {
	return uint16(hi)<<8 | uint16(lo)
}

func putU16(dst []byte, v uint16) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

// Hex renders bytes as upper-case, space separated pairs ("0A FF 10").
func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// ParseHex is the inverse of Hex. It accepts any whitespace, optional "0x"
// prefixes and commas between bytes, so "AA 0F", "0xAA,0x0F" and "AA0F" all
// parse to the same two bytes.
func ParseHex(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("lbproto: bad hex %q: %w", f, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// Package opto implements the PAC isochronous telemetry codec, the register
// write command codec, and the UDP and TCP transports built on them.
package opto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Telemetry datagram layout. All multi-byte fields are big-endian.
//
//	offset  size  field
//	0       2     packet length (informational)
//	2       1     reserved, zero filled
//	3       1     transaction code (0x0A isochronous block + sync nibble)
//	4       256   64 x IEEE-754 float32
//	260     256   64 x uint32
//	516     8     64 digital bits, MSB first
const (
	ChannelCount = 64

	offsetLength      = 0
	offsetTransaction = 3
	offsetFloats      = 4
	offsetInts        = offsetFloats + ChannelCount*4
	offsetDigitals    = offsetInts + ChannelCount*4

	// FrameSize is the minimum datagram length accepted by DecodeFrame.
	FrameSize = offsetDigitals + ChannelCount/8
)

// quietNaN is written for float channels that carry no value.
const quietNaN uint32 = 0x7FC00000

// NaNPolicy selects how NaN float channels are decoded.
type NaNPolicy int

const (
	// NaNAsNull marks NaN channels as having no value. This is the default.
	NaNAsNull NaNPolicy = iota
	// NaNPassThrough keeps the raw NaN as a valid value.
	NaNPassThrough
)

// String returns the configuration name of the policy.
func (p NaNPolicy) String() string {
	switch p {
	case NaNAsNull:
		return "null"
	case NaNPassThrough:
		return "raw"
	default:
		return fmt.Sprintf("NaNPolicy(%d)", int(p))
	}
}

// ParseNaNPolicy maps a configuration name to a policy. Empty means default.
func ParseNaNPolicy(s string) (NaNPolicy, error) {
	switch s {
	case "", "null":
		return NaNAsNull, nil
	case "raw":
		return NaNPassThrough, nil
	default:
		return NaNAsNull, fmt.Errorf("unknown nan policy %q (want null or raw)", s)
	}
}

// NullFloat32 is a float channel that may carry no value.
type NullFloat32 struct {
	Float32 float32
	Valid   bool
}

// Frame is one decoded telemetry datagram.
type Frame struct {
	Length          uint16
	TransactionCode byte
	Floats          [ChannelCount]NullFloat32
	Ints            [ChannelCount]uint32
	Digitals        [ChannelCount]bool
}

// DecodeFrame parses a telemetry datagram. Trailing bytes beyond FrameSize
// are ignored. Short input yields ErrTruncatedPacket and no frame.
func DecodeFrame(raw []byte, policy NaNPolicy) (*Frame, error) {
	if len(raw) < FrameSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrTruncatedPacket, len(raw), FrameSize)
	}

	f := &Frame{
		Length:          binary.BigEndian.Uint16(raw[offsetLength:]),
		TransactionCode: raw[offsetTransaction],
	}

	for i := 0; i < ChannelCount; i++ {
		v := math.Float32frombits(binary.BigEndian.Uint32(raw[offsetFloats+i*4:]))
		valid := true
		if policy == NaNAsNull && v != v {
			valid = false
		}
		f.Floats[i] = NullFloat32{Float32: v, Valid: valid}
	}

	for i := 0; i < ChannelCount; i++ {
		f.Ints[i] = binary.BigEndian.Uint32(raw[offsetInts+i*4:])
	}

	for i := 0; i < ChannelCount/8; i++ {
		b := raw[offsetDigitals+i]
		for bit := 0; bit < 8; bit++ {
			f.Digitals[i*8+bit] = b&(0x80>>bit) != 0
		}
	}

	return f, nil
}

// EncodeFrame writes f in the datagram layout. Channels without a value
// are written as a quiet NaN. The length field is always FrameSize.
func EncodeFrame(f *Frame) []byte {
	buf := make([]byte, FrameSize)
	binary.BigEndian.PutUint16(buf[offsetLength:], FrameSize)
	buf[offsetTransaction] = f.TransactionCode

	for i, v := range f.Floats {
		bits := quietNaN
		if v.Valid {
			bits = math.Float32bits(v.Float32)
		}
		binary.BigEndian.PutUint32(buf[offsetFloats+i*4:], bits)
	}

	for i, v := range f.Ints {
		binary.BigEndian.PutUint32(buf[offsetInts+i*4:], v)
	}

	for i, on := range f.Digitals {
		if on {
			buf[offsetDigitals+i/8] |= 0x80 >> (i % 8)
		}
	}

	return buf
}

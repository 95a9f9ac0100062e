// Package protocol encodes and decodes the driver's wire frames.
//
// All integers are little-endian. Every frame starts with an 8 byte base header
// (version, flags, type, frame length). DATA, PAD and HEARTBEAT frames extend it to a
// 24 byte data header; NAK, STATUS_MESSAGE and SETUP have fixed layouts of their own.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/termstream/errors"
)

// Version is the only protocol version understood.
const Version uint8 = 0

// Frame lengths.
const (
	HeaderLength        = 8
	DataHeaderLength    = 24
	NakLength           = 28
	StatusMessageLength = 36
	SetupLength         = 40

	// FrameAlignment is the alignment of frames within a term and a datagram.
	FrameAlignment = 8
)

// Base header offsets.
const (
	VersionOffset     = 0
	FlagsOffset       = 1
	TypeOffset        = 2
	FrameLengthOffset = 4
)

// Data header offsets.
const (
	TermOffsetOffset = 8
	SessionIDOffset  = 12
	StreamIDOffset   = 16
	TermIDOffset     = 20
)

// Fragment flags carried by DATA frames.
const (
	FlagBegin          uint8 = 0x80
	FlagEnd            uint8 = 0x40
	FlagsUnfragmented        = FlagBegin | FlagEnd
)

// FlagSendSetup on a STATUS_MESSAGE asks the sender to answer with a SETUP frame. The
// receiver sends it when data arrives for a session it has no connection for.
const FlagSendSetup uint8 = 0x80

// FrameType identifies a frame on the wire.
type FrameType uint16

// Frame types.
const (
	TypePad       FrameType = 0x00
	TypeData      FrameType = 0x01
	TypeNak       FrameType = 0x02
	TypeStatus    FrameType = 0x03
	TypeHeartbeat FrameType = 0x04
	TypeSetup     FrameType = 0x05
)

func (t FrameType) String() string {
	switch t {
	case TypePad:
		return "PAD"
	case TypeData:
		return "DATA"
	case TypeNak:
		return "NAK"
	case TypeStatus:
		return "SM"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint16(t))
	}
}

// MinLength returns the minimum frame length for the type, or 0 for unknown types.
func (t FrameType) MinLength() int {
	switch t {
	case TypePad, TypeData, TypeHeartbeat:
		return DataHeaderLength
	case TypeNak:
		return NakLength
	case TypeStatus:
		return StatusMessageLength
	case TypeSetup:
		return SetupLength
	default:
		return 0
	}
}

// Align rounds n up to a multiple of alignment, which must be a power of two.
func Align(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// TypeOf reads the frame type of buf. buf must hold at least a base header.
func TypeOf(buf []byte) FrameType {
	return FrameType(binary.LittleEndian.Uint16(buf[TypeOffset:]))
}

// LengthOf reads the frame length of buf. buf must hold at least a base header.
func LengthOf(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[FrameLengthOffset:]))
}

// Peek validates the base header of the frame at the start of buf and returns its
// type and length. For PAD frames the length covers padding that is not carried on
// the wire, so only the header is required to be present.
func Peek(buf []byte) (FrameType, int, error) {
	if len(buf) < HeaderLength {
		return 0, 0, errors.WrapInvalid(errors.ErrMalformedFrame, "protocol", "Peek",
			fmt.Sprintf("read header of %d byte buffer", len(buf)))
	}
	if buf[VersionOffset] != Version {
		return 0, 0, errors.WrapInvalid(errors.ErrMalformedFrame, "protocol", "Peek",
			fmt.Sprintf("check version %d", buf[VersionOffset]))
	}

	t := TypeOf(buf)
	minLength := t.MinLength()
	if minLength == 0 {
		return t, 0, errors.WrapInvalid(errors.ErrUnknownFrame, "protocol", "Peek",
			fmt.Sprintf("dispatch type 0x%02x", uint16(t)))
	}

	length := int(LengthOf(buf))
	if length < minLength || len(buf) < minLength {
		return t, 0, errors.WrapInvalid(errors.ErrMalformedFrame, "protocol", "Peek",
			fmt.Sprintf("check %s length %d", t, length))
	}
	if t != TypePad && length > len(buf) {
		return t, 0, errors.WrapInvalid(errors.ErrMalformedFrame, "protocol", "Peek",
			fmt.Sprintf("check %s length %d against %d byte datagram", t, length, len(buf)))
	}
	return t, length, nil
}

// Frames calls fn for every frame in a datagram. Frames are 8 byte aligned; a PAD
// frame ends the datagram. Iteration stops at the first malformed frame or when fn
// returns false.
func Frames(datagram []byte, fn func(t FrameType, frame []byte) bool) error {
	offset := 0
	for offset < len(datagram) {
		t, length, err := Peek(datagram[offset:])
		if err != nil {
			return err
		}
		if t == TypePad {
			fn(t, datagram[offset:offset+DataHeaderLength])
			return nil
		}
		if !fn(t, datagram[offset:offset+length]) {
			return nil
		}
		offset += Align(length, FrameAlignment)
	}
	return nil
}

func putBaseHeader(buf []byte, flags uint8, t FrameType, length int32) {
	buf[VersionOffset] = Version
	buf[FlagsOffset] = flags
	binary.LittleEndian.PutUint16(buf[TypeOffset:], uint16(t))
	binary.LittleEndian.PutUint32(buf[FrameLengthOffset:], uint32(length))
}

func getInt32(buf []byte, offset int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offset:]))
}

func putInt32(buf []byte, offset int, v int32) {
	binary.LittleEndian.PutUint32(buf[offset:], uint32(v))
}

func checkLength(buf []byte, need int, t FrameType, op string) error {
	if len(buf) < need {
		return errors.WrapInvalid(errors.ErrMalformedFrame, "protocol", op,
			fmt.Sprintf("%s needs %d bytes, have %d", t, need, len(buf)))
	}
	return nil
}

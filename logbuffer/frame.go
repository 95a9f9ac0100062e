package logbuffer

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/c360/termstream/protocol"
)

var nativeLittleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

func lengthWord(term []byte, offset int32) *int32 {
	return (*int32)(unsafe.Pointer(&term[offset+protocol.FrameLengthOffset]))
}

// loadFrameLength is the acquire side of frame publication. A frame may only be read
// after a non-zero length has been observed here.
func loadFrameLength(term []byte, offset int32) int32 {
	v := atomic.LoadInt32(lengthWord(term, offset))
	if !nativeLittleEndian {
		v = int32(bits.ReverseBytes32(uint32(v)))
	}
	return v
}

// storeFrameLength is the release side of frame publication. It must be the last
// write to a frame.
func storeFrameLength(term []byte, offset int32, length int32) {
	if !nativeLittleEndian {
		length = int32(bits.ReverseBytes32(uint32(length)))
	}
	atomic.StoreInt32(lengthWord(term, offset), length)
}

// writeHeader writes every data header field except the frame length.
func writeHeader(term []byte, offset int32, flags uint8, t protocol.FrameType, termOffset, sessionID, streamID, termID int32) {
	h := term[offset:]
	h[protocol.VersionOffset] = protocol.Version
	h[protocol.FlagsOffset] = flags
	binary.LittleEndian.PutUint16(h[protocol.TypeOffset:], uint16(t))
	binary.LittleEndian.PutUint32(h[protocol.TermOffsetOffset:], uint32(termOffset))
	binary.LittleEndian.PutUint32(h[protocol.SessionIDOffset:], uint32(sessionID))
	binary.LittleEndian.PutUint32(h[protocol.StreamIDOffset:], uint32(streamID))
	binary.LittleEndian.PutUint32(h[protocol.TermIDOffset:], uint32(termID))
}

// copyFrame copies a received frame into a term, leaving the length word untouched.
func copyFrame(term []byte, offset int32, frame []byte, length int32) {
	copy(term[offset:offset+protocol.FrameLengthOffset], frame[:protocol.FrameLengthOffset])
	end := int(length)
	if end > len(frame) {
		end = len(frame)
	}
	copy(term[offset+protocol.TermOffsetOffset:], frame[protocol.TermOffsetOffset:end])
}

func frameType(term []byte, offset int32) protocol.FrameType {
	return protocol.TypeOf(term[offset:])
}

func alignedLength(length int32) int32 {
	return int32(protocol.Align(int(length), protocol.FrameAlignment))
}

func packTail(termID int32, offset int32) int64 {
	return int64(termID)<<32 | int64(uint32(offset))
}

func tailTermID(raw int64) int32 {
	return int32(raw >> 32)
}

func tailOffset(raw int64) int32 {
	return int32(uint32(raw))
}

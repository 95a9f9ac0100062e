// Package logbuffer implements the term log: a segmented, append-only log of
// fixed-size terms shared between publishers, the transport agents and subscribers.
//
// Three partitions are used as a ring. One is active, one holds the previous term and
// stays readable, and one is waiting to be cleaned for the next rotation. Frames are 8
// byte aligned and never span terms; when a message does not fit in what remains of a
// term, a PAD frame fills the term exactly and the log rotates.
//
// A frame becomes visible when its length word is published with an atomic store.
// Readers load the length atomically and never touch a frame before that.
package logbuffer

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/protocol"
)

// PartitionCount is the number of terms held by a log.
const PartitionCount = 3

// Term length bounds.
const (
	TermMinLength = 64 * 1024
	TermMaxLength = 1024 * 1024 * 1024
)

const closedBit = int64(1) << 40

// FragmentHandler receives each fragment read from the log. payload is only valid for
// the duration of the call.
type FragmentHandler func(payload []byte, header protocol.DataHeader)

// Params describes a log.
type Params struct {
	TermLength    int32
	InitialTermID int32
	MTU           int
	SessionID     int32
	StreamID      int32
	Allocator     Allocator
}

// Validate checks the term length and MTU.
func (p Params) Validate() error {
	if p.TermLength < TermMinLength || p.TermLength > TermMaxLength || bits.OnesCount32(uint32(p.TermLength)) != 1 {
		return errors.WrapFatal(
			fmt.Errorf("%w: %d must be a power of two in [%d, %d]", errors.ErrInvalidTermLength, p.TermLength, TermMinLength, TermMaxLength),
			"Log", "Validate", "check term length")
	}
	if p.MTU < protocol.DataHeaderLength+protocol.FrameAlignment || p.MTU%protocol.FrameAlignment != 0 || p.MTU > int(p.TermLength) {
		return errors.WrapFatal(
			fmt.Errorf("%w: mtu %d must be a multiple of %d between %d and the term length",
				errors.ErrInvalidConfig, p.MTU, protocol.FrameAlignment, protocol.DataHeaderLength+protocol.FrameAlignment),
			"Log", "Validate", "check mtu")
	}
	return nil
}

// Log is a three-term log buffer. Appends are safe for concurrent use; the receiver
// side is written by a single Rebuilder.
type Log struct {
	termLength    int32
	shift         uint
	initialTermID int32
	mtu           int
	maxPayload    int32
	maxMessage    int
	sessionID     int32
	streamID      int32

	allocator Allocator
	terms     [PartitionCount][]byte

	rawTails        [PartitionCount]atomic.Int64
	activeTermCount atomic.Int32
	dirty           [PartitionCount]atomic.Bool

	readers atomic.Pointer[[]*Reader]

	state    atomic.Int64
	freed    atomic.Bool
	freeErr  error
	freeDone chan struct{}
}

// New allocates a log.
func New(p Params) (*Log, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Allocator == nil {
		p.Allocator = HeapAllocator{}
	}

	l := &Log{
		termLength:    p.TermLength,
		shift:         uint(bits.TrailingZeros32(uint32(p.TermLength))),
		initialTermID: p.InitialTermID,
		mtu:           p.MTU,
		maxPayload:    int32(p.MTU - protocol.DataHeaderLength),
		maxMessage:    int(p.TermLength / 8),
		sessionID:     p.SessionID,
		streamID:      p.StreamID,
		allocator:     p.Allocator,
		freeDone:      make(chan struct{}),
	}

	for i := 0; i < PartitionCount; i++ {
		term, err := p.Allocator.Allocate(int(p.TermLength))
		if err != nil {
			for j := 0; j < i; j++ {
				_ = p.Allocator.Free(l.terms[j])
			}
			return nil, errors.Wrap(err, "Log", "New", "allocate term")
		}
		l.terms[i] = term
	}

	l.rawTails[0].Store(packTail(p.InitialTermID, 0))
	for i := 1; i < PartitionCount; i++ {
		l.rawTails[i].Store(packTail(p.InitialTermID-PartitionCount, 0))
	}
	empty := make([]*Reader, 0)
	l.readers.Store(&empty)
	return l, nil
}

// TermLength returns the length of each term.
func (l *Log) TermLength() int32 { return l.termLength }

// InitialTermID returns the term id at position zero.
func (l *Log) InitialTermID() int32 { return l.initialTermID }

// MTU returns the maximum frame length.
func (l *Log) MTU() int { return l.mtu }

// SessionID returns the session id written into appended frames.
func (l *Log) SessionID() int32 { return l.sessionID }

// StreamID returns the stream id written into appended frames.
func (l *Log) StreamID() int32 { return l.streamID }

// MaxMessageLength returns the largest payload accepted by Append.
func (l *Log) MaxMessageLength() int { return l.maxMessage }

// Position converts a term id and offset to a stream position.
func (l *Log) Position(termID, termOffset int32) int64 {
	return int64(termID-l.initialTermID)<<l.shift + int64(termOffset)
}

// TermID returns the term id containing position.
func (l *Log) TermID(position int64) int32 {
	return l.initialTermID + int32(position>>l.shift)
}

// TermOffset returns the offset of position within its term.
func (l *Log) TermOffset(position int64) int32 {
	return int32(position & int64(l.termLength-1))
}

func (l *Log) partitionIndex(termID int32) int {
	return int(uint32(termID-l.initialTermID) % PartitionCount)
}

func (l *Log) partitionTermID(idx int) int32 {
	return tailTermID(l.rawTails[idx].Load())
}

// ActiveTermID returns the term currently being appended to (or rebuilt).
func (l *Log) ActiveTermID() int32 {
	return l.initialTermID + l.activeTermCount.Load()
}

// TailPosition returns the position after the last reserved frame.
func (l *Log) TailPosition() int64 {
	count := l.activeTermCount.Load()
	raw := l.rawTails[int(uint32(count)%PartitionCount)].Load()
	offset := tailOffset(raw)
	if offset > l.termLength {
		offset = l.termLength
	}
	return l.Position(tailTermID(raw), offset)
}

func (l *Log) acquire() bool {
	for {
		s := l.state.Load()
		if s&closedBit != 0 {
			return false
		}
		if l.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

func (l *Log) release() {
	if l.state.Add(-1) == closedBit {
		l.free()
	}
}

func (l *Log) free() {
	if !l.freed.CompareAndSwap(false, true) {
		return
	}
	for i := range l.terms {
		if err := l.allocator.Free(l.terms[i]); err != nil && l.freeErr == nil {
			l.freeErr = err
		}
	}
	close(l.freeDone)
}

// Close marks the log closed. Memory is released once no operation is in flight;
// every later operation reports ErrLogClosed.
func (l *Log) Close() {
	for {
		s := l.state.Load()
		if s&closedBit != 0 {
			return
		}
		if l.state.CompareAndSwap(s, s|closedBit) {
			if s == 0 {
				l.free()
			}
			return
		}
	}
}

// IsClosed reports whether Close has been called.
func (l *Log) IsClosed() bool {
	return l.state.Load()&closedBit != 0
}

// Reclaimed is closed once the log memory has been released.
func (l *Log) Reclaimed() <-chan struct{} {
	return l.freeDone
}

func errClosed(method string) error {
	return errors.WrapFatal(errors.ErrLogClosed, "Log", method, "access log")
}

func errNoSpace(method string) error {
	return errors.WrapTransient(errors.ErrInsufficientSpace, "Log", method, "rotate to next term")
}

// Append writes payload as one frame, or as BEGIN..END fragments when it exceeds the
// MTU, and returns the position after the last fragment.
func (l *Log) Append(payload []byte) (int64, error) {
	if !l.acquire() {
		return 0, errClosed("Append")
	}
	defer l.release()

	if len(payload) > l.maxMessage {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %d > %d", errors.ErrMessageTooLarge, len(payload), l.maxMessage),
			"Log", "Append", "check message length")
	}

	maxPayload := int(l.maxPayload)
	fragments := 1
	if len(payload) > maxPayload {
		fragments = (len(payload) + maxPayload - 1) / maxPayload
	}
	lastPayload := len(payload) - (fragments-1)*maxPayload
	required := int32(fragments-1)*alignedLength(int32(l.mtu)) +
		alignedLength(int32(protocol.DataHeaderLength+lastPayload))

	termID, offset, err := l.reserve(required, "Append")
	if err != nil {
		return 0, err
	}

	idx := l.partitionIndex(termID)
	term := l.terms[idx]
	frameOffset := offset
	remaining := payload
	for i := 0; i < fragments; i++ {
		chunk := remaining
		if len(chunk) > maxPayload {
			chunk = chunk[:maxPayload]
		}
		remaining = remaining[len(chunk):]

		var flags uint8
		if i == 0 {
			flags |= protocol.FlagBegin
		}
		if i == fragments-1 {
			flags |= protocol.FlagEnd
		}

		frameLength := int32(protocol.DataHeaderLength + len(chunk))
		writeHeader(term, frameOffset, flags, protocol.TypeData, frameOffset, l.sessionID, l.streamID, termID)
		copy(term[frameOffset+protocol.DataHeaderLength:], chunk)
		storeFrameLength(term, frameOffset, frameLength)
		frameOffset += alignedLength(frameLength)
	}

	return l.Position(termID, offset+required), nil
}

// reserve claims required contiguous bytes in the active term, padding and rotating
// when they do not fit.
func (l *Log) reserve(required int32, method string) (int32, int32, error) {
	for {
		count := l.activeTermCount.Load()
		idx := int(uint32(count) % PartitionCount)
		raw := l.rawTails[idx].Load()
		termID := tailTermID(raw)
		offset := tailOffset(raw)

		if termID != l.initialTermID+count {
			runtime.Gosched()
			continue
		}

		if offset >= l.termLength {
			if !l.rotate(count, termID) {
				return 0, 0, errNoSpace(method)
			}
			continue
		}

		if remaining := l.termLength - (offset + required); remaining < 0 ||
			(remaining > 0 && remaining < protocol.DataHeaderLength) {
			if l.rawTails[idx].CompareAndSwap(raw, packTail(termID, l.termLength)) {
				l.writePad(l.terms[idx], termID, offset, l.termLength-offset)
				if !l.rotate(count, termID) {
					return 0, 0, errNoSpace(method)
				}
			}
			continue
		}

		if l.rawTails[idx].CompareAndSwap(raw, packTail(termID, offset+required)) {
			return termID, offset, nil
		}
	}
}

func (l *Log) writePad(term []byte, termID, offset, length int32) {
	writeHeader(term, offset, protocol.FlagsUnfragmented, protocol.TypePad, offset, l.sessionID, l.streamID, termID)
	storeFrameLength(term, offset, length)
}

// rotate moves the active term from termID to termID+1. It fails while the partition
// for the next term is still dirty.
func (l *Log) rotate(count int32, termID int32) bool {
	nextIdx := int(uint32(count+1) % PartitionCount)
	if l.dirty[nextIdx].Load() {
		return false
	}

	next := termID + 1
	for {
		old := l.rawTails[nextIdx].Load()
		if tailTermID(old) == next {
			break
		}
		if l.rawTails[nextIdx].CompareAndSwap(old, packTail(next, 0)) {
			break
		}
	}

	l.markPreviousDirty(termID)
	l.activeTermCount.CompareAndSwap(count, count+1)
	return true
}

// markPreviousDirty flags the term before termID for cleaning once the active term
// moves past termID.
func (l *Log) markPreviousDirty(termID int32) {
	prev := termID - 1
	prevIdx := l.partitionIndex(prev)
	if l.partitionTermID(prevIdx) == prev {
		l.dirty[prevIdx].Store(true)
	}
}

// CleanDirty zeroes dirty terms that every registered reader has left and returns how
// many were cleaned. minPosition is the lowest position still in use.
func (l *Log) CleanDirty(minPosition int64) int {
	if !l.acquire() {
		return 0
	}
	defer l.release()

	cleaned := 0
	for idx := 0; idx < PartitionCount; idx++ {
		if !l.dirty[idx].Load() {
			continue
		}
		termID := l.partitionTermID(idx)
		if minPosition < l.Position(termID+1, 0) {
			continue
		}
		clear(l.terms[idx])
		l.dirty[idx].Store(false)
		cleaned++
	}
	return cleaned
}

// Read delivers up to fragmentLimit committed frames starting at position, skipping
// padding, and returns the number delivered and the position after them. Reads stop at
// the end of the term.
func (l *Log) Read(position int64, fragmentLimit int, handler FragmentHandler) (int, int64, error) {
	if !l.acquire() {
		return 0, position, errClosed("Read")
	}
	defer l.release()

	termID := l.TermID(position)
	offset := l.TermOffset(position)
	idx := l.partitionIndex(termID)

	if current := l.partitionTermID(idx); current != termID {
		if current-termID > 0 {
			return 0, position, errors.WrapTransient(errors.ErrReaderLapped, "Log", "Read",
				fmt.Sprintf("read term %d now holding %d", termID, current))
		}
		return 0, position, nil
	}

	term := l.terms[idx]
	fragments := 0
	for fragments < fragmentLimit && offset < l.termLength {
		length := loadFrameLength(term, offset)
		if length <= 0 {
			break
		}
		aligned := alignedLength(length)
		if frameType(term, offset) == protocol.TypePad {
			offset += aligned
			continue
		}

		header, err := protocol.DecodeDataHeader(term[offset : offset+protocol.DataHeaderLength])
		if err != nil {
			return fragments, l.Position(termID, offset), err
		}
		header.FrameLength = length
		handler(term[offset+protocol.DataHeaderLength:offset+length], header)
		fragments++
		offset += aligned
	}

	if l.partitionTermID(idx) != termID {
		return fragments, position, errors.WrapTransient(errors.ErrReaderLapped, "Log", "Read",
			fmt.Sprintf("term %d recycled during read", termID))
	}
	return fragments, l.Position(termID, offset), nil
}

// Claim is a reserved region awaiting Commit or Abort.
type Claim struct {
	log         *Log
	term        []byte
	termID      int32
	offset      int32
	frameLength int32
	done        bool
}

// Claim reserves a single frame with a payload of length bytes. The payload is
// invisible to readers until Commit.
func (l *Log) Claim(length int) (*Claim, error) {
	if !l.acquire() {
		return nil, errClosed("Claim")
	}
	if length < 0 || length > int(l.maxPayload) {
		l.release()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: claim of %d exceeds %d", errors.ErrMessageTooLarge, length, l.maxPayload),
			"Log", "Claim", "check claim length")
	}

	frameLength := int32(protocol.DataHeaderLength + length)
	termID, offset, err := l.reserve(alignedLength(frameLength), "Claim")
	if err != nil {
		l.release()
		return nil, err
	}

	term := l.terms[l.partitionIndex(termID)]
	writeHeader(term, offset, protocol.FlagsUnfragmented, protocol.TypeData, offset, l.sessionID, l.streamID, termID)
	return &Claim{log: l, term: term, termID: termID, offset: offset, frameLength: frameLength}, nil
}

// Buffer returns the payload region of the claim.
func (c *Claim) Buffer() []byte {
	return c.term[c.offset+protocol.DataHeaderLength : c.offset+c.frameLength]
}

// Position returns the position after the claimed frame.
func (c *Claim) Position() int64 {
	return c.log.Position(c.termID, c.offset+alignedLength(c.frameLength))
}

// Commit publishes the frame.
func (c *Claim) Commit() {
	if c.done {
		return
	}
	c.done = true
	storeFrameLength(c.term, c.offset, c.frameLength)
	c.log.release()
}

// Abort turns the claimed region into padding.
func (c *Claim) Abort() {
	if c.done {
		return
	}
	c.done = true
	c.term[c.offset+protocol.TypeOffset] = byte(protocol.TypePad)
	c.term[c.offset+protocol.TypeOffset+1] = 0
	storeFrameLength(c.term, c.offset, c.frameLength)
	c.log.release()
}

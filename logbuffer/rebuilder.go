package logbuffer

import (
	"sync/atomic"

	"github.com/c360/termstream/protocol"
)

// Gap is a missing range between the contiguous rebuild position and the high-water
// mark.
type Gap struct {
	TermID     int32
	TermOffset int32
	Length     int32
}

// Rebuilder reassembles a remote publication's log from frames that may arrive out of
// order, duplicated or not at all. It has a single writer, the receiver.
type Rebuilder struct {
	log             *Log
	rebuildPosition atomic.Int64
	hwmPosition     atomic.Int64
}

// NewRebuilder starts rebuilding at termID/termOffset, the point at which the remote
// stream was joined.
func (l *Log) NewRebuilder(termID, termOffset int32) *Rebuilder {
	idx := l.partitionIndex(termID)
	l.rawTails[idx].Store(packTail(termID, 0))
	l.activeTermCount.Store(termID - l.initialTermID)

	r := &Rebuilder{log: l}
	pos := l.Position(termID, termOffset)
	r.rebuildPosition.Store(pos)
	r.hwmPosition.Store(pos)
	return r
}

// Position returns the contiguous rebuild position.
func (r *Rebuilder) Position() int64 {
	return r.rebuildPosition.Load()
}

// HighWaterMark returns the highest position seen from the sender.
func (r *Rebuilder) HighWaterMark() int64 {
	return r.hwmPosition.Load()
}

// Insert places a received frame at its term offset. It returns false for duplicates,
// frames outside the rebuild window and frames whose term is not clean yet.
func (r *Rebuilder) Insert(termID, termOffset int32, frame []byte) bool {
	l := r.log
	if !l.acquire() {
		return false
	}
	defer l.release()

	if len(frame) < protocol.DataHeaderLength || termOffset < 0 || termOffset%protocol.FrameAlignment != 0 {
		return false
	}
	frameLength := protocol.LengthOf(frame)
	if frameLength < protocol.DataHeaderLength || termOffset+alignedLength(frameLength) > l.termLength {
		return false
	}

	pos := l.Position(termID, termOffset)
	rebuild := r.rebuildPosition.Load()
	if pos < rebuild {
		return false
	}
	if termID-l.TermID(rebuild) > 1 {
		return false
	}

	idx := l.partitionIndex(termID)
	if l.partitionTermID(idx) != termID && !r.prepareTerm(idx, termID) {
		return false
	}

	term := l.terms[idx]
	if loadFrameLength(term, termOffset) != 0 {
		return false
	}
	copyFrame(term, termOffset, frame, frameLength)
	storeFrameLength(term, termOffset, frameLength)

	r.raiseHighWaterMark(pos + int64(alignedLength(frameLength)))
	r.advance()
	return true
}

// OnHeartbeat records the sender's tail so that loss of the last frames before an idle
// period is detected as a gap.
func (r *Rebuilder) OnHeartbeat(termID, termOffset int32) {
	rebuild := r.rebuildPosition.Load()
	if termID-r.log.TermID(rebuild) > 1 || termOffset < 0 || termOffset > r.log.termLength {
		return
	}
	r.raiseHighWaterMark(r.log.Position(termID, termOffset))
}

func (r *Rebuilder) raiseHighWaterMark(pos int64) {
	for {
		hwm := r.hwmPosition.Load()
		if pos <= hwm || r.hwmPosition.CompareAndSwap(hwm, pos) {
			return
		}
	}
}

func (r *Rebuilder) prepareTerm(idx int, termID int32) bool {
	if r.log.dirty[idx].Load() {
		return false
	}
	r.log.rawTails[idx].Store(packTail(termID, 0))
	return true
}

// advance moves the rebuild position over contiguous frames, rotating at term ends.
func (r *Rebuilder) advance() {
	l := r.log
	pos := r.rebuildPosition.Load()
	for {
		termID := l.TermID(pos)
		offset := l.TermOffset(pos)
		idx := l.partitionIndex(termID)
		if l.partitionTermID(idx) != termID {
			break
		}
		length := loadFrameLength(l.terms[idx], offset)
		if length <= 0 {
			break
		}
		pos += int64(alignedLength(length))
		if l.TermOffset(pos) == 0 {
			l.markPreviousDirty(termID)
			l.activeTermCount.Store(termID + 1 - l.initialTermID)
		}
	}
	r.rebuildPosition.Store(pos)
}

// ScanForGap returns the first missing range after the rebuild position, bounded by
// the high-water mark and the end of the rebuild term.
func (r *Rebuilder) ScanForGap() (Gap, bool) {
	l := r.log
	if !l.acquire() {
		return Gap{}, false
	}
	defer l.release()

	rebuild := r.rebuildPosition.Load()
	hwm := r.hwmPosition.Load()
	if rebuild >= hwm {
		return Gap{}, false
	}

	termID := l.TermID(rebuild)
	offset := l.TermOffset(rebuild)
	limit := l.termLength
	if l.TermID(hwm) == termID {
		limit = l.TermOffset(hwm)
	}

	idx := l.partitionIndex(termID)
	end := offset
	if l.partitionTermID(idx) == termID {
		term := l.terms[idx]
		for end < limit && loadFrameLength(term, end) == 0 {
			end += protocol.FrameAlignment
		}
	} else {
		end = limit
	}
	if end <= offset {
		return Gap{}, false
	}
	return Gap{TermID: termID, TermOffset: offset, Length: end - offset}, true
}

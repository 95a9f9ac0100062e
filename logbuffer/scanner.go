package logbuffer

import (
	"github.com/c360/termstream/protocol"
)

// Scan is a block of committed frames ready to be transmitted.
type Scan struct {
	TermID     int32
	TermOffset int32
	// Data holds the frames as they are sent. For padding only the header is carried.
	Data []byte
	// Length is the number of log bytes the block covers, including padding.
	Length int32
	Pad    bool
}

// ScanNext collects the contiguous committed frames at position into a block of at
// most maxBytes and passes it to fn, which must not retain Data. A PAD frame is always
// reported on its own. It returns the number of log bytes covered, zero when nothing
// is available.
func (l *Log) ScanNext(position int64, maxBytes int, fn func(Scan)) (int32, error) {
	if !l.acquire() {
		return 0, errClosed("ScanNext")
	}
	defer l.release()

	termID := l.TermID(position)
	offset := l.TermOffset(position)
	idx := l.partitionIndex(termID)
	if l.partitionTermID(idx) != termID {
		return 0, nil
	}

	scan, ok := l.scanTerm(l.terms[idx], termID, offset, l.termLength, maxBytes)
	if !ok {
		return 0, nil
	}
	fn(scan)
	return scan.Length, nil
}

// ValidFrameOffset reports whether a frame can start at termOffset in a term of
// termLength bytes.
func ValidFrameOffset(termOffset, termLength int32) bool {
	return termOffset >= 0 &&
		termOffset%protocol.FrameAlignment == 0 &&
		termOffset <= termLength-protocol.DataHeaderLength
}

func (l *Log) scanTerm(term []byte, termID, offset, limit int32, maxBytes int) (Scan, bool) {
	termLength := int32(len(term))
	var covered, dataLength int32
	for offset+covered < limit {
		frameOffset := offset + covered
		if frameOffset+protocol.DataHeaderLength > termLength {
			break
		}
		length := loadFrameLength(term, frameOffset)
		if length <= 0 {
			break
		}
		aligned := alignedLength(length)
		if frameOffset+aligned > termLength {
			break
		}

		if frameType(term, frameOffset) == protocol.TypePad {
			if covered > 0 {
				break
			}
			return Scan{
				TermID:     termID,
				TermOffset: frameOffset,
				Data:       term[frameOffset : frameOffset+protocol.DataHeaderLength],
				Length:     aligned,
				Pad:        true,
			}, true
		}

		if int(covered+length) > maxBytes {
			break
		}
		dataLength = covered + length
		covered += aligned
	}

	if covered == 0 {
		return Scan{}, false
	}
	return Scan{
		TermID:     termID,
		TermOffset: offset,
		Data:       term[offset : offset+dataLength],
		Length:     covered,
	}, true
}

// ScanRange re-reads a previously sent range for retransmission, passing MTU sized
// blocks to fn. Ranges in terms that have been recycled are skipped, as are offsets
// that are not frame aligned or leave no room for a header.
func (l *Log) ScanRange(termID, termOffset, length int32, fn func(Scan)) error {
	if !l.acquire() {
		return errClosed("ScanRange")
	}
	defer l.release()

	idx := l.partitionIndex(termID)
	if l.partitionTermID(idx) != termID || length <= 0 || !ValidFrameOffset(termOffset, l.termLength) {
		return nil
	}

	limit := termOffset + length
	if limit > l.termLength || limit < termOffset {
		limit = l.termLength
	}

	term := l.terms[idx]
	offset := termOffset
	for offset < limit {
		scan, ok := l.scanTerm(term, termID, offset, limit, l.mtu)
		if !ok {
			return nil
		}
		fn(scan)
		offset += scan.Length
	}
	return nil
}

package logbuffer

import (
	"github.com/c360/termstream/protocol"
)

// FragmentAssembler rebuilds messages split into BEGIN..END fragments and passes whole
// messages to the wrapped handler. Partial messages are tracked per session.
type FragmentAssembler struct {
	handler FragmentHandler
	partial map[int32][]byte
}

// NewFragmentAssembler wraps handler.
func NewFragmentAssembler(handler FragmentHandler) *FragmentAssembler {
	return &FragmentAssembler{
		handler: handler,
		partial: make(map[int32][]byte),
	}
}

// OnFragment is a FragmentHandler.
func (a *FragmentAssembler) OnFragment(payload []byte, header protocol.DataHeader) {
	switch {
	case header.IsBegin() && header.IsEnd():
		a.handler(payload, header)

	case header.IsBegin():
		a.partial[header.SessionID] = append(a.partial[header.SessionID][:0], payload...)

	default:
		buf, ok := a.partial[header.SessionID]
		if !ok {
			return
		}
		buf = append(buf, payload...)
		if !header.IsEnd() {
			a.partial[header.SessionID] = buf
			return
		}
		delete(a.partial, header.SessionID)
		header.Flags = protocol.FlagsUnfragmented
		header.FrameLength = int32(protocol.DataHeaderLength + len(buf))
		a.handler(buf, header)
	}
}

// Pending returns the number of sessions with a partially assembled message.
func (a *FragmentAssembler) Pending() int {
	return len(a.partial)
}

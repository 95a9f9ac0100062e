package protocol

import "encoding/binary"

// DataHeader is the header of DATA, PAD and HEARTBEAT frames.
type DataHeader struct {
	Flags       uint8
	Type        FrameType
	FrameLength int32
	TermOffset  int32
	SessionID   int32
	StreamID    int32
	TermID      int32
}

// Encode writes the header into the first DataHeaderLength bytes of buf.
func (h DataHeader) Encode(buf []byte) error {
	if err := checkLength(buf, DataHeaderLength, h.Type, "DataHeader.Encode"); err != nil {
		return err
	}
	putBaseHeader(buf, h.Flags, h.Type, h.FrameLength)
	putInt32(buf, TermOffsetOffset, h.TermOffset)
	putInt32(buf, SessionIDOffset, h.SessionID)
	putInt32(buf, StreamIDOffset, h.StreamID)
	putInt32(buf, TermIDOffset, h.TermID)
	return nil
}

// DecodeDataHeader reads a data header from buf.
func DecodeDataHeader(buf []byte) (DataHeader, error) {
	if err := checkLength(buf, DataHeaderLength, TypeData, "DecodeDataHeader"); err != nil {
		return DataHeader{}, err
	}
	return DataHeader{
		Flags:       buf[FlagsOffset],
		Type:        TypeOf(buf),
		FrameLength: LengthOf(buf),
		TermOffset:  getInt32(buf, TermOffsetOffset),
		SessionID:   getInt32(buf, SessionIDOffset),
		StreamID:    getInt32(buf, StreamIDOffset),
		TermID:      getInt32(buf, TermIDOffset),
	}, nil
}

// PayloadLength returns the number of payload bytes that follow the header.
func (h DataHeader) PayloadLength() int {
	return int(h.FrameLength) - DataHeaderLength
}

// IsBegin reports whether the frame starts a message.
func (h DataHeader) IsBegin() bool { return h.Flags&FlagBegin != 0 }

// IsEnd reports whether the frame ends a message.
func (h DataHeader) IsEnd() bool { return h.Flags&FlagEnd != 0 }

// Nak asks a sender to retransmit a range of a term.
type Nak struct {
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

// Encode writes the NAK frame into buf and returns its length.
func (n Nak) Encode(buf []byte) (int, error) {
	if err := checkLength(buf, NakLength, TypeNak, "Nak.Encode"); err != nil {
		return 0, err
	}
	putBaseHeader(buf, 0, TypeNak, NakLength)
	putInt32(buf, 8, n.SessionID)
	putInt32(buf, 12, n.StreamID)
	putInt32(buf, 16, n.TermID)
	putInt32(buf, 20, n.TermOffset)
	putInt32(buf, 24, n.Length)
	return NakLength, nil
}

// DecodeNak reads a NAK frame.
func DecodeNak(buf []byte) (Nak, error) {
	if err := checkLength(buf, NakLength, TypeNak, "DecodeNak"); err != nil {
		return Nak{}, err
	}
	return Nak{
		SessionID:  getInt32(buf, 8),
		StreamID:   getInt32(buf, 12),
		TermID:     getInt32(buf, 16),
		TermOffset: getInt32(buf, 20),
		Length:     getInt32(buf, 24),
	}, nil
}

// StatusMessage reports a receiver's consumption position and window.
type StatusMessage struct {
	Flags                 uint8
	SessionID             int32
	StreamID              int32
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindow        int32
	ReceiverID            int64
}

// Encode writes the status message into buf and returns its length.
func (s StatusMessage) Encode(buf []byte) (int, error) {
	if err := checkLength(buf, StatusMessageLength, TypeStatus, "StatusMessage.Encode"); err != nil {
		return 0, err
	}
	putBaseHeader(buf, s.Flags, TypeStatus, StatusMessageLength)
	putInt32(buf, 8, s.SessionID)
	putInt32(buf, 12, s.StreamID)
	putInt32(buf, 16, s.ConsumptionTermID)
	putInt32(buf, 20, s.ConsumptionTermOffset)
	putInt32(buf, 24, s.ReceiverWindow)
	binary.LittleEndian.PutUint64(buf[28:], uint64(s.ReceiverID))
	return StatusMessageLength, nil
}

// DecodeStatusMessage reads a status message frame.
func DecodeStatusMessage(buf []byte) (StatusMessage, error) {
	if err := checkLength(buf, StatusMessageLength, TypeStatus, "DecodeStatusMessage"); err != nil {
		return StatusMessage{}, err
	}
	return StatusMessage{
		Flags:                 buf[FlagsOffset],
		SessionID:             getInt32(buf, 8),
		StreamID:              getInt32(buf, 12),
		ConsumptionTermID:     getInt32(buf, 16),
		ConsumptionTermOffset: getInt32(buf, 20),
		ReceiverWindow:        getInt32(buf, 24),
		ReceiverID:            int64(binary.LittleEndian.Uint64(buf[28:])),
	}, nil
}

// Setup announces a publication's term geometry to receivers.
type Setup struct {
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	MTU           int32
	InitialWindow int32
}

// Encode writes the SETUP frame into buf and returns its length.
func (s Setup) Encode(buf []byte) (int, error) {
	if err := checkLength(buf, SetupLength, TypeSetup, "Setup.Encode"); err != nil {
		return 0, err
	}
	putBaseHeader(buf, 0, TypeSetup, SetupLength)
	putInt32(buf, 8, s.TermOffset)
	putInt32(buf, 12, s.SessionID)
	putInt32(buf, 16, s.StreamID)
	putInt32(buf, 20, s.InitialTermID)
	putInt32(buf, 24, s.ActiveTermID)
	putInt32(buf, 28, s.TermLength)
	putInt32(buf, 32, s.MTU)
	putInt32(buf, 36, s.InitialWindow)
	return SetupLength, nil
}

// DecodeSetup reads a SETUP frame.
func DecodeSetup(buf []byte) (Setup, error) {
	if err := checkLength(buf, SetupLength, TypeSetup, "DecodeSetup"); err != nil {
		return Setup{}, err
	}
	return Setup{
		TermOffset:    getInt32(buf, 8),
		SessionID:     getInt32(buf, 12),
		StreamID:      getInt32(buf, 16),
		InitialTermID: getInt32(buf, 20),
		ActiveTermID:  getInt32(buf, 24),
		TermLength:    getInt32(buf, 28),
		MTU:           getInt32(buf, 32),
		InitialWindow: getInt32(buf, 36),
	}, nil
}

// Heartbeat builds the data-header-shaped HEARTBEAT frame announcing the sender's
// current tail.
func Heartbeat(buf []byte, sessionID, streamID, termID, termOffset int32) (int, error) {
	h := DataHeader{
		Type:        TypeHeartbeat,
		FrameLength: DataHeaderLength,
		TermOffset:  termOffset,
		SessionID:   sessionID,
		StreamID:    streamID,
		TermID:      termID,
	}
	if err := h.Encode(buf); err != nil {
		return 0, err
	}
	return DataHeaderLength, nil
}

package driver

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/loss"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/buffer"
	"github.com/c360/termstream/pkg/clock"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/transport"
)

const (
	commandDrainLimit      = 16
	controlPollLimit       = 64
	maxSendsPerPublication = 4
)

// senderCommand is work the conductor hands to the sender goroutine.
type senderCommand func(s *Sender, now int64)

// sendChannel is one send endpoint shared by every publication on a channel.
type sendChannel struct {
	channel  transport.Channel
	endpoint transport.SendEndpoint

	// Owned by the conductor.
	refs int

	// Owned by the sender.
	publications []*Publication
}

func (c *sendChannel) find(sessionID, streamID int32) *Publication {
	for _, p := range c.publications {
		if p.sessionID == sessionID && p.streamID == streamID {
			return p
		}
	}
	return nil
}

// Sender transmits publication data, SETUP and HEARTBEAT frames and services status
// messages and NAKs arriving on its endpoints.
type Sender struct {
	clock            clock.NanoClock
	logger           *slog.Logger
	warn             *agent.ThrottledLogger
	metrics          *metric.DriverMetrics
	commands         buffer.Queue[senderCommand]
	loss             loss.Generator
	heartbeatTimeout int64

	channels     []*sendChannel
	publications []*Publication
	cursor       int
	scratch      [protocol.SetupLength]byte
}

func newSender(clk clock.NanoClock, logger *slog.Logger, metrics *metric.DriverMetrics,
	commands buffer.Queue[senderCommand], lossGen loss.Generator, heartbeatTimeout time.Duration) *Sender {
	logger = logger.With("agent", "sender")
	return &Sender{
		clock:            clk,
		logger:           logger,
		warn:             agent.NewThrottledLogger(logger, time.Second, 5),
		metrics:          metrics,
		commands:         commands,
		loss:             lossGen,
		heartbeatTimeout: int64(heartbeatTimeout),
	}
}

// Name implements agent.Agent.
func (s *Sender) Name() string { return "sender" }

// DoWork implements agent.Agent.
func (s *Sender) DoWork() (int, error) {
	now := s.clock.NanoTime()
	work := s.commands.Drain(func(c senderCommand) { c(s, now) }, commandDrainLimit)
	work += s.pollControl(now)
	work += s.sendRetransmits(now)
	work += s.sendData(now)
	return work, nil
}

// OnClose implements agent.Agent. Endpoints are closed by the driver once every agent
// has stopped.
func (s *Sender) OnClose() {}

func (s *Sender) onAddPublication(pub *Publication) {
	ch := pub.send
	if len(ch.publications) == 0 {
		s.channels = append(s.channels, ch)
	}
	ch.publications = append(ch.publications, pub)
	s.publications = append(s.publications, pub)
	pub.senderTermID = pub.log.TermID(pub.senderPosition.Load())
}

func (s *Sender) onRemovePublication(pub *Publication) {
	s.publications = removeItem(s.publications, pub)
	ch := pub.send
	ch.publications = removeItem(ch.publications, pub)
	if len(ch.publications) > 0 {
		return
	}
	s.channels = removeItem(s.channels, ch)
	if err := ch.endpoint.Close(); err != nil {
		s.logger.Debug("close send endpoint", "channel", ch.channel.String(), "error", err)
	}
}

func removeItem[T comparable](items []T, item T) []T {
	for i, v := range items {
		if v == item {
			copy(items[i:], items[i+1:])
			var zero T
			items[len(items)-1] = zero
			return items[:len(items)-1]
		}
	}
	return items
}

func (s *Sender) sendData(now int64) int {
	n := len(s.publications)
	if n == 0 {
		return 0
	}
	s.cursor++
	work := 0
	for i := 0; i < n; i++ {
		work += s.sendPublication(s.publications[(s.cursor+i)%n], now)
	}
	return work
}

// sendPublication transmits up to maxSendsPerPublication blocks without passing the
// flow control limit. A pad is charged only for the header it puts on the wire but
// moves the sender position past the whole padded region.
func (s *Sender) sendPublication(pub *Publication, now int64) int {
	if !pub.sendable() {
		return 0
	}

	pos := pub.senderPosition.Load()
	limit := pub.strategy.Limit()
	mtu := int64(pub.log.MTU())
	sent := 0

	for sent < maxSendsPerPublication {
		available := limit - pos
		if available <= 0 {
			break
		}

		var covered int32
		_, err := pub.log.ScanNext(pos, int(min(mtu, available)), func(scan logbuffer.Scan) {
			if scan.Pad && pos+protocol.DataHeaderLength > limit {
				return
			}
			covered = scan.Length
			s.transmit(pub, scan)
		})
		if err != nil {
			// The conductor closed the log; removal is already queued.
			return sent
		}
		if covered == 0 {
			break
		}
		pos += int64(covered)
		sent++
	}

	if sent > 0 {
		pub.senderPosition.Store(pos)
		pub.lastSendNs.Store(now)
		if termID := pub.log.TermID(pos); termID != pub.senderTermID {
			pub.senderTermID = termID
			pub.retransmits.OnTermRotation(termID)
		}
	}
	return sent
}

func (s *Sender) transmit(pub *Publication, scan logbuffer.Scan) {
	if err := pub.send.endpoint.Send(scan.Data); err != nil {
		s.warn.Warn("send failed", "channel", pub.Channel(), "session_id", pub.sessionID, "error", err)
		return
	}
	if scan.Pad {
		s.metrics.RecordFrameSent(metric.FramePad, len(scan.Data))
	} else {
		s.metrics.RecordFrameSent(metric.FrameData, len(scan.Data))
	}
}

func (s *Sender) sendRetransmits(now int64) int {
	work := 0
	for _, pub := range s.publications {
		for _, r := range pub.retransmits.OnTick(now) {
			err := pub.log.ScanRange(r.TermID, r.TermOffset, r.Length, func(scan logbuffer.Scan) {
				s.transmit(pub, scan)
				s.metrics.RecordRetransmit()
				work++
			})
			if err != nil {
				break
			}
		}
	}
	return work
}

func (s *Sender) pollControl(now int64) int {
	work := 0
	for _, ch := range s.channels {
		n, err := ch.endpoint.Poll(controlPollLimit, func(datagram []byte, from net.Addr) {
			s.onControl(ch, datagram, from, now)
		})
		work += n
		if err != nil {
			s.warn.Warn("poll control endpoint", "channel", ch.channel.String(), "error", err)
		}
	}
	return work
}

func (s *Sender) onControl(ch *sendChannel, datagram []byte, from net.Addr, now int64) {
	if s.loss.ShouldDrop(datagram) {
		s.metrics.RecordLossDrop("control")
		return
	}

	err := protocol.Frames(datagram, func(t protocol.FrameType, frame []byte) bool {
		switch t {
		case protocol.TypeStatus:
			sm, err := protocol.DecodeStatusMessage(frame)
			if err != nil {
				s.invalidFrame(err, from)
				return false
			}
			s.metrics.RecordFrameReceived(metric.FrameStatus, len(frame))
			if pub := ch.find(sm.SessionID, sm.StreamID); pub != nil {
				s.onStatusMessage(pub, sm, now)
			}
		case protocol.TypeNak:
			nak, err := protocol.DecodeNak(frame)
			if err != nil {
				s.invalidFrame(err, from)
				return false
			}
			s.metrics.RecordFrameReceived(metric.FrameNak, len(frame))
			if pub := ch.find(nak.SessionID, nak.StreamID); pub != nil {
				s.onNak(pub, nak, now)
			}
		default:
			s.invalidFrame(fmt.Errorf("%w: %s on a send endpoint", errors.ErrUnknownFrame, t), from)
			return false
		}
		return true
	})
	if err != nil {
		s.invalidFrame(err, from)
	}
}

func (s *Sender) invalidFrame(err error, from net.Addr) {
	s.metrics.RecordInvalidFrame()
	s.warn.Warn("dropped control frame", "from", from, "error", err)
}

func (s *Sender) onStatusMessage(pub *Publication, sm protocol.StatusMessage, now int64) {
	if sm.Flags&protocol.FlagSendSetup != 0 {
		s.sendSetup(pub)
		return
	}

	position := pub.log.Position(sm.ConsumptionTermID, sm.ConsumptionTermOffset)
	if position > pub.lastSMPosition {
		pub.lastSMPosition = position
		pub.lastActivityNs.Store(now)
	}
	pub.updateLimit(pub.strategy.OnStatusMessage(sm.ReceiverID, position, sm.ReceiverWindow, now))
	if !pub.setupAcked.Load() {
		pub.setupAcked.Store(true)
		pub.lastActivityNs.Store(now)
	}
}

// onNak schedules a retransmit of data already sent. Ranges reaching past the sender
// position are cut at it.
func (s *Sender) onNak(pub *Publication, nak protocol.Nak, now int64) {
	if !logbuffer.ValidFrameOffset(nak.TermOffset, pub.log.TermLength()) {
		s.metrics.RecordInvalidFrame()
		s.warn.Warn("dropped NAK with invalid term offset",
			"session_id", pub.sessionID, "term_id", nak.TermID, "term_offset", nak.TermOffset)
		return
	}
	start := pub.log.Position(nak.TermID, nak.TermOffset)
	sent := pub.senderPosition.Load()
	if nak.Length <= 0 || start >= sent {
		return
	}
	length := nak.Length
	if end := start + int64(length); end > sent {
		length = int32(sent - start)
	}
	if !pub.retransmits.OnNak(nak.TermID, nak.TermOffset, length, now) {
		s.metrics.RecordRetransmitDropped()
	}
	pub.lastActivityNs.Store(now)
}

func (s *Sender) sendSetup(pub *Publication) {
	pos := pub.senderPosition.Load()
	setup := protocol.Setup{
		TermOffset:    pub.log.TermOffset(pos),
		SessionID:     pub.sessionID,
		StreamID:      pub.streamID,
		InitialTermID: pub.log.InitialTermID(),
		ActiveTermID:  pub.log.TermID(pos),
		TermLength:    pub.log.TermLength(),
		MTU:           int32(pub.log.MTU()),
		InitialWindow: int32(pub.strategy.InitialWindowLength(pub.log.MTU())),
	}
	n, err := setup.Encode(s.scratch[:])
	if err != nil {
		s.warn.Warn("encode setup", "error", err)
		return
	}
	if err := pub.send.endpoint.Send(s.scratch[:n]); err != nil {
		s.warn.Warn("send setup failed", "channel", pub.Channel(), "error", err)
		return
	}
	s.metrics.RecordFrameSent(metric.FrameSetup, n)
}

// onHeartbeatCheck runs housekeeping for a publication on the conductor's heartbeat
// timer: multicast receiver eviction and a HEARTBEAT when the stream went quiet.
func (s *Sender) onHeartbeatCheck(pub *Publication, now int64) {
	if pub.multicast() {
		pub.updateLimit(pub.strategy.OnIdle(now))
	}
	if !pub.sendable() || now-pub.lastSendNs.Load() < s.heartbeatTimeout {
		return
	}

	pos := pub.senderPosition.Load()
	n, err := protocol.Heartbeat(s.scratch[:], pub.sessionID, pub.streamID, pub.log.TermID(pos), pub.log.TermOffset(pos))
	if err != nil {
		s.warn.Warn("encode heartbeat", "error", err)
		return
	}
	if err := pub.send.endpoint.Send(s.scratch[:n]); err != nil {
		s.warn.Warn("send heartbeat failed", "channel", pub.Channel(), "error", err)
		return
	}
	pub.lastSendNs.Store(now)
	s.metrics.RecordFrameSent(metric.FrameHeartbeat, n)
}

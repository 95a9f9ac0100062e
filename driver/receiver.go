package driver

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/loss"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/buffer"
	"github.com/c360/termstream/pkg/clock"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/transport"
)

const dataPollLimit = 64

// receiverCommand is work the conductor hands to the receiver goroutine.
type receiverCommand func(r *Receiver, now int64)

// receiveChannel is one receive endpoint shared by every subscription on a channel.
type receiveChannel struct {
	channel  transport.Channel
	endpoint transport.Endpoint

	// Owned by the conductor.
	refs int

	// Owned by the receiver.
	streams     map[int32]int
	connections map[streamKey]*Connection
	pending     map[streamKey]int64
	elicited    map[streamKey]int64
}

func newReceiveChannel(ch transport.Channel, ep transport.Endpoint) *receiveChannel {
	return &receiveChannel{
		channel:     ch,
		endpoint:    ep,
		streams:     make(map[int32]int),
		connections: make(map[streamKey]*Connection),
		pending:     make(map[streamKey]int64),
		elicited:    make(map[streamKey]int64),
	}
}

// Receiver reads data frames, rebuilds connection logs, and sends status messages and
// NAKs back to the senders.
type Receiver struct {
	clock          clock.NanoClock
	logger         *slog.Logger
	warn           *agent.ThrottledLogger
	metrics        *metric.DriverMetrics
	commands       buffer.Queue[receiverCommand]
	toConductor    *agent.Backlog[conductorCommand]
	loss           loss.Generator
	receiverID     int64
	smTimeout      int64
	pendingTimeout int64

	channels []*receiveChannel
	scratch  [protocol.StatusMessageLength]byte
}

func newReceiver(clk clock.NanoClock, logger *slog.Logger, metrics *metric.DriverMetrics,
	commands buffer.Queue[receiverCommand], toConductor buffer.Queue[conductorCommand],
	lossGen loss.Generator, receiverID int64, smTimeout, pendingTimeout time.Duration) *Receiver {
	logger = logger.With("agent", "receiver")
	return &Receiver{
		clock:          clk,
		logger:         logger,
		warn:           agent.NewThrottledLogger(logger, time.Second, 5),
		metrics:        metrics,
		commands:       commands,
		toConductor:    agent.NewBacklog(toConductor),
		loss:           lossGen,
		receiverID:     receiverID,
		smTimeout:      int64(smTimeout),
		pendingTimeout: int64(pendingTimeout),
	}
}

// Name implements agent.Agent.
func (r *Receiver) Name() string { return "receiver" }

// DoWork implements agent.Agent.
func (r *Receiver) DoWork() (int, error) {
	now := r.clock.NanoTime()
	work := r.toConductor.Flush()
	work += r.commands.Drain(func(c receiverCommand) { c(r, now) }, commandDrainLimit)

	for _, rc := range r.channels {
		n, err := rc.endpoint.Poll(dataPollLimit, func(datagram []byte, from net.Addr) {
			r.onDatagram(rc, datagram, from, now)
		})
		work += n
		if err != nil {
			r.warn.Warn("poll receive endpoint", "channel", rc.channel.String(), "error", err)
		}
	}

	for _, rc := range r.channels {
		for _, conn := range rc.connections {
			work += r.sendStatus(rc, conn, now)
			work += r.sendNak(rc, conn, now)
		}
		r.expirePending(rc, now)
	}
	return work, nil
}

// OnClose implements agent.Agent.
func (r *Receiver) OnClose() {}

func (r *Receiver) onDatagram(rc *receiveChannel, datagram []byte, from net.Addr, now int64) {
	if r.loss.ShouldDrop(datagram) {
		r.metrics.RecordLossDrop("data")
		return
	}

	err := protocol.Frames(datagram, func(t protocol.FrameType, frame []byte) bool {
		switch t {
		case protocol.TypeData, protocol.TypePad, protocol.TypeHeartbeat:
			hdr, err := protocol.DecodeDataHeader(frame)
			if err != nil {
				r.invalidFrame(err, from)
				return false
			}
			r.onDataFrame(rc, hdr, frame, from, now)
		case protocol.TypeSetup:
			setup, err := protocol.DecodeSetup(frame)
			if err != nil {
				r.invalidFrame(err, from)
				return false
			}
			r.metrics.RecordFrameReceived(metric.FrameSetup, len(frame))
			r.onSetup(rc, setup, from, now)
		case protocol.TypeStatus, protocol.TypeNak:
			// Control frames of other receivers on a shared group address.
		default:
			r.invalidFrame(fmt.Errorf("%w: %s on a receive endpoint", errors.ErrUnknownFrame, t), from)
			return false
		}
		return true
	})
	if err != nil {
		r.invalidFrame(err, from)
	}
}

func (r *Receiver) invalidFrame(err error, from net.Addr) {
	r.metrics.RecordInvalidFrame()
	r.warn.Warn("dropped data frame", "from", from, "error", err)
}

func (r *Receiver) onDataFrame(rc *receiveChannel, hdr protocol.DataHeader, frame []byte, from net.Addr, now int64) {
	key := streamKey{sessionID: hdr.SessionID, streamID: hdr.StreamID}
	conn := rc.connections[key]
	if conn == nil {
		r.elicitSetup(rc, key, from, now)
		return
	}

	switch hdr.Type {
	case protocol.TypeHeartbeat:
		r.metrics.RecordFrameReceived(metric.FrameHeartbeat, len(frame))
		conn.rebuilder.OnHeartbeat(hdr.TermID, hdr.TermOffset)
	case protocol.TypePad:
		r.metrics.RecordFrameReceived(metric.FramePad, len(frame))
		conn.rebuilder.Insert(hdr.TermID, hdr.TermOffset, frame)
	default:
		r.metrics.RecordFrameReceived(metric.FrameData, len(frame))
		conn.rebuilder.Insert(hdr.TermID, hdr.TermOffset, frame)
	}
	conn.lastFrameNs.Store(now)
}

// onSetup asks the conductor for a connection the first time a subscribed stream is
// announced. Repeated SETUPs for a known connection mean the sender missed our status
// message.
func (r *Receiver) onSetup(rc *receiveChannel, setup protocol.Setup, from net.Addr, now int64) {
	if rc.streams[setup.StreamID] == 0 {
		return
	}
	key := streamKey{sessionID: setup.SessionID, streamID: setup.StreamID}
	if conn := rc.connections[key]; conn != nil {
		conn.smDue = true
		conn.lastFrameNs.Store(now)
		return
	}
	if at, ok := rc.pending[key]; ok && now-at < r.pendingTimeout {
		return
	}

	rc.pending[key] = now
	cmd := func(c *Conductor, now int64) { c.onCreateConnection(rc, setup, from, now) }
	if !r.toConductor.Offer(cmd) {
		r.warn.Warn("conductor queue full, setup held", "session_id", setup.SessionID, "stream_id", setup.StreamID,
			"held", r.toConductor.Len())
	}
}

// elicitSetup answers data for an unknown session with a status message carrying
// FlagSendSetup, at most once per status message interval.
func (r *Receiver) elicitSetup(rc *receiveChannel, key streamKey, from net.Addr, now int64) {
	if rc.streams[key.streamID] == 0 || from == nil {
		return
	}
	if _, pending := rc.pending[key]; pending {
		return
	}
	if at, ok := rc.elicited[key]; ok && now-at < r.smTimeout {
		return
	}
	rc.elicited[key] = now

	sm := protocol.StatusMessage{
		Flags:      protocol.FlagSendSetup,
		SessionID:  key.sessionID,
		StreamID:   key.streamID,
		ReceiverID: r.receiverID,
	}
	r.sendControl(rc, sm, from)
}

func (r *Receiver) sendControl(rc *receiveChannel, sm protocol.StatusMessage, to net.Addr) bool {
	n, err := sm.Encode(r.scratch[:])
	if err != nil {
		r.warn.Warn("encode status message", "error", err)
		return false
	}
	if err := rc.endpoint.SendTo(r.scratch[:n], to); err != nil {
		r.warn.Warn("send status message failed", "to", to, "error", err)
		return false
	}
	r.metrics.RecordFrameSent(metric.FrameStatus, n)
	return true
}

// sendStatus reports the consumption position when one is due: right after the
// connection was created, every status message interval, and whenever consumption
// moved by a quarter of the window.
func (r *Receiver) sendStatus(rc *receiveChannel, conn *Connection, now int64) int {
	consumption := conn.consumptionPosition()
	if conn.smSent && !conn.smDue &&
		now-conn.lastSMNs < r.smTimeout &&
		consumption-conn.lastSMPosition < int64(conn.window/4) {
		return 0
	}

	sm := protocol.StatusMessage{
		SessionID:             conn.key.sessionID,
		StreamID:              conn.key.streamID,
		ConsumptionTermID:     conn.log.TermID(consumption),
		ConsumptionTermOffset: conn.log.TermOffset(consumption),
		ReceiverWindow:        conn.window,
		ReceiverID:            r.receiverID,
	}
	r.sendControl(rc, sm, conn.controlAddr)
	conn.smSent = true
	conn.smDue = false
	conn.lastSMNs = now
	conn.lastSMPosition = consumption
	return 1
}

// sendNak requests the first gap once its NAK delay has passed, and again every retry
// interval while the gap persists.
func (r *Receiver) sendNak(rc *receiveChannel, conn *Connection, now int64) int {
	gap, ok := conn.rebuilder.ScanForGap()
	if !ok {
		conn.nakPending = false
		return 0
	}
	if !conn.nakPending || gap.TermID != conn.nakGap.TermID || gap.TermOffset != conn.nakGap.TermOffset {
		conn.nakPending = true
		conn.nakDeadline = now + conn.nakDelay.Delay()
	}
	conn.nakGap = gap
	if now < conn.nakDeadline {
		return 0
	}

	nak := protocol.Nak{
		SessionID:  conn.key.sessionID,
		StreamID:   conn.key.streamID,
		TermID:     gap.TermID,
		TermOffset: gap.TermOffset,
		Length:     gap.Length,
	}
	n, err := nak.Encode(r.scratch[:])
	if err != nil {
		r.warn.Warn("encode nak", "error", err)
		return 0
	}
	if err := rc.endpoint.SendTo(r.scratch[:n], conn.controlAddr); err != nil {
		r.warn.Warn("send nak failed", "to", conn.controlAddr, "error", err)
	} else {
		r.metrics.RecordFrameSent(metric.FrameNak, n)
	}
	conn.nakDeadline = now + max(conn.nakDelay.Delay(), conn.nakRetry)
	return 1
}

func (r *Receiver) expirePending(rc *receiveChannel, now int64) {
	for key, at := range rc.pending {
		if now-at >= r.pendingTimeout {
			delete(rc.pending, key)
		}
	}
	for key, at := range rc.elicited {
		if now-at >= r.pendingTimeout {
			delete(rc.elicited, key)
		}
	}
}

func (r *Receiver) onAddChannel(rc *receiveChannel) {
	r.channels = append(r.channels, rc)
}

func (r *Receiver) onAddSubscription(rc *receiveChannel, streamID int32) {
	rc.streams[streamID]++
}

// onRemoveSubscription drops one subscriber of streamID and closes the endpoint when
// the conductor released the channel.
func (r *Receiver) onRemoveSubscription(rc *receiveChannel, streamID int32, release bool) {
	if rc.streams[streamID]--; rc.streams[streamID] <= 0 {
		delete(rc.streams, streamID)
	}
	if !release {
		return
	}
	r.channels = removeItem(r.channels, rc)
	for _, conn := range rc.connections {
		conn.receiverReleased.Store(true)
	}
	clear(rc.connections)
	if err := rc.endpoint.Close(); err != nil {
		r.logger.Debug("close receive endpoint", "channel", rc.channel.String(), "error", err)
	}
}

func (r *Receiver) onAddConnection(conn *Connection, now int64) {
	rc := conn.receive
	delete(rc.pending, conn.key)
	delete(rc.elicited, conn.key)
	rc.connections[conn.key] = conn
	conn.lastFrameNs.Store(now)
	conn.smDue = true
}

func (r *Receiver) onRemoveConnection(conn *Connection) {
	rc := conn.receive
	if rc.connections[conn.key] == conn {
		delete(rc.connections, conn.key)
	}
	conn.receiverReleased.Store(true)
}

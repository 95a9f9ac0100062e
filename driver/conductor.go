package driver

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/config"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/flowcontrol"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/buffer"
	"github.com/c360/termstream/pkg/clock"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/retransmit"
	"github.com/c360/termstream/timerwheel"
	"github.com/c360/termstream/transport"
)

// conductorCommand is work the receiver hands to the conductor goroutine.
type conductorCommand func(c *Conductor, now int64)

type clientSession struct {
	id              uuid.UUID
	lastKeepaliveNs int64
	timer           *timerwheel.Timer
}

// Conductor owns every registration and all stream lifecycle state. It runs client
// commands, the timer wheel and log cleaning, and hands resources to the sender and
// receiver through their command queues.
type Conductor struct {
	cfg       *config.Config
	clock     clock.NanoClock
	logger    *slog.Logger
	warn      *agent.ThrottledLogger
	metrics   *metric.DriverMetrics
	events    *eventSink
	network   transport.Network
	allocator logbuffer.Allocator
	wheel     *timerwheel.Wheel
	rng       *rand.Rand

	commands     buffer.Queue[Command]
	fromReceiver buffer.Queue[conductorCommand]
	toSender     *agent.Backlog[senderCommand]
	toReceiver   *agent.Backlog[receiverCommand]

	nextID          int64
	publications    map[int64]*Publication
	subscriptions   map[int64]*Subscription
	connections     map[int64]*Connection
	clients         map[uuid.UUID]*clientSession
	sendChannels    map[uint64]*sendChannel
	receiveChannels map[uint64]*receiveChannel
	pendingSetups   map[int64]*Publication
}

type conductorQueues struct {
	commands     buffer.Queue[Command]
	fromReceiver buffer.Queue[conductorCommand]
	toSender     buffer.Queue[senderCommand]
	toReceiver   buffer.Queue[receiverCommand]
}

func newConductor(cfg *config.Config, clk clock.NanoClock, logger *slog.Logger, metrics *metric.DriverMetrics,
	events *eventSink, network transport.Network, q conductorQueues) (*Conductor, error) {
	wheel, err := timerwheel.New(clk.NanoTime(), cfg.ConductorTickDuration, cfg.ConductorTicksPerWheel)
	if err != nil {
		return nil, err
	}

	logger = logger.With("agent", "conductor")
	return &Conductor{
		cfg:             cfg,
		clock:           clk,
		logger:          logger,
		warn:            agent.NewThrottledLogger(logger, time.Second, 5),
		metrics:         metrics,
		events:          events,
		network:         network,
		allocator:       logbuffer.NewAllocator(cfg.LogBuffer.Mapped),
		wheel:           wheel,
		rng:             rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		commands:        q.commands,
		fromReceiver:    q.fromReceiver,
		toSender:        agent.NewBacklog(q.toSender),
		toReceiver:      agent.NewBacklog(q.toReceiver),
		publications:    make(map[int64]*Publication),
		subscriptions:   make(map[int64]*Subscription),
		connections:     make(map[int64]*Connection),
		clients:         make(map[uuid.UUID]*clientSession),
		sendChannels:    make(map[uint64]*sendChannel),
		receiveChannels: make(map[uint64]*receiveChannel),
		pendingSetups:   make(map[int64]*Publication),
	}, nil
}

// Name implements agent.Agent.
func (c *Conductor) Name() string { return "conductor" }

// DoWork implements agent.Agent.
func (c *Conductor) DoWork() (int, error) {
	now := c.clock.NanoTime()
	work := c.toSender.Flush() + c.toReceiver.Flush()
	work += c.commands.Drain(func(cmd Command) { c.onCommand(cmd, now) }, commandDrainLimit)
	work += c.fromReceiver.Drain(func(cmd conductorCommand) { cmd(c, now) }, commandDrainLimit)
	work += c.wheel.AdvanceTo(now)
	work += c.promoteSetups(now)
	work += c.cleanLogs()
	return work, nil
}

// OnClose implements agent.Agent.
func (c *Conductor) OnClose() {}

// toSenderCmd never waits: the sender may run on this goroutine in shared mode.
// Commands the queue cannot take are held and flushed at the start of DoWork.
func (c *Conductor) toSenderCmd(cmd senderCommand) {
	if !c.toSender.Offer(cmd) {
		c.logger.Debug("sender queue full, command held", "held", c.toSender.Len())
	}
}

func (c *Conductor) toReceiverCmd(cmd receiverCommand) {
	if !c.toReceiver.Offer(cmd) {
		c.logger.Debug("receiver queue full, command held", "held", c.toReceiver.Len())
	}
}

func (c *Conductor) nextRegistrationID() int64 {
	c.nextID++
	return c.nextID
}

func (c *Conductor) emit(e Event, now int64) {
	e.Timestamp = now
	c.events.emit(e)
}

func (c *Conductor) onCommand(cmd Command, now int64) {
	h := cmd.header()
	c.touchClient(h.ClientID, now)

	var reply Reply
	switch v := cmd.(type) {
	case *AddPublication:
		pub, err := c.addPublication(v, now)
		reply.Publication, reply.Err = pub, err
		if pub != nil {
			reply.RegistrationID = pub.registrationID
		}
	case *RemovePublication:
		reply.RegistrationID = v.RegistrationID
		reply.Err = c.removePublication(h.ClientID, v.RegistrationID, now)
	case *AddSubscription:
		sub, err := c.addSubscription(v, now)
		reply.Subscription, reply.Err = sub, err
		if sub != nil {
			reply.RegistrationID = sub.registrationID
		}
	case *RemoveSubscription:
		reply.RegistrationID = v.RegistrationID
		reply.Err = c.removeSubscription(h.ClientID, v.RegistrationID, now)
	case *ClientKeepalive:
	}
	h.complete(reply)
}

// Publications

func (c *Conductor) flowControlKind(ch transport.Channel) (flowcontrol.Kind, error) {
	if ch.Multicast {
		return flowcontrol.ParseKind(c.cfg.FlowControl.Multicast)
	}
	return flowcontrol.ParseKind(c.cfg.FlowControl.Unicast)
}

func (c *Conductor) retransmitDelay(ch transport.Channel) retransmit.DelayGenerator {
	if ch.Multicast {
		return retransmit.OptimalMulticastDelay(c.cfg.NakMaxBackoff, c.cfg.NakGroupSize, c.cfg.NakGRTT, c.childRand())
	}
	return retransmit.StaticDelay(c.cfg.RetransmitUnicastDelay)
}

func (c *Conductor) nakDelay(ch transport.Channel) retransmit.DelayGenerator {
	if ch.Multicast {
		return retransmit.OptimalMulticastDelay(c.cfg.NakMaxBackoff, c.cfg.NakGroupSize, c.cfg.NakGRTT, c.childRand())
	}
	return retransmit.StaticDelay(c.cfg.NakUnicastDelay)
}

// childRand gives each delay generator its own source; generators run on other agents.
func (c *Conductor) childRand() *rand.Rand {
	return rand.New(rand.NewPCG(c.rng.Uint64(), c.rng.Uint64()))
}

func (c *Conductor) findPublication(ch transport.Channel, sessionID, streamID int32) *Publication {
	for _, p := range c.publications {
		if p.channel == ch && p.sessionID == sessionID && p.streamID == streamID {
			return p
		}
	}
	return nil
}

func (c *Conductor) addPublication(cmd *AddPublication, now int64) (*Publication, error) {
	ch, err := transport.ParseChannel(cmd.Channel)
	if err != nil {
		return nil, err
	}
	termLength := c.cfg.TermBufferLength
	window := flowcontrol.WindowLength(c.cfg.PublicationTermWindowLength, termLength)
	if err := flowcontrol.Validate(c.cfg.MTULength, window); err != nil {
		return nil, err
	}
	kind, err := c.flowControlKind(ch)
	if err != nil {
		return nil, err
	}

	sessionID := cmd.SessionID
	if sessionID == 0 {
		for sessionID == 0 || c.findPublication(ch, sessionID, cmd.StreamID) != nil {
			sessionID = c.rng.Int32()
		}
	} else if c.findPublication(ch, sessionID, cmd.StreamID) != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: session %d stream %d already published on %s", errors.ErrInvalidChannel, sessionID, cmd.StreamID, ch),
			"Conductor", "addPublication", "check session")
	}

	log, err := logbuffer.New(logbuffer.Params{
		TermLength:    int32(termLength),
		InitialTermID: c.rng.Int32(),
		MTU:           c.cfg.MTULength,
		SessionID:     sessionID,
		StreamID:      cmd.StreamID,
		Allocator:     c.allocator,
	})
	if err != nil {
		return nil, err
	}
	sc, err := c.acquireSendChannel(ch)
	if err != nil {
		log.Close()
		return nil, err
	}

	pub := &Publication{
		registrationID: c.nextRegistrationID(),
		clientID:       cmd.ClientID,
		channel:        ch,
		sessionID:      sessionID,
		streamID:       cmd.StreamID,
		log:            log,
		window:         int64(window),
		metrics:        c.metrics,
		send:           sc,
		strategy: flowcontrol.New(kind, flowcontrol.Params{
			InitialWindow:   c.cfg.InitialWindowLength,
			ReceiverTimeout: c.cfg.ConnectionLivenessTimeout,
		}),
		retransmits: retransmit.NewHandler(retransmit.Config{
			MaxRetransmits: c.cfg.MaxRetransmits,
			Delay:          c.retransmitDelay(ch),
			Linger:         c.cfg.RetransmitUnicastLinger,
		}),
	}
	pub.sessionLabel, pub.streamLabel = streamLabels(sessionID, cmd.StreamID)
	pub.updateLimit(pub.strategy.Limit())
	pub.lastSendNs.Store(now)
	pub.lastActivityNs.Store(now)
	if ch.Multicast {
		pub.state.transition(StateActive)
	}

	c.publications[pub.registrationID] = pub
	c.pendingSetups[pub.registrationID] = pub
	c.toSenderCmd(func(s *Sender, _ int64) {
		s.onAddPublication(pub)
		s.sendSetup(pub)
	})
	pub.setupAttempts = 1
	pub.setupTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationSetupTimeout), func(now int64) { c.onSetupTimer(pub, now) })
	pub.heartbeatTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationHeartbeatTimeout), func(now int64) { c.onHeartbeatTimer(pub, now) })

	c.logger.Info("publication added",
		"registration_id", pub.registrationID, "channel", ch.String(),
		"session_id", sessionID, "stream_id", cmd.StreamID, "flow_control", kind.String())
	if pub.State() == StateActive {
		c.emit(c.publicationEvent(EventPublicationReady, pub), now)
	}
	c.updateGauges()
	return pub, nil
}

func (c *Conductor) publicationEvent(t EventType, pub *Publication) Event {
	return Event{
		Type:           t,
		ClientID:       pub.clientID,
		RegistrationID: pub.registrationID,
		Channel:        pub.Channel(),
		SessionID:      pub.sessionID,
		StreamID:       pub.streamID,
	}
}

func (c *Conductor) acquireSendChannel(ch transport.Channel) (*sendChannel, error) {
	key := ch.Hash()
	if sc, ok := c.sendChannels[key]; ok {
		sc.refs++
		return sc, nil
	}
	ep, err := c.network.OpenSend(ch)
	if err != nil {
		return nil, errors.Wrap(err, "Conductor", "addPublication", "open send endpoint")
	}
	sc := &sendChannel{channel: ch, endpoint: ep, refs: 1}
	c.sendChannels[key] = sc
	return sc, nil
}

func (c *Conductor) releaseSendChannel(sc *sendChannel) {
	sc.refs--
	if sc.refs <= 0 && c.sendChannels[sc.channel.Hash()] == sc {
		delete(c.sendChannels, sc.channel.Hash())
	}
}

// onSetupTimer resends SETUP until a receiver answers. A unicast publication that
// reaches the retry ceiling is closed with a SetupError; a multicast one stops
// announcing and relies on receivers asking for SETUP.
func (c *Conductor) onSetupTimer(pub *Publication, now int64) {
	if pub.setupAcked.Load() || pub.State() == StateClosed {
		return
	}
	if pub.setupAttempts >= c.cfg.SetupRetryCeiling {
		delete(c.pendingSetups, pub.registrationID)
		if pub.multicast() {
			c.logger.Debug("multicast setup unanswered", "registration_id", pub.registrationID)
			return
		}
		c.logger.Warn("publication setup timed out",
			"registration_id", pub.registrationID, "channel", pub.Channel(), "attempts", pub.setupAttempts)
		e := c.publicationEvent(EventSetupError, pub)
		e.Error = errors.WrapTransient(errors.ErrSetupTimeout, "Conductor", "onSetupTimer",
			fmt.Sprintf("setup after %d attempts", pub.setupAttempts)).Error()
		c.emit(e, now)
		c.closePublication(pub, now)
		return
	}

	pub.setupAttempts++
	c.toSenderCmd(func(s *Sender, _ int64) { s.sendSetup(pub) })
	pub.setupTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationSetupTimeout), func(now int64) { c.onSetupTimer(pub, now) })
}

// promoteSetups activates unicast publications whose SETUP has been answered.
func (c *Conductor) promoteSetups(now int64) int {
	work := 0
	for id, pub := range c.pendingSetups {
		if !pub.setupAcked.Load() {
			continue
		}
		delete(c.pendingSetups, id)
		c.wheel.Cancel(pub.setupTimer)
		if pub.state.transition(StateActive) {
			c.logger.Info("publication active", "registration_id", id, "channel", pub.Channel(), "session_id", pub.sessionID)
			c.emit(c.publicationEvent(EventPublicationReady, pub), now)
		}
		work++
	}
	return work
}

func (c *Conductor) onHeartbeatTimer(pub *Publication, now int64) {
	if pub.State() == StateClosed {
		return
	}
	c.toSenderCmd(func(s *Sender, now int64) { s.onHeartbeatCheck(pub, now) })
	pub.heartbeatTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationHeartbeatTimeout), func(now int64) { c.onHeartbeatTimer(pub, now) })
}

func (c *Conductor) removePublication(clientID uuid.UUID, id int64, now int64) error {
	pub, ok := c.publications[id]
	if !ok || pub.clientID != clientID {
		return errors.WrapInvalid(fmt.Errorf("%w: publication %d", errors.ErrUnknownRegistration, id),
			"Conductor", "removePublication", "find publication")
	}
	c.drainPublication(pub, now)
	return nil
}

// drainPublication starts the linger of an active publication. A publication that
// never became active is closed at once.
func (c *Conductor) drainPublication(pub *Publication, now int64) {
	switch pub.State() {
	case StateInit:
		c.closePublication(pub, now)
	case StateActive:
		pub.state.transition(StateDraining)
		delete(c.pendingSetups, pub.registrationID)
		c.wheel.Cancel(pub.setupTimer)
		pub.lingerPosition = pub.senderPosition.Load()
		pub.lingerArmedNs = now
		pub.lingerTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationLinger), func(now int64) { c.onPublicationLinger(pub, now) })
		c.logger.Info("publication draining", "registration_id", pub.registrationID, "channel", pub.Channel())
	}
}

// onPublicationLinger closes a draining publication once a whole linger passed with no
// sender progress, status message progress or NAK.
func (c *Conductor) onPublicationLinger(pub *Publication, now int64) {
	pos := pub.senderPosition.Load()
	if pos != pub.lingerPosition || pub.lastActivityNs.Load() > pub.lingerArmedNs {
		pub.lingerPosition = pos
		pub.lingerArmedNs = now
		pub.lingerTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationLinger), func(now int64) { c.onPublicationLinger(pub, now) })
		return
	}
	c.closePublication(pub, now)
}

func (c *Conductor) closePublication(pub *Publication, now int64) {
	if !pub.state.transition(StateClosed) {
		return
	}
	c.wheel.Cancel(pub.setupTimer)
	c.wheel.Cancel(pub.heartbeatTimer)
	c.wheel.Cancel(pub.lingerTimer)
	delete(c.publications, pub.registrationID)
	delete(c.pendingSetups, pub.registrationID)

	c.toSenderCmd(func(s *Sender, _ int64) { s.onRemovePublication(pub) })
	c.releaseSendChannel(pub.send)
	pub.log.Close()
	c.metrics.DeleteSenderLimit(pub.sessionLabel, pub.streamLabel)

	c.logger.Info("publication closed", "registration_id", pub.registrationID, "channel", pub.Channel())
	c.emit(c.publicationEvent(EventPublicationClosed, pub), now)
	c.updateGauges()
}

// Subscriptions and connections

func (c *Conductor) addSubscription(cmd *AddSubscription, now int64) (*Subscription, error) {
	ch, err := transport.ParseChannel(cmd.Channel)
	if err != nil {
		return nil, err
	}
	rc, err := c.acquireReceiveChannel(ch)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(c.nextRegistrationID(), cmd.ClientID, ch, cmd.StreamID)
	sub.receive = rc
	c.subscriptions[sub.registrationID] = sub
	c.toReceiverCmd(func(r *Receiver, _ int64) { r.onAddSubscription(rc, cmd.StreamID) })

	for _, conn := range c.connections {
		if conn.receive == rc && conn.key.streamID == cmd.StreamID && conn.State() == StateActive {
			c.attachImage(sub, conn)
		}
	}

	c.logger.Info("subscription added", "registration_id", sub.registrationID, "channel", ch.String(), "stream_id", cmd.StreamID)
	c.updateGauges()
	return sub, nil
}

func (c *Conductor) acquireReceiveChannel(ch transport.Channel) (*receiveChannel, error) {
	key := ch.Hash()
	if rc, ok := c.receiveChannels[key]; ok {
		rc.refs++
		return rc, nil
	}
	ep, err := c.network.OpenReceive(ch)
	if err != nil {
		return nil, errors.Wrap(err, "Conductor", "addSubscription", "open receive endpoint")
	}
	rc := newReceiveChannel(ch, ep)
	rc.refs = 1
	c.receiveChannels[key] = rc
	c.toReceiverCmd(func(r *Receiver, _ int64) { r.onAddChannel(rc) })
	return rc, nil
}

func (c *Conductor) removeSubscription(clientID uuid.UUID, id int64, now int64) error {
	sub, ok := c.subscriptions[id]
	if !ok || sub.clientID != clientID {
		return errors.WrapInvalid(fmt.Errorf("%w: subscription %d", errors.ErrUnknownRegistration, id),
			"Conductor", "removeSubscription", "find subscription")
	}
	c.closeSubscription(sub, now)
	return nil
}

func (c *Conductor) closeSubscription(sub *Subscription, now int64) {
	delete(c.subscriptions, sub.registrationID)
	sub.closed.Store(true)

	for _, img := range sub.Images() {
		conn := img.conn
		sub.removeImage(conn)
		img.reader.Close()
		conn.images = removeItem(conn.images, img)
		if len(conn.images) == 0 && !c.hasSubscriber(conn.receive, conn.key.streamID) {
			c.drainConnection(conn, now, "no subscribers")
		}
	}

	rc := sub.receive
	rc.refs--
	release := rc.refs <= 0
	if release {
		delete(c.receiveChannels, rc.channel.Hash())
		for _, conn := range c.connections {
			if conn.receive == rc {
				c.drainConnection(conn, now, "channel released")
			}
		}
	}
	streamID := sub.streamID
	c.toReceiverCmd(func(r *Receiver, _ int64) { r.onRemoveSubscription(rc, streamID, release) })

	c.logger.Info("subscription removed", "registration_id", sub.registrationID, "channel", sub.Channel())
	c.updateGauges()
}

func (c *Conductor) hasSubscriber(rc *receiveChannel, streamID int32) bool {
	for _, sub := range c.subscriptions {
		if sub.receive == rc && sub.streamID == streamID {
			return true
		}
	}
	return false
}

func (c *Conductor) attachImage(sub *Subscription, conn *Connection) {
	img := &Image{conn: conn, reader: conn.log.NewReader(conn.rebuilder.Position())}
	sub.addImage(img)
	conn.images = append(conn.images, img)
}

// onCreateConnection builds the log for a stream the receiver saw a SETUP for and
// hands the connection back to the receiver.
func (c *Conductor) onCreateConnection(rc *receiveChannel, setup protocol.Setup, from net.Addr, now int64) {
	if c.receiveChannels[rc.channel.Hash()] != rc || !c.hasSubscriber(rc, setup.StreamID) {
		return
	}
	key := streamKey{sessionID: setup.SessionID, streamID: setup.StreamID}
	for _, conn := range c.connections {
		if conn.receive == rc && conn.key == key && conn.State() == StateActive {
			return
		}
	}

	window := flowcontrol.WindowLength(c.cfg.SubscriptionTermWindowLength, int(setup.TermLength))
	if err := flowcontrol.Validate(int(setup.MTU), window); err != nil {
		c.warn.Warn("rejected setup", "channel", rc.channel.String(), "session_id", setup.SessionID, "error", err)
		return
	}
	log, err := logbuffer.New(logbuffer.Params{
		TermLength:    setup.TermLength,
		InitialTermID: setup.InitialTermID,
		MTU:           int(setup.MTU),
		SessionID:     setup.SessionID,
		StreamID:      setup.StreamID,
		Allocator:     c.allocator,
	})
	if err != nil {
		c.warn.Warn("rejected setup", "channel", rc.channel.String(), "session_id", setup.SessionID, "error", err)
		return
	}

	conn := &Connection{
		id:          c.nextRegistrationID(),
		channel:     rc.channel,
		key:         key,
		log:         log,
		rebuilder:   log.NewRebuilder(setup.ActiveTermID, setup.TermOffset),
		window:      int32(window),
		controlAddr: from,
		receive:     rc,
		nakDelay:    c.nakDelay(rc.channel),
		nakRetry:    int64(max(c.cfg.RetransmitUnicastLinger, c.cfg.ConductorTickDuration)),
	}
	conn.state.transition(StateActive)
	conn.lastFrameNs.Store(now)
	c.connections[conn.id] = conn

	for _, sub := range c.subscriptions {
		if sub.receive == rc && sub.streamID == key.streamID {
			c.attachImage(sub, conn)
		}
	}
	c.scheduleLiveness(conn, now)
	c.toReceiverCmd(func(r *Receiver, now int64) { r.onAddConnection(conn, now) })

	c.logger.Info("connection available",
		"channel", rc.channel.String(), "session_id", key.sessionID, "stream_id", key.streamID,
		"term_length", setup.TermLength, "mtu", setup.MTU, "source", from)
	c.emit(c.connectionEvent(EventConnectionAvailable, conn), now)
	c.updateGauges()
}

func (c *Conductor) connectionEvent(t EventType, conn *Connection) Event {
	return Event{
		Type:           t,
		RegistrationID: conn.id,
		Channel:        conn.channel.String(),
		SessionID:      conn.key.sessionID,
		StreamID:       conn.key.streamID,
	}
}

// scheduleLiveness arms the liveness check just past the moment the connection would
// have been silent for a full timeout.
func (c *Conductor) scheduleLiveness(conn *Connection, last int64) {
	deadline := last + int64(c.cfg.ConnectionLivenessTimeout) + 1
	conn.livenessTimer = c.wheel.ScheduleAt(deadline, func(now int64) { c.onConnectionLiveness(conn, now) })
}

func (c *Conductor) onConnectionLiveness(conn *Connection, now int64) {
	if conn.State() != StateActive {
		return
	}
	last := conn.lastFrameNs.Load()
	if now-last > int64(c.cfg.ConnectionLivenessTimeout) {
		c.drainConnection(conn, now, "liveness timeout")
		return
	}
	c.scheduleLiveness(conn, last)
}

func (c *Conductor) drainConnection(conn *Connection, now int64, reason string) {
	if !conn.state.transition(StateDraining) {
		return
	}
	c.wheel.Cancel(conn.livenessTimer)
	c.toReceiverCmd(func(r *Receiver, _ int64) { r.onRemoveConnection(conn) })

	conn.lingerPosition = conn.consumptionPosition()
	conn.lingerTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationLinger), func(now int64) { c.onConnectionLinger(conn, now) })

	c.logger.Info("connection inactive",
		"channel", conn.channel.String(), "session_id", conn.key.sessionID, "stream_id", conn.key.streamID,
		"reason", reason, "rebuild_position", conn.rebuilder.Position())
	c.emit(c.connectionEvent(EventConnectionUnavailable, conn), now)
}

// onConnectionLinger closes a draining connection once its readers stopped advancing
// for a whole linger and the receiver let go of it.
func (c *Conductor) onConnectionLinger(conn *Connection, now int64) {
	pos := conn.consumptionPosition()
	if pos != conn.lingerPosition || !conn.receiverReleased.Load() {
		conn.lingerPosition = pos
		conn.lingerTimer = c.wheel.ScheduleAt(now+int64(c.cfg.PublicationLinger), func(now int64) { c.onConnectionLinger(conn, now) })
		return
	}
	c.closeConnection(conn, now)
}

func (c *Conductor) closeConnection(conn *Connection, now int64) {
	if !conn.state.transition(StateClosed) {
		return
	}
	c.wheel.Cancel(conn.lingerTimer)
	for _, sub := range c.subscriptions {
		if img := sub.removeImage(conn); img != nil {
			img.reader.Close()
		}
	}
	for _, img := range conn.images {
		img.reader.Close()
	}
	conn.images = nil
	delete(c.connections, conn.id)
	conn.log.Close()

	c.logger.Info("connection closed", "channel", conn.channel.String(), "session_id", conn.key.sessionID)
	c.emit(c.connectionEvent(EventConnectionClosed, conn), now)
	c.updateGauges()
}

// Clients

func (c *Conductor) touchClient(id uuid.UUID, now int64) {
	if id == uuid.Nil {
		return
	}
	sess, ok := c.clients[id]
	if !ok {
		sess = &clientSession{id: id}
		c.clients[id] = sess
		sess.timer = c.wheel.ScheduleAt(now+int64(c.cfg.ClientLivenessTimeout)+1, func(now int64) { c.onClientTimer(sess, now) })
	}
	sess.lastKeepaliveNs = now
}

func (c *Conductor) onClientTimer(sess *clientSession, now int64) {
	timeout := int64(c.cfg.ClientLivenessTimeout)
	if now-sess.lastKeepaliveNs <= timeout {
		sess.timer = c.wheel.ScheduleAt(sess.lastKeepaliveNs+timeout+1, func(now int64) { c.onClientTimer(sess, now) })
		return
	}

	delete(c.clients, sess.id)
	pubs, subs := 0, 0
	for _, pub := range c.publications {
		if pub.clientID == sess.id && pub.State() != StateDraining {
			c.drainPublication(pub, now)
			pubs++
		}
	}
	for _, sub := range c.subscriptions {
		if sub.clientID == sess.id {
			c.closeSubscription(sub, now)
			subs++
		}
	}
	c.logger.Info("client timed out", "client_id", sess.id.String(), "publications", pubs, "subscriptions", subs)
	c.emit(Event{Type: EventClientTimeout, ClientID: sess.id}, now)
}

// Housekeeping

func (c *Conductor) cleanLogs() int {
	cleaned := 0
	for _, pub := range c.publications {
		cleaned += pub.log.CleanDirty(pub.cleanPosition())
	}
	for _, conn := range c.connections {
		cleaned += conn.log.CleanDirty(conn.consumptionPosition())
	}
	return cleaned
}

func (c *Conductor) updateGauges() {
	c.metrics.SetActiveStreams("publication", len(c.publications))
	c.metrics.SetActiveStreams("subscription", len(c.subscriptions))
	c.metrics.SetActiveStreams("connection", len(c.connections))
}

// closeAll releases every log and endpoint. It runs after the agents have stopped.
func (c *Conductor) closeAll() error {
	var errs []error
	for _, pub := range c.publications {
		pub.log.Close()
	}
	for _, conn := range c.connections {
		conn.log.Close()
	}
	for _, sc := range c.sendChannels {
		if err := sc.endpoint.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rc := range c.receiveChannels {
		if err := rc.endpoint.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(c.sendChannels)
	clear(c.receiveChannels)
	return errors.Join(errs...)
}

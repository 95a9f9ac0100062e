package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/config"
	"github.com/c360/termstream/driver"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/natsclient"
)

const (
	requestRate    = 1000
	requestBurst   = 100
	relayIdle      = time.Millisecond
	relayStopAfter = 5 * time.Second
)

// Controller is the part of the driver the bridge drives.
type Controller interface {
	AddPublication(ctx context.Context, clientID uuid.UUID, channel string, streamID, sessionID int32) (*driver.Publication, error)
	RemovePublication(ctx context.Context, clientID uuid.UUID, registrationID int64) error
	AddSubscription(ctx context.Context, clientID uuid.UUID, channel string, streamID int32) (*driver.Subscription, error)
	RemoveSubscription(ctx context.Context, clientID uuid.UUID, registrationID int64) error
	Keepalive(ctx context.Context, clientID uuid.UUID) error
	Events() <-chan driver.Event
}

// Messenger is the NATS surface the bridge needs. *natsclient.Client implements it.
type Messenger interface {
	Reply(ctx context.Context, subject, queue string, handler natsclient.RequestHandler) error
	Publish(ctx context.Context, subject string, data []byte) error
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Deps holds runtime dependencies of the bridge.
type Deps struct {
	Driver          Controller
	Client          Messenger
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

type publicationEntry struct {
	owner uuid.UUID
	pub   *driver.Publication
}

// Bridge exposes driver commands as NATS request/reply, publishes lifecycle events
// and relays messages of bridged subscriptions.
type Bridge struct {
	cfg     config.BridgeConfig
	journal config.JetStreamConfig
	driver  Controller
	client  Messenger
	logger  *slog.Logger
	metrics *bridgeMetrics
	limiter *rate.Limiter
	relay   *relay

	mu           sync.Mutex
	publications map[int64]publicationEntry

	lifecycleMu sync.Mutex
	runner      *agent.Runner
	group       *errgroup.Group
	cancel      context.CancelFunc
}

// New builds a bridge. Nothing is subscribed until Start.
func New(cfg config.BridgeConfig, journal config.JetStreamConfig, deps Deps) (*Bridge, error) {
	if deps.Driver == nil || deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "check dependencies")
	}
	if cfg.SubjectPrefix == "" || cfg.RequestTimeout <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: bridge needs a subject prefix and a positive request timeout", errors.ErrInvalidConfig),
			"Bridge", "New", "validate config")
	}
	if journal.Enabled && journal.Stream == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: journal stream name required", errors.ErrInvalidConfig),
			"Bridge", "New", "validate config")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "bridge")
	}
	metrics, err := newBridgeMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:          cfg,
		journal:      journal,
		driver:       deps.Driver,
		client:       deps.Client,
		logger:       logger,
		metrics:      metrics,
		limiter:      rate.NewLimiter(requestRate, requestBurst),
		publications: make(map[int64]publicationEntry),
	}
	b.relay = newRelay(cfg.SubjectPrefix, deps.Client, logger, metrics)
	return b, nil
}

// Start creates the journal stream when enabled, subscribes to commands and starts
// the event publisher and the subscription relay. They stop when ctx is cancelled or
// Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.group != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Start", "start bridge")
	}

	if b.journal.Enabled {
		_, err := b.client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:        b.journal.Stream,
			Description: "termstream lifecycle events",
			Subjects:    []string{b.cfg.SubjectPrefix + ".events.>"},
			MaxAge:      b.journal.MaxAge,
		})
		if err != nil {
			return errors.Wrap(err, "Bridge", "Start", "create journal stream")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := b.client.Reply(ctx, commandSubject(b.cfg.SubjectPrefix, ">"), b.cfg.SubjectPrefix, b.handle); err != nil {
		cancel()
		return errors.Wrap(err, "Bridge", "Start", "subscribe to commands")
	}

	runner, err := agent.NewRunner(b.relay, agent.NewSleeping(relayIdle), agent.WithLogger(b.logger))
	if err != nil {
		cancel()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return b.publishEvents(gctx) })
	b.runner, b.group, b.cancel = runner, g, cancel

	b.logger.Info("bridge started",
		"prefix", b.cfg.SubjectPrefix, "journal", b.journal.Enabled, "journal_stream", b.journal.Stream)
	return nil
}

// Stop halts the event publisher and relay. The command subscription ends with the
// NATS client.
func (b *Bridge) Stop() error {
	b.lifecycleMu.Lock()
	runner, g, cancel := b.runner, b.group, b.cancel
	b.lifecycleMu.Unlock()
	if g == nil {
		return nil
	}

	var errs []error
	if err := runner.Stop(relayStopAfter); err != nil {
		errs = append(errs, errors.Wrap(err, "Bridge", "Stop", "stop relay"))
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// handle answers one command request.
func (b *Bridge) handle(ctx context.Context, subject string, data []byte) []byte {
	cmd := strings.TrimPrefix(subject, commandSubject(b.cfg.SubjectPrefix, ""))

	resp, err := b.dispatch(ctx, cmd, data)
	b.metrics.request(cmd, err)
	if err != nil {
		if !errors.IsTransient(err) {
			b.logger.Debug("command rejected", "command", cmd, "error", err)
		}
		resp = errorResponse(err)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("Failed to marshal response", "command", cmd, "error", err)
		out, _ = json.Marshal(errorResponse(errors.WrapFatal(err, "Bridge", "handle", "marshal response")))
	}
	return out
}

func (b *Bridge) dispatch(ctx context.Context, cmd string, data []byte) (Response, error) {
	if !b.limiter.Allow() {
		return Response{}, errors.WrapTransient(errors.ErrRateLimited, "Bridge", "handle", "admit "+cmd)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{}, errors.WrapInvalid(err, "Bridge", "handle", "decode "+cmd+" request")
	}
	if req.ClientID == uuid.Nil {
		return Response{}, errors.WrapInvalid(
			fmt.Errorf("%w: client_id required", errors.ErrInvalidConfig), "Bridge", "handle", "decode "+cmd+" request")
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	switch cmd {
	case CmdAddPublication:
		return b.addPublication(ctx, req)
	case CmdRemovePublication:
		return b.removePublication(ctx, req)
	case CmdAddSubscription:
		return b.addSubscription(ctx, req)
	case CmdRemoveSubscription:
		return b.removeSubscription(ctx, req)
	case CmdKeepalive:
		return Response{}, b.driver.Keepalive(ctx, req.ClientID)
	case CmdOffer:
		return b.offer(req)
	default:
		return Response{}, errors.WrapInvalid(
			fmt.Errorf("%w: unknown command %q", errors.ErrInvalidConfig, cmd), "Bridge", "handle", "route command")
	}
}

func (b *Bridge) addPublication(ctx context.Context, req Request) (Response, error) {
	pub, err := b.driver.AddPublication(ctx, req.ClientID, req.Channel, req.StreamID, req.SessionID)
	if err != nil {
		return Response{}, err
	}
	b.mu.Lock()
	b.publications[pub.RegistrationID()] = publicationEntry{owner: req.ClientID, pub: pub}
	b.mu.Unlock()

	return Response{
		RegistrationID: pub.RegistrationID(),
		SessionID:      pub.SessionID(),
		StreamID:       pub.StreamID(),
	}, nil
}

func (b *Bridge) removePublication(ctx context.Context, req Request) (Response, error) {
	if err := b.driver.RemovePublication(ctx, req.ClientID, req.RegistrationID); err != nil {
		return Response{}, err
	}
	b.mu.Lock()
	delete(b.publications, req.RegistrationID)
	b.mu.Unlock()
	return Response{RegistrationID: req.RegistrationID}, nil
}

func (b *Bridge) addSubscription(ctx context.Context, req Request) (Response, error) {
	sub, err := b.driver.AddSubscription(ctx, req.ClientID, req.Channel, req.StreamID)
	if err != nil {
		return Response{}, err
	}
	b.relay.add(sub)
	return Response{RegistrationID: sub.RegistrationID(), StreamID: sub.StreamID()}, nil
}

func (b *Bridge) removeSubscription(ctx context.Context, req Request) (Response, error) {
	if err := b.driver.RemoveSubscription(ctx, req.ClientID, req.RegistrationID); err != nil {
		return Response{}, err
	}
	// The relay drops the subscription once it sees it closed.
	return Response{RegistrationID: req.RegistrationID}, nil
}

func (b *Bridge) offer(req Request) (Response, error) {
	b.mu.Lock()
	entry, ok := b.publications[req.RegistrationID]
	b.mu.Unlock()
	if !ok || entry.owner != req.ClientID {
		return Response{}, errors.WrapInvalid(
			fmt.Errorf("%w: publication %d", errors.ErrUnknownRegistration, req.RegistrationID),
			"Bridge", "offer", "find publication")
	}

	pos, err := entry.pub.Offer(req.Payload)
	if err != nil {
		return Response{}, err
	}
	return Response{RegistrationID: req.RegistrationID, Position: pos}, nil
}

// publishEvents forwards driver lifecycle events until ctx ends. With the journal
// enabled, events are published through JetStream and wait for the stream's ack.
func (b *Bridge) publishEvents(ctx context.Context) error {
	events := b.driver.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			b.forget(e)
			data, err := json.Marshal(e)
			if err != nil {
				b.logger.Error("Failed to marshal event", "type", e.Type, "error", err)
				continue
			}

			subject := eventSubject(b.cfg.SubjectPrefix, string(e.Type))
			if b.journal.Enabled {
				err = b.client.PublishToStream(ctx, subject, data)
			} else {
				err = b.client.Publish(ctx, subject, data)
			}
			if err != nil {
				b.logger.Warn("Failed to publish event", "type", e.Type, "error", err)
				continue
			}
			b.metrics.event(string(e.Type))
		}
	}
}

// forget drops bridge references to publications the driver has closed.
func (b *Bridge) forget(e driver.Event) {
	switch e.Type {
	case driver.EventPublicationClosed, driver.EventSetupError:
		b.mu.Lock()
		delete(b.publications, e.RegistrationID)
		b.mu.Unlock()
	case driver.EventClientTimeout:
		b.mu.Lock()
		for id, entry := range b.publications {
			if entry.owner == e.ClientID {
				delete(b.publications, id)
			}
		}
		b.mu.Unlock()
	}
}

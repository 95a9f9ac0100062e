package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/config"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/health"
	"github.com/c360/termstream/loss"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/buffer"
	"github.com/c360/termstream/pkg/clock"
	"github.com/c360/termstream/pkg/retry"
	"github.com/c360/termstream/transport"
	"github.com/c360/termstream/transport/udp"
)

const (
	agentStopTimeout = 5 * time.Second
	stallAfter       = 5 * time.Second
)

// Deps holds runtime dependencies of the driver.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// Clock defaults to the system clock.
	Clock clock.NanoClock
	// Network defaults to UDP sockets owned by the driver.
	Network transport.Network
}

// Driver runs the conductor, sender and receiver agents.
type Driver struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.DriverMetrics
	network transport.Network
	owned   io.Closer
	events  *eventSink

	commands  buffer.Queue[Command]
	conductor *Conductor
	sender    *Sender
	receiver  *Receiver

	done      chan struct{}
	closeOnce sync.Once
	monitor   *health.Monitor

	mu      sync.Mutex
	started bool
	runners []*agent.Runner
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// New validates cfg and builds a driver. Agents do not run until Start.
func New(cfg *config.Config, deps Deps) (*Driver, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "driver")
	}
	var metrics *metric.DriverMetrics
	if deps.MetricsRegistry != nil {
		metrics = deps.MetricsRegistry.Driver()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	d := &Driver{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		network: deps.Network,
		events:  newEventSink(defaultEventCapacity, metrics),
		done:    make(chan struct{}),
		monitor: health.NewMonitor(),
	}
	if d.network == nil {
		n := udp.New(udp.Config{
			ReadBufferLength: cfg.ReadBufferLength,
			SocketRcvBuf:     cfg.SocketRcvBuf,
			SocketSndBuf:     cfg.SocketSndBuf,
			QueueCapacity:    cfg.CommandQueueCapacity,
			Retry:            retry.DefaultConfig(),
		}, udp.Deps{Logger: logger.With("component", "udp-transport"), MetricsRegistry: deps.MetricsRegistry})
		d.network, d.owned = n, n
	}

	capacity := cfg.CommandQueueCapacity
	commands, err := buffer.NewManyToOne[Command](capacity)
	if err != nil {
		return nil, err
	}
	fromReceiver, err := buffer.NewOneToOne[conductorCommand](capacity)
	if err != nil {
		return nil, err
	}
	toSender, err := buffer.NewOneToOne[senderCommand](capacity)
	if err != nil {
		return nil, err
	}
	toReceiver, err := buffer.NewOneToOne[receiverCommand](capacity)
	if err != nil {
		return nil, err
	}
	dataLoss, err := loss.New(cfg.Loss.DataRate, cfg.Loss.DataSeed)
	if err != nil {
		return nil, err
	}
	controlLoss, err := loss.New(cfg.Loss.ControlRate, cfg.Loss.ControlSeed)
	if err != nil {
		return nil, err
	}

	d.commands = commands
	d.conductor, err = newConductor(cfg, clk, logger, metrics, d.events, d.network, conductorQueues{
		commands:     commands,
		fromReceiver: fromReceiver,
		toSender:     toSender,
		toReceiver:   toReceiver,
	})
	if err != nil {
		return nil, err
	}
	d.sender = newSender(clk, logger, metrics, toSender, controlLoss, cfg.PublicationHeartbeatTimeout)
	d.receiver = newReceiver(clk, logger, metrics, toReceiver, fromReceiver, dataLoss,
		rand.Int64(), cfg.StatusMessageTimeout, cfg.PendingSetupsTimeout)
	return d, nil
}

// Start runs the agents on their own goroutines, or on a single goroutine in shared
// threading mode. It returns once they are launched.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Driver", "Start", "start agents")
	}
	select {
	case <-d.done:
		return errors.WrapFatal(errors.ErrDriverClosed, "Driver", "Start", "start agents")
	default:
	}

	type job struct {
		a    agent.Agent
		idle string
	}
	var jobs []job
	if d.cfg.ThreadingMode == config.ThreadingShared {
		jobs = []job{{agent.Compose(d.conductor, d.sender, d.receiver), d.cfg.IdleStrategy.Conductor}}
	} else {
		jobs = []job{
			{d.conductor, d.cfg.IdleStrategy.Conductor},
			{d.sender, d.cfg.IdleStrategy.Sender},
			{d.receiver, d.cfg.IdleStrategy.Receiver},
		}
	}

	runners := make([]*agent.Runner, 0, len(jobs))
	for _, j := range jobs {
		idle, err := agent.NewIdleStrategy(j.idle)
		if err != nil {
			return err
		}
		r, err := agent.NewRunner(j.a, idle, agent.WithLogger(d.logger), agent.WithMetrics(d.metrics))
		if err != nil {
			return err
		}
		runners = append(runners, r)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	d.runners, d.group, d.cancel = runners, g, cancel
	d.started = true

	d.logger.Info("driver started",
		"threading_mode", d.cfg.ThreadingMode, "agents", len(runners),
		"term_length", d.cfg.TermBufferLength, "mtu", d.cfg.MTULength)
	return nil
}

// Wait blocks until every agent has stopped and returns the first fatal agent error.
func (d *Driver) Wait() error {
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Close stops the agents, then releases every log and endpoint. It is safe to call
// more than once.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)

		d.mu.Lock()
		runners, g, cancel := d.runners, d.group, d.cancel
		d.mu.Unlock()

		var errs []error
		for _, r := range runners {
			if stopErr := r.Stop(agentStopTimeout); stopErr != nil {
				errs = append(errs, errors.Wrap(stopErr, "Driver", "Close", "stop "+r.Name()))
			}
		}
		if cancel != nil {
			cancel()
		}
		if g != nil {
			if runErr := g.Wait(); runErr != nil {
				errs = append(errs, runErr)
			}
		}

		if closeErr := d.conductor.closeAll(); closeErr != nil {
			errs = append(errs, closeErr)
		}
		if d.owned != nil {
			if closeErr := d.owned.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
		err = errors.Join(errs...)
		d.logger.Info("driver stopped", "events_dropped", d.events.dropped.Load())
	})
	return err
}

// Events returns lifecycle events. Events that do not fit in the channel are dropped.
func (d *Driver) Events() <-chan Event { return d.events.ch }

// DroppedEvents returns how many events were dropped because nobody drained Events.
func (d *Driver) DroppedEvents() int64 { return d.events.dropped.Load() }

// Healthy reports whether every agent is running and cycling.
func (d *Driver) Healthy() (bool, string) {
	d.mu.Lock()
	runners := d.runners
	d.mu.Unlock()
	if len(runners) == 0 {
		return false, "driver not started"
	}
	now := time.Now()
	for _, r := range runners {
		d.monitor.Update(r.Name(), health.FromReport(r.Name(), r.Report(), now, stallAfter))
	}
	return d.monitor.Healthy()
}

// Health returns the aggregated agent status.
func (d *Driver) Health() health.Status {
	d.Healthy()
	return d.monitor.AggregateHealth("driver")
}

// Submit queues a command without waiting for its reply.
func (d *Driver) Submit(cmd Command) error {
	select {
	case <-d.done:
		return errors.WrapFatal(errors.ErrDriverClosed, "Driver", "Submit", "queue command")
	default:
	}
	if !d.commands.Offer(cmd) {
		return errors.WrapTransient(
			fmt.Errorf("%w: command queue full", errors.ErrResourceExhausted),
			"Driver", "Submit", "queue command")
	}
	return nil
}

// call queues cmd, retrying while the queue is full, and waits for the reply.
func (d *Driver) call(ctx context.Context, cmd Command, method string) (Reply, error) {
	idle := agent.NewBackoff(agent.DefaultMaxSpins, agent.DefaultMaxYields, agent.DefaultMinPark, agent.DefaultMaxPark)
	if err := agent.Offer(d.commands, cmd, idle, d.done); err != nil {
		return Reply{}, errors.WrapFatal(errors.ErrDriverClosed, "Driver", method, "queue command")
	}
	select {
	case r := <-cmd.header().Reply():
		return r, r.Err
	case <-ctx.Done():
		return Reply{}, errors.WrapTransient(ctx.Err(), "Driver", method, "await reply")
	case <-d.done:
		return Reply{}, errors.WrapFatal(errors.ErrDriverClosed, "Driver", method, "await reply")
	}
}

// AddPublication registers a publication and waits for the conductor to create it. A
// zero sessionID lets the driver choose one.
func (d *Driver) AddPublication(ctx context.Context, clientID uuid.UUID, channel string, streamID, sessionID int32) (*Publication, error) {
	r, err := d.call(ctx, NewAddPublication(clientID, channel, streamID, sessionID), "AddPublication")
	if err != nil {
		return nil, err
	}
	return r.Publication, nil
}

// RemovePublication starts draining a publication.
func (d *Driver) RemovePublication(ctx context.Context, clientID uuid.UUID, registrationID int64) error {
	_, err := d.call(ctx, NewRemovePublication(clientID, registrationID), "RemovePublication")
	return err
}

// AddSubscription subscribes to a stream on a channel.
func (d *Driver) AddSubscription(ctx context.Context, clientID uuid.UUID, channel string, streamID int32) (*Subscription, error) {
	r, err := d.call(ctx, NewAddSubscription(clientID, channel, streamID), "AddSubscription")
	if err != nil {
		return nil, err
	}
	return r.Subscription, nil
}

// RemoveSubscription removes a subscription.
func (d *Driver) RemoveSubscription(ctx context.Context, clientID uuid.UUID, registrationID int64) error {
	_, err := d.call(ctx, NewRemoveSubscription(clientID, registrationID), "RemoveSubscription")
	return err
}

// Keepalive keeps a client's registrations alive.
func (d *Driver) Keepalive(ctx context.Context, clientID uuid.UUID) error {
	_, err := d.call(ctx, NewClientKeepalive(clientID), "Keepalive")
	return err
}

// doWork runs one duty cycle of every agent. Tests use it with a simulated clock
// instead of Start.
func (d *Driver) doWork() int {
	total := 0
	for _, a := range []agent.Agent{d.conductor, d.sender, d.receiver} {
		n, _ := a.DoWork()
		total += n
	}
	return total
}

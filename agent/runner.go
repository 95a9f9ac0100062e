package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/health"
	"github.com/c360/termstream/metric"
)

// Runner drives one Agent on the goroutine that calls Run.
type Runner struct {
	agent   Agent
	idle    IdleStrategy
	logger  *slog.Logger
	warn    *ThrottledLogger
	metrics *metric.DriverMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopping    atomic.Bool
	done        chan struct{}

	running       atomic.Bool
	startedAt     atomic.Int64
	dutyCycles    atomic.Int64
	workCount     atomic.Int64
	errorCount    atomic.Int64
	lastDutyCycle atomic.Int64
	lastError     atomic.Pointer[string]
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records productive duty cycle durations.
func WithMetrics(m *metric.DriverMetrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a runner for agent using idle between duty cycles.
func NewRunner(a Agent, idle IdleStrategy, opts ...Option) (*Runner, error) {
	if a == nil {
		return nil, errors.WrapInvalid(ErrNilAgent, "Runner", "NewRunner", "validate agent")
	}
	if idle == nil {
		idle = NewBackoff(DefaultMaxSpins, DefaultMaxYields, DefaultMinPark, DefaultMaxPark)
	}

	r := &Runner{
		agent: a,
		idle:  idle,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("agent", a.Name())
	r.warn = NewThrottledLogger(r.logger, time.Second, 5)
	return r, nil
}

// Name returns the agent name.
func (r *Runner) Name() string {
	return r.agent.Name()
}

// Run executes duty cycles until ctx is cancelled, Stop is called or the agent
// returns a fatal error. It blocks and must be called once.
func (r *Runner) Run(ctx context.Context) error {
	r.lifecycleMu.Lock()
	if r.started {
		r.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.lifecycleMu.Unlock()

	r.startedAt.Store(time.Now().UnixNano())
	r.running.Store(true)
	r.logger.Debug("agent started")

	defer func() {
		r.agent.OnClose()
		r.running.Store(false)
		close(r.done)
		r.logger.Debug("agent stopped", "duty_cycles", r.dutyCycles.Load())
	}()

	for !r.stopping.Load() && ctx.Err() == nil {
		start := time.Now()
		n, err := r.agent.DoWork()

		r.dutyCycles.Add(1)
		r.lastDutyCycle.Store(start.UnixNano())
		if n > 0 {
			r.workCount.Add(int64(n))
			r.metrics.ObserveDutyCycle(r.agent.Name(), time.Since(start))
		}

		if err != nil {
			r.errorCount.Add(1)
			msg := err.Error()
			r.lastError.Store(&msg)

			if errors.IsFatal(err) {
				r.logger.Error("agent terminated", "error", err)
				return errors.Wrap(err, "Runner", "Run", "duty cycle of "+r.agent.Name())
			}
			r.warn.Warn("duty cycle error", "error", err)
		}

		r.idle.Idle(n)
	}
	return nil
}

// Stop asks the agent to finish its current duty cycle and waits for Run to return.
func (r *Runner) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	started := r.started
	r.lifecycleMu.Unlock()
	if !started {
		return nil
	}

	r.stopping.Store(true)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Done is closed when Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Report samples the runner for health reporting.
func (r *Runner) Report() health.Report {
	report := health.Report{
		Running:    r.running.Load(),
		DutyCycles: r.dutyCycles.Load(),
		WorkCount:  r.workCount.Load(),
		ErrorCount: r.errorCount.Load(),
	}
	if ns := r.startedAt.Load(); ns != 0 {
		report.StartedAt = time.Unix(0, ns)
	}
	if ns := r.lastDutyCycle.Load(); ns != 0 {
		report.LastDutyCycle = time.Unix(0, ns)
	}
	if msg := r.lastError.Load(); msg != nil {
		report.LastError = *msg
	}
	return report
}

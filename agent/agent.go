// Package agent runs duty-cycle agents on dedicated goroutines.
//
// An Agent does a bounded amount of non-blocking work per DoWork call and reports how
// much it did. A Runner calls DoWork in a loop and hands the work count to an
// IdleStrategy, which spins, yields or parks when there was nothing to do.
package agent

import (
	stderrors "errors"
	"strings"

	"github.com/c360/termstream/errors"
)

// Agent is a unit of work scheduled by a Runner.
type Agent interface {
	// Name identifies the agent in logs, metrics and health.
	Name() string
	// DoWork performs one duty cycle and returns the amount of work done. Errors that
	// are classified fatal stop the runner; anything else is logged and counted.
	// Failures scoped to a single stream must be handled inside the agent.
	DoWork() (int, error)
	// OnClose is called once on the runner goroutine after the last duty cycle.
	OnClose()
}

// Sentinel errors for runner operations
var (
	ErrAlreadyStarted = errors.New("agent runner already started")
	ErrNilAgent       = errors.New("agent cannot be nil")
	ErrStopTimeout    = errors.New("timeout waiting for agent to stop")
)

type composite struct {
	name   string
	agents []Agent
}

// Compose runs several agents in one duty cycle, in order. It is used for the shared
// threading mode where sender, receiver and conductor share a goroutine.
func Compose(agents ...Agent) Agent {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
	}
	return &composite{name: strings.Join(names, "+"), agents: agents}
}

func (c *composite) Name() string { return c.name }

func (c *composite) DoWork() (int, error) {
	total := 0
	var errs []error
	for _, a := range c.agents {
		n, err := a.DoWork()
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, stderrors.Join(errs...)
}

func (c *composite) OnClose() {
	for _, a := range c.agents {
		a.OnClose()
	}
}

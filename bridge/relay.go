package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/driver"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/protocol"
)

const relayFragmentLimit = 64

type relayedSubscription struct {
	sub       *driver.Subscription
	subject   string
	assembler *logbuffer.FragmentAssembler
}

// relay is an agent that polls bridged subscriptions and publishes each whole message
// to the subscription's data subject. Only its own goroutine polls.
type relay struct {
	prefix  string
	client  Messenger
	metrics *bridgeMetrics
	warn    *agent.ThrottledLogger

	mu      sync.Mutex
	pending []*driver.Subscription

	subs []*relayedSubscription
}

func newRelay(prefix string, client Messenger, logger *slog.Logger, metrics *bridgeMetrics) *relay {
	return &relay{
		prefix:  prefix,
		client:  client,
		metrics: metrics,
		warn:    agent.NewThrottledLogger(logger, time.Second, 5),
	}
}

// add hands a subscription to the relay goroutine.
func (r *relay) add(sub *driver.Subscription) {
	r.mu.Lock()
	r.pending = append(r.pending, sub)
	r.mu.Unlock()
}

func (r *relay) Name() string { return "bridge-relay" }

func (r *relay) DoWork() (int, error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, sub := range pending {
		rs := &relayedSubscription{
			sub:     sub,
			subject: DataSubject(r.prefix, sub.StreamID(), sub.RegistrationID()),
		}
		rs.assembler = logbuffer.NewFragmentAssembler(func(payload []byte, _ protocol.DataHeader) {
			err := r.client.Publish(context.Background(), rs.subject, payload)
			r.metrics.relay(err)
			if err != nil {
				r.warn.Warn("Failed to relay message", "subject", rs.subject, "error", err)
			}
		})
		r.subs = append(r.subs, rs)
	}

	work := len(pending)
	live := r.subs[:0]
	for _, rs := range r.subs {
		if rs.sub.IsClosed() {
			continue
		}
		n, err := rs.sub.Poll(relayFragmentLimit, rs.assembler.OnFragment)
		work += n
		if err != nil {
			r.warn.Warn("Failed to poll subscription", "registration_id", rs.sub.RegistrationID(), "error", err)
		}
		live = append(live, rs)
	}
	clear(r.subs[len(live):])
	r.subs = live
	return work, nil
}

func (r *relay) OnClose() {}

package flowcontrol

import (
	"time"
)

type receiver struct {
	limit    int64
	lastSeen int64
}

// Multicast limits the sender to the slowest live receiver. Receivers that stop sending
// status messages for longer than the receiver timeout are evicted by OnIdle. With no
// receivers left the last limit is kept.
type Multicast struct {
	limit         int64
	initialWindow int
	timeout       int64
	receivers     map[int64]*receiver
}

// NewMulticast creates a multicast strategy.
func NewMulticast(p Params) *Multicast {
	timeout := p.ReceiverTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Multicast{
		limit:         p.InitialPosition + int64(p.InitialWindow),
		initialWindow: p.InitialWindow,
		timeout:       int64(timeout),
		receivers:     make(map[int64]*receiver),
	}
}

// OnStatusMessage implements Strategy.
func (m *Multicast) OnStatusMessage(receiverID int64, position int64, window int32, now int64) int64 {
	r, ok := m.receivers[receiverID]
	if !ok {
		r = &receiver{}
		m.receivers[receiverID] = r
	}
	if proposed := position + int64(window); !ok || proposed > r.limit {
		r.limit = proposed
	}
	r.lastSeen = now
	return m.recompute()
}

// InitialWindowLength implements Strategy.
func (m *Multicast) InitialWindowLength(mtu int) int {
	return initialWindow(m.initialWindow, mtu)
}

// OnIdle implements Strategy.
func (m *Multicast) OnIdle(now int64) int64 {
	evicted := false
	for id, r := range m.receivers {
		if now-r.lastSeen > m.timeout {
			delete(m.receivers, id)
			evicted = true
		}
	}
	if evicted {
		return m.recompute()
	}
	return m.limit
}

// Limit implements Strategy.
func (m *Multicast) Limit() int64 {
	return m.limit
}

// Receivers returns the number of live receivers.
func (m *Multicast) Receivers() int {
	return len(m.receivers)
}

func (m *Multicast) recompute() int64 {
	if len(m.receivers) == 0 {
		return m.limit
	}
	first := true
	var min int64
	for _, r := range m.receivers {
		if first || r.limit < min {
			min = r.limit
			first = false
		}
	}
	m.limit = min
	return m.limit
}

package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks queue activity. All counters are atomic so that producers and the
// consumer can record without coordination.
type Statistics struct {
	offers    atomic.Int64
	polls     atomic.Int64
	rejects   atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Offer records a successful offer.
func (s *Statistics) Offer() {
	s.offers.Add(1)
}

// Poll records a successful poll.
func (s *Statistics) Poll() {
	s.polls.Add(1)
}

// Reject records an offer refused because the queue was full.
func (s *Statistics) Reject() {
	s.rejects.Add(1)
}

// Offers returns the total number of accepted offers.
func (s *Statistics) Offers() int64 {
	return s.offers.Load()
}

// Polls returns the total number of items consumed.
func (s *Statistics) Polls() int64 {
	return s.polls.Load()
}

// Rejects returns the total number of offers refused while full.
func (s *Statistics) Rejects() int64 {
	return s.rejects.Load()
}

// RejectRate returns rejected offers as a fraction of all offer attempts (0.0 to 1.0).
func (s *Statistics) RejectRate() float64 {
	offers := s.Offers()
	rejects := s.Rejects()

	if offers+rejects == 0 {
		return 0.0
	}

	return float64(rejects) / float64(offers+rejects)
}

// Throughput returns the average number of accepted offers per second.
func (s *Statistics) Throughput() float64 {
	elapsed := time.Since(s.startTime)
	if elapsed <= 0 {
		return 0.0
	}
	return float64(s.Offers()) / elapsed.Seconds()
}

// Uptime returns how long the queue has existed.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// StatsSummary is a snapshot of all statistics.
type StatsSummary struct {
	Offers     int64         `json:"offers"`
	Polls      int64         `json:"polls"`
	Rejects    int64         `json:"rejects"`
	Backlog    int64         `json:"backlog"`
	RejectRate float64       `json:"reject_rate"`
	Throughput float64       `json:"throughput"`
	Uptime     time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	offers := s.Offers()
	polls := s.Polls()
	return StatsSummary{
		Offers:     offers,
		Polls:      polls,
		Rejects:    s.Rejects(),
		Backlog:    offers - polls,
		RejectRate: s.RejectRate(),
		Throughput: s.Throughput(),
		Uptime:     s.Uptime(),
	}
}

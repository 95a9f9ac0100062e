// Package health tracks the liveness of the driver agents and aggregates it into a
// single driver status.
package health

import (
	"regexp"
	"time"
)

// State is the health level of a component.
type State string

// Health levels, ordered from best to worst.
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

func (s State) severity() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

var (
	channelURLRegex = regexp.MustCompile(`(udp|nats|tls|https?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d{1,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or of the whole driver
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	State       State     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries agent activity counters alongside a status.
type Metrics struct {
	Uptime        time.Duration `json:"uptime"`
	DutyCycles    int64         `json:"duty_cycles"`
	WorkCount     int64         `json:"work_count"`
	ErrorCount    int64         `json:"error_count"`
	LastDutyCycle time.Time     `json:"last_duty_cycle,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.State == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.State == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.State == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// Report is the raw liveness sample an agent runner produces.
type Report struct {
	Running       bool
	LastError     string
	StartedAt     time.Time
	DutyCycles    int64
	WorkCount     int64
	ErrorCount    int64
	LastDutyCycle time.Time
}

// FromReport converts an agent report into a Status. A running agent whose last duty
// cycle is older than stallAfter is degraded; a stopped agent is unhealthy.
func FromReport(name string, r Report, now time.Time, stallAfter time.Duration) Status {
	var status Status
	switch {
	case !r.Running:
		status = NewUnhealthy(name, "agent not running")
	case stallAfter > 0 && !r.LastDutyCycle.IsZero() && now.Sub(r.LastDutyCycle) > stallAfter:
		status = NewDegraded(name, "agent duty cycle stalled")
	default:
		status = NewHealthy(name, "agent running")
	}
	if r.LastError != "" && status.IsHealthy() {
		status.Message = "agent running, last error: " + sanitizeErrorMessage(r.LastError)
	} else if r.LastError != "" {
		status.Message += ": " + sanitizeErrorMessage(r.LastError)
	}

	var uptime time.Duration
	if !r.StartedAt.IsZero() {
		uptime = now.Sub(r.StartedAt)
	}
	status.Timestamp = now
	return status.WithMetrics(&Metrics{
		Uptime:        uptime,
		DutyCycles:    r.DutyCycles,
		WorkCount:     r.WorkCount,
		ErrorCount:    r.ErrorCount,
		LastDutyCycle: r.LastDutyCycle,
	})
}

// sanitizeErrorMessage strips channel addresses, peer IPs and credentials from error
// text before it is exposed on the health endpoint.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}
	sanitized := channelURLRegex.ReplaceAllString(err, "[URL]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	return credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
}

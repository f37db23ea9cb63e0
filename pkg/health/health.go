package health

import (
	"context"
	"time"
)

// CheckType names what a Checker probes. PPDB only ever checks its own
// listening socket, but the type stays a distinct concept from the
// Checker so a future checker (a backend ping, say) has somewhere to
// register without reshaping Status.
type CheckType string

const CheckTypeTCP CheckType = "tcp"

// Result is one checker invocation's outcome.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency and reports a Result.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config tunes how Status turns a stream of Results into a single
// healthy/unhealthy verdict.
type Config struct {
	Interval    time.Duration // spacing between checks
	Timeout     time.Duration // per-check deadline
	Retries     int           // consecutive failures required to flip unhealthy
	StartPeriod time.Duration // grace window before a failing check counts
}

// DefaultConfig is the Config pkg/health.Server passes to Status.Update.
// Server checks once per /ready request rather than every Interval, and
// its TCPChecker keeps its own dial timeout, so only Retries and
// StartPeriod take effect there.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status accumulates Results into a debounced healthy/unhealthy flag so
// one transient failure doesn't flip Healthy. Server's /ready answers
// from each single check result, not from Healthy.
type Status struct {
	streak int // consecutive results of the current sign; negative means failures

	LastCheck  time.Time
	LastResult Result
	Healthy    bool
	StartedAt  time.Time
}

// NewStatus starts a Status optimistic: healthy until a check says
// otherwise.
func NewStatus() *Status {
	return &Status{Healthy: true, StartedAt: time.Now()}
}

// Update folds result into the running streak and flips Healthy once
// config.Retries consecutive failures (or the first success) are seen.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		if s.streak < 0 {
			s.streak = 0
		}
		s.streak++
		s.Healthy = true
		return
	}

	if s.InStartPeriod(config) {
		return
	}
	if s.streak > 0 {
		s.streak = 0
	}
	s.streak--
	if -s.streak >= config.Retries {
		s.Healthy = false
	}
}

// ConsecutiveFailures reports how many failing checks have landed in a
// row (0 if the most recent streak was successes).
func (s *Status) ConsecutiveFailures() int {
	if s.streak >= 0 {
		return 0
	}
	return -s.streak
}

// ConsecutiveSuccesses reports how many passing checks have landed in a
// row (0 if the most recent streak was failures).
func (s *Status) ConsecutiveSuccesses() int {
	if s.streak <= 0 {
		return 0
	}
	return s.streak
}

// InStartPeriod reports whether config's startup grace window is still
// running, during which a failing check should not yet count against
// the streak.
func (s *Status) InStartPeriod(config Config) bool {
	return config.StartPeriod > 0 && time.Since(s.StartedAt) < config.StartPeriod
}

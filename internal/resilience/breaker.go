package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// breakerState tracks where a backend sits in the bench cycle.
type breakerState int

const (
	// stateHealthy means the backend is in rotation.
	stateHealthy breakerState = iota

	// stateBenched means the backend failed too many opens in a row and is
	// sitting out until the retry window opens.
	stateBenched

	// stateProbing means the retry window has opened and a limited number
	// of probe opens are allowed through to test the backend.
	stateProbing
)

// breaker benches a voice backend after consecutive session-open failures and
// lets it back into rotation once enough probe opens succeed. Safe for
// concurrent use.
type breaker struct {
	name        string
	maxFailures int
	retryAfter  time.Duration
	probeBudget int
	now         func() time.Time

	mu        sync.Mutex
	state     breakerState
	failures  int
	benchedAt time.Time
	probes    int
	probeFail int
}

func newBreaker(name string, cfg Config, now func() time.Time) *breaker {
	return &breaker{
		name:        name,
		maxFailures: cfg.MaxFailures,
		retryAfter:  cfg.RetryAfter,
		probeBudget: cfg.ProbeBudget,
		now:         now,
		state:       stateHealthy,
	}
}

// allow reports whether the backend may take the next session open. The probe
// flag must be passed back to record so probe accounting stays consistent.
func (b *breaker) allow() (probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateBenched:
		if b.now().Sub(b.benchedAt) < b.retryAfter {
			return false, false
		}
		b.state = stateProbing
		b.probes = 0
		b.probeFail = 0
		slog.Info("voice backend retry window opened", "backend", b.name)
		return true, true

	case stateProbing:
		if b.probes >= b.probeBudget {
			// Probe budget spent; wait for the outstanding probes to settle.
			return false, false
		}
		return true, true
	}
	return false, true
}

// record feeds the outcome of an open back into the state machine.
func (b *breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probes++
		if err != nil {
			b.probeFail++
			// One failed probe re-benches immediately.
			b.state = stateBenched
			b.benchedAt = b.now()
			b.failures = b.maxFailures
			slog.Warn("voice backend re-benched after failed probe", "backend", b.name)
			return
		}
		if b.probes-b.probeFail >= b.probeBudget {
			b.state = stateHealthy
			b.failures = 0
			slog.Info("voice backend back in rotation", "backend", b.name)
		}
		return
	}

	if err != nil {
		b.failures++
		if b.failures >= b.maxFailures {
			b.state = stateBenched
			b.benchedAt = b.now()
			slog.Warn("voice backend benched",
				"backend", b.name,
				"consecutive_failures", b.failures)
		}
		return
	}
	b.failures = 0
}

// Package breaker implements a per-host circuit breaker. Hosts that fail
// repeatedly are cut off for a cooling period, then probed with a limited
// number of trial requests before traffic fully resumes.
package breaker

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
	"github.com/batchpilot/batchpilot/internal/telemetry"
)

// State is the breaker state for one host.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls breaker behavior.
type Config struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Reset is how long an open circuit stays open before probing.
	Reset time.Duration
	// HalfOpenMax is the number of consecutive half-open successes required
	// to close the circuit again.
	HalfOpenMax int
}

// Breaker tracks failure streaks per host.
type Breaker struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

type hostState struct {
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probes    int
}

// New creates a Breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Reset <= 0 {
		cfg.Reset = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		hosts:  make(map[string]*hostState),
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Allow reports whether a request to host may proceed. When the circuit is
// open it returns a tagged circuit_open error without touching the host.
// An open circuit whose reset period has elapsed moves to half-open and
// admits a limited number of probes.
func (b *Breaker) Allow(host string) error {
	key := normalizeHost(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.hosts[key]
	if !ok {
		return nil
	}
	switch st.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(st.openedAt) < b.cfg.Reset {
			return batch.NewError(batch.CategoryCircuitOpen, "circuit_open", "", nil)
		}
		b.transitionLocked(key, st, StateHalfOpen)
		st.successes = 0
		st.probes = 1
		return nil
	case StateHalfOpen:
		// Cap in-flight probes so a burst of workers cannot stampede a host
		// that is still recovering.
		if st.probes >= b.cfg.HalfOpenMax {
			return batch.NewError(batch.CategoryCircuitOpen, "circuit_probing", "", nil)
		}
		st.probes++
		return nil
	}
	return nil
}

// ReportSuccess records a successful request to host.
func (b *Breaker) ReportSuccess(host string) {
	key := normalizeHost(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.hosts[key]
	if !ok {
		return
	}
	switch st.state {
	case StateClosed:
		st.failures = 0
	case StateHalfOpen:
		st.successes++
		if st.probes > 0 {
			st.probes--
		}
		if st.successes >= b.cfg.HalfOpenMax {
			b.transitionLocked(key, st, StateClosed)
			st.failures = 0
			st.successes = 0
			st.probes = 0
		}
	}
}

// ReportFailure records a failed request to host. Threshold consecutive
// failures open the circuit; any failure while half-open reopens it and
// restarts the reset timer.
func (b *Breaker) ReportFailure(host string) {
	key := normalizeHost(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.hosts[key]
	if !ok {
		st = &hostState{state: StateClosed}
		b.hosts[key] = st
	}
	switch st.state {
	case StateClosed:
		st.failures++
		if st.failures >= b.cfg.Threshold {
			b.transitionLocked(key, st, StateOpen)
			st.openedAt = b.now()
		}
	case StateHalfOpen:
		b.transitionLocked(key, st, StateOpen)
		st.openedAt = b.now()
		st.successes = 0
		st.probes = 0
	case StateOpen:
		// Already open; nothing to count.
	}
}

// State returns the current state for host.
func (b *Breaker) State(host string) State {
	key := normalizeHost(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.hosts[key]
	if !ok {
		return StateClosed
	}
	if st.state == StateOpen && b.now().Sub(st.openedAt) >= b.cfg.Reset {
		return StateHalfOpen
	}
	return st.state
}

// Snapshot returns the non-closed hosts and their states, for diagnostics.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]State)
	for host, st := range b.hosts {
		if st.state != StateClosed {
			out[host] = st.state
		}
	}
	return out
}

func (b *Breaker) transitionLocked(host string, st *hostState, to State) {
	from := st.state
	st.state = to
	telemetry.CountBreakerTransition(string(from), string(to))
	b.logger.Info("circuit breaker transition",
		zap.String("host", host),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

func normalizeHost(host string) string {
	return strings.TrimSpace(strings.ToLower(host))
}

// Package ratelimit implements per-host sliding-window plus burst admission
// control, with an optional global token bucket layered on top.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/batchpilot/batchpilot/internal/telemetry"
)

// DefaultScope applies when a host has no specific override.
const DefaultScope = "DEFAULT"

const burstSlice = time.Second

// ScopeLimit configures admission for one scope: at most RequestsPerWindow
// admissions inside any rolling Window, and at most Burst inside any
// one-second slice.
type ScopeLimit struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// Config holds rate limiter configuration. PerHost entries override the
// default limit for specific hosts (keys are lowercase hostnames).
type Config struct {
	Default     ScopeLimit
	PerHost     map[string]ScopeLimit
	GlobalRPS   float64
	GlobalBurst int
}

// Limiter admits requests per scope. Admit blocks in an iterative
// wait-and-recheck loop; nothing recurses, so sustained contention cannot
// grow the stack.
type Limiter struct {
	mu     sync.Mutex
	scopes map[string]*scopeState
	cfg    Config
	global *rate.Limiter
	now    func() time.Time
}

type scopeState struct {
	limit      ScopeLimit
	stamps     []time.Time
	burstStart time.Time
	burstCount int
}

// New creates a Limiter. Scope state is created lazily on first admission
// and lives for the limiter's lifetime, so window history survives across
// jobs hitting the same host.
func New(cfg Config) *Limiter {
	if cfg.Default.RequestsPerWindow <= 0 {
		cfg.Default.RequestsPerWindow = 60
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = time.Minute
	}
	if cfg.Default.Burst <= 0 {
		cfg.Default.Burst = cfg.Default.RequestsPerWindow
	}
	l := &Limiter{
		scopes: make(map[string]*scopeState),
		cfg:    cfg,
		now:    time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return l
}

// Admit blocks until both the rolling window and the current burst slice
// for scope have capacity, then reserves the slot. It returns early only
// when ctx ends.
func (l *Limiter) Admit(ctx context.Context, scope string) error {
	var waited time.Duration
	for {
		ok, wait := l.tryReserve(scope)
		if ok {
			break
		}
		if wait < 5*time.Millisecond {
			wait = 5 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit admit %s: %w", scope, ctx.Err())
		case <-timer.C:
			waited += wait
		}
	}
	if waited > 0 {
		telemetry.ObserveRateLimitDelay(scope, waited)
	}
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			l.release(scope)
			return fmt.Errorf("global rate limit wait: %w", err)
		}
	}
	return nil
}

// TryAdmit reserves a slot if one is free right now, without blocking.
func (l *Limiter) TryAdmit(scope string) bool {
	ok, _ := l.tryReserve(scope)
	if !ok {
		return false
	}
	if l.global != nil && !l.global.Allow() {
		l.release(scope)
		return false
	}
	return true
}

// release hands back the most recent reservation for scope. Used when the
// global limiter rejects an admission the scope already reserved.
func (l *Limiter) release(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.ensureScopeLocked(scope)
	if n := len(st.stamps); n > 0 {
		st.stamps = st.stamps[:n-1]
	}
	if st.burstCount > 0 {
		st.burstCount--
	}
}

// tryReserve attempts to take a slot. On failure it returns the duration
// until the earliest moment a slot could open.
func (l *Limiter) tryReserve(scope string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.ensureScopeLocked(scope)

	// Drop admissions that have rolled out of the window.
	cutoff := now.Add(-st.limit.Window)
	keep := st.stamps[:0]
	for _, ts := range st.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	st.stamps = keep

	// The burst counter resets at each one-second slice boundary.
	if now.Sub(st.burstStart) >= burstSlice {
		st.burstStart = now
		st.burstCount = 0
	}

	windowFree := len(st.stamps) < st.limit.RequestsPerWindow
	burstFree := st.burstCount < st.limit.Burst
	if windowFree && burstFree {
		st.stamps = append(st.stamps, now)
		st.burstCount++
		return true, 0
	}

	var wait time.Duration
	if !windowFree {
		wait = st.stamps[0].Add(st.limit.Window).Sub(now)
	}
	if !burstFree {
		burstWait := st.burstStart.Add(burstSlice).Sub(now)
		if wait == 0 || burstWait < wait {
			wait = burstWait
		}
	}
	return false, wait
}

func (l *Limiter) ensureScopeLocked(scope string) *scopeState {
	key := strings.ToLower(scope)
	if key == "" {
		key = DefaultScope
	}
	st, ok := l.scopes[key]
	if ok {
		return st
	}
	limit := l.cfg.Default
	if override, ok := l.cfg.PerHost[key]; ok {
		if override.RequestsPerWindow > 0 {
			limit.RequestsPerWindow = override.RequestsPerWindow
		}
		if override.Window > 0 {
			limit.Window = override.Window
		}
		if override.Burst > 0 {
			limit.Burst = override.Burst
		}
	}
	st = &scopeState{limit: limit, burstStart: l.now()}
	l.scopes[key] = st
	return st
}

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
)

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(2000, 0)}
	b := New(cfg, zap.NewNop())
	b.now = clk.Now
	return b, clk
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 3, Reset: 30 * time.Second, HalfOpenMax: 2})

	for i := 0; i < 2; i++ {
		b.ReportFailure("example.com")
		require.NoError(t, b.Allow("example.com"))
	}
	b.ReportFailure("example.com")

	err := b.Allow("example.com")
	require.Error(t, err)

	var tagged *batch.Error
	require.True(t, errors.As(err, &tagged))
	require.Equal(t, batch.CategoryCircuitOpen, tagged.Category)
	require.Equal(t, StateOpen, b.State("example.com"))
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 3, Reset: 30 * time.Second, HalfOpenMax: 2})

	b.ReportFailure("example.com")
	b.ReportFailure("example.com")
	b.ReportSuccess("example.com")
	b.ReportFailure("example.com")
	b.ReportFailure("example.com")

	require.NoError(t, b.Allow("example.com"), "non-consecutive failures must not open the circuit")
}

func TestBreakerHalfOpenAfterReset(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{Threshold: 1, Reset: 30 * time.Second, HalfOpenMax: 2})

	b.ReportFailure("example.com")
	require.Error(t, b.Allow("example.com"))

	clk.advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State("example.com"))
	require.NoError(t, b.Allow("example.com"), "first probe is admitted")

	// Two successes close the circuit again.
	b.ReportSuccess("example.com")
	require.NoError(t, b.Allow("example.com"))
	b.ReportSuccess("example.com")

	require.Equal(t, StateClosed, b.State("example.com"))
	require.NoError(t, b.Allow("example.com"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{Threshold: 1, Reset: 30 * time.Second, HalfOpenMax: 2})

	b.ReportFailure("example.com")
	clk.advance(31 * time.Second)
	require.NoError(t, b.Allow("example.com"))

	b.ReportFailure("example.com")
	require.Error(t, b.Allow("example.com"))
	require.Equal(t, StateOpen, b.State("example.com"))

	// The reset timer restarts from the half-open failure.
	clk.advance(29 * time.Second)
	require.Error(t, b.Allow("example.com"))
	clk.advance(2 * time.Second)
	require.NoError(t, b.Allow("example.com"))
}

func TestBreakerHalfOpenProbeCap(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{Threshold: 1, Reset: 30 * time.Second, HalfOpenMax: 2})

	b.ReportFailure("example.com")
	clk.advance(31 * time.Second)

	require.NoError(t, b.Allow("example.com"))
	require.NoError(t, b.Allow("example.com"))
	require.Error(t, b.Allow("example.com"), "probe cap reached")
}

func TestBreakerHostsAreIndependent(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 1, Reset: 30 * time.Second, HalfOpenMax: 1})

	b.ReportFailure("down.example.com")
	require.Error(t, b.Allow("down.example.com"))
	require.NoError(t, b.Allow("up.example.com"))

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, StateOpen, snap["down.example.com"])
}

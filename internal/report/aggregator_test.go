package report

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batchpilot/batchpilot/internal/batch"
)

func TestAggregatorGroupsPatterns(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(100)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		agg.Record(Record{
			URL:      fmt.Sprintf("https://example.com/p/%d", i),
			Category: batch.CategoryServer,
			Code:     "http_500",
			WorkerID: i % 2,
			At:       base.Add(time.Duration(i) * time.Second),
		})
	}
	agg.Record(Record{
		URL:      "https://example.com/missing",
		Category: batch.CategoryClient,
		Code:     "http_404",
		WorkerID: 1,
		At:       base.Add(10 * time.Second),
	})

	rep := agg.Build(20, 25)
	require.Equal(t, 5, rep.TotalErrors)
	require.Equal(t, 4, rep.CountsByCategory[batch.CategoryServer])
	require.Equal(t, 1, rep.CountsByCategory[batch.CategoryClient])

	require.Len(t, rep.Patterns, 2)
	top := rep.Patterns[0]
	require.Equal(t, "http_500", top.Code)
	require.Equal(t, 4, top.Count)
	require.Equal(t, base, top.FirstSeen)
	require.Equal(t, base.Add(3*time.Second), top.LastSeen)
	require.Len(t, top.Examples, 4)
	require.ElementsMatch(t, []int{0, 1}, top.Workers)
}

func TestAggregatorExampleCap(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(100)
	for i := 0; i < 10; i++ {
		agg.Record(Record{
			URL:      fmt.Sprintf("https://example.com/%d", i),
			Category: batch.CategoryTimeout,
			Code:     "deadline_exceeded",
		})
	}

	rep := agg.Build(0, 10)
	require.Len(t, rep.Patterns, 1)
	require.Equal(t, 10, rep.Patterns[0].Count)
	require.Len(t, rep.Patterns[0].Examples, maxExamplesPerPattern)
}

func TestAggregatorRingBufferEviction(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(3)
	for i := 0; i < 5; i++ {
		agg.Record(Record{
			URL:      fmt.Sprintf("https://example.com/%d", i),
			Category: batch.CategoryNetwork,
			Code:     "conn_refused",
		})
	}

	recent := agg.Recent()
	require.Len(t, recent, 3)
	require.Equal(t, "https://example.com/2", recent[0].URL)
	require.Equal(t, "https://example.com/4", recent[2].URL)

	// The counters keep the full picture even after eviction.
	rep := agg.Build(5, 10)
	require.Equal(t, 5, rep.TotalErrors)
	require.True(t, rep.Truncated)
	require.Equal(t, 5, rep.Patterns[0].Count)
}

func TestAggregatorRecommendations(t *testing.T) {
	t.Parallel()

	t.Run("timeouts suggest config changes", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(100)
		for i := 0; i < 4; i++ {
			agg.Record(Record{URL: "https://slow.example.com", Category: batch.CategoryTimeout, Code: "deadline_exceeded"})
		}
		rep := agg.Build(96, 100)
		rec := findRecommendation(t, rep, "timeouts observed")
		require.Equal(t, SeverityWarning, rec.Severity)
		require.Len(t, rec.Deltas, 2)
		require.Equal(t, "timeout_ms", rec.Deltas[0].Setting)
		require.Equal(t, "increase", rec.Deltas[0].Direction)
	})

	t.Run("rate limiting always warns", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(100)
		agg.Record(Record{URL: "https://example.com", Category: batch.CategoryRateLimit, Code: "http_429"})
		rep := agg.Build(99, 100)
		rec := findRecommendation(t, rep, "rate-limit")
		require.Equal(t, SeverityWarning, rec.Severity)
	})

	t.Run("zero successes is critical", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(100)
		agg.Record(Record{URL: "https://example.com", Category: batch.CategoryNetwork, Code: "conn_refused"})
		rep := agg.Build(0, 10)
		rec := findRecommendation(t, rep, "no URL succeeded")
		require.Equal(t, SeverityCritical, rec.Severity)
	})

	t.Run("high failure ratio is critical", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(100)
		for i := 0; i < 4; i++ {
			agg.Record(Record{URL: "https://example.com", Category: batch.CategoryServer, Code: "http_500"})
		}
		rep := agg.Build(6, 10)
		rec := findRecommendation(t, rep, "failure ratio")
		require.Equal(t, SeverityCritical, rec.Severity)
	})

	t.Run("404s hint at structure change", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(100)
		agg.Record(Record{URL: "https://example.com/old", Category: batch.CategoryClient, Code: "http_404"})
		rep := agg.Build(9, 10)
		rec := findRecommendation(t, rep, "structure may have changed")
		require.Equal(t, SeverityInfo, rec.Severity)
	})

	t.Run("clean run has no recommendations", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(100)
		rep := agg.Build(10, 10)
		require.Empty(t, rep.Recommendations)
	})
}

func findRecommendation(t *testing.T, rep Report, substr string) Recommendation {
	t.Helper()
	for _, rec := range rep.Recommendations {
		if strings.Contains(rec.Message, substr) {
			return rec
		}
	}
	t.Fatalf("no recommendation containing %q in %+v", substr, rep.Recommendations)
	return Recommendation{}
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
	"github.com/batchpilot/batchpilot/internal/checkpoint"
	"github.com/batchpilot/batchpilot/internal/clock/system"
	"github.com/batchpilot/batchpilot/internal/id/uuid"
	"github.com/batchpilot/batchpilot/internal/policy/breaker"
	"github.com/batchpilot/batchpilot/internal/policy/ratelimit"
	"github.com/batchpilot/batchpilot/internal/progress"
	"github.com/batchpilot/batchpilot/internal/retry"
)

// fakeProcessor is a scriptable collaborator that records every request.
type fakeProcessor struct {
	mu       sync.Mutex
	calls    int
	byURL    map[string]int
	inFlight int
	maxSeen  int
	delay    time.Duration
	fn       func(req batch.Request) (batch.Payload, error)
}

func newFakeProcessor(fn func(req batch.Request) (batch.Payload, error)) *fakeProcessor {
	return &fakeProcessor{byURL: make(map[string]int), fn: fn}
}

func (p *fakeProcessor) Process(ctx context.Context, req batch.Request) (batch.Payload, error) {
	p.mu.Lock()
	p.calls++
	p.byURL[req.URL]++
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.decInFlight()
			return batch.Payload{}, ctx.Err()
		case <-timer.C:
		}
	}
	p.decInFlight()

	if p.fn != nil {
		return p.fn(req)
	}
	return batch.Payload{URL: req.URL, StatusCode: 200}, nil
}

func (p *fakeProcessor) decInFlight() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *fakeProcessor) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProcessor) maxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen
}

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *captureEmitter) byStage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

// testEngine wires an Engine with wide-open limits unless overridden.
func testEngine(t *testing.T, proc batch.Processor, store checkpoint.Store, cfg Config) *Engine {
	t.Helper()
	return testEngineEmitting(t, proc, store, nil, cfg)
}

func testEngineEmitting(t *testing.T, proc batch.Processor, store checkpoint.Store, emitter progress.Emitter, cfg Config) *Engine {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.ScopeLimit{RequestsPerWindow: 1_000_000, Window: time.Minute, Burst: 1_000_000},
	})
	brk := breaker.New(breaker.Config{Threshold: 1_000_000, Reset: time.Hour, HalfOpenMax: 1}, zap.NewNop())
	if cfg.CircuitWait == 0 {
		cfg.CircuitWait = 5 * time.Millisecond
	}
	if cfg.PausePoll == 0 {
		cfg.PausePoll = 5 * time.Millisecond
	}
	return New(limiter, brk, proc, store, emitter, system.New(), uuid.New(), zap.NewNop(), cfg)
}

func urlsForHosts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://host%d.example.com/page", i)
	}
	return out
}

func TestProcessBatchValidatesAndDedupes(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	e := testEngine(t, proc, nil, Config{})

	urls := []string{
		"https://example.com/page",
		"not a url",
		"https://example.com/page?utm_source=newsletter",
		"https://other.example.com/data",
	}
	res, err := e.ProcessBatch(context.Background(), urls, batch.Options{Concurrency: 2})
	require.NoError(t, err)

	require.Equal(t, batch.StateCompleted, res.State)
	require.Equal(t, 4, res.Summary.Total)
	require.Equal(t, 2, res.Summary.Valid)
	require.Equal(t, 1, res.Summary.Invalid)
	require.Equal(t, 1, res.Summary.Duplicates)
	require.Equal(t, 2, res.Summary.Successful)
	require.Equal(t, 0, res.Summary.Failed)

	require.Len(t, res.Invalid, 1)
	require.Equal(t, "malformed", res.Invalid[0].Code)
	require.Equal(t, 1, res.Invalid[0].Index)

	require.Len(t, res.Duplicates, 1)
	require.Equal(t, 2, res.Duplicates[0].Index)
	require.Equal(t, 0, res.Duplicates[0].FirstIndex)

	// Only the two unique valid URLs reach the collaborator.
	require.Equal(t, 2, proc.totalCalls())
}

func TestProcessBatchPreservesInputOrder(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	proc.delay = 2 * time.Millisecond
	e := testEngine(t, proc, nil, Config{})

	urls := urlsForHosts(12)
	res, err := e.ProcessBatch(context.Background(), urls, batch.Options{Concurrency: 6})
	require.NoError(t, err)

	require.Len(t, res.Results, 12)
	for i, r := range res.Results {
		require.Equal(t, i, r.Index)
		require.True(t, r.Success)
	}
}

func TestProcessBatchRespectsConcurrencyBound(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	proc.delay = 20 * time.Millisecond
	e := testEngine(t, proc, nil, Config{})

	_, err := e.ProcessBatch(context.Background(), urlsForHosts(12), batch.Options{Concurrency: 3})
	require.NoError(t, err)
	require.LessOrEqual(t, proc.maxInFlight(), 3)
}

func TestRetryBudgetCapsAttempts(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(func(req batch.Request) (batch.Payload, error) {
		return batch.Payload{}, batch.NewHTTPError(req.URL, 500)
	})
	e := testEngine(t, proc, nil, Config{
		Retry: retry.Config{
			Overrides: map[batch.Category]retry.Rule{
				batch.CategoryServer: {MaxAttempts: 10, Backoff: retry.BackoffFixed, InitialDelay: time.Millisecond},
			},
		},
	})

	res, err := e.ProcessBatch(context.Background(),
		[]string{"https://example.com/flaky"},
		batch.Options{Concurrency: 1, MaxRetries: 3},
	)
	require.NoError(t, err)

	require.Equal(t, batch.StateCompleted, res.State)
	require.Len(t, res.Results, 1)
	require.False(t, res.Results[0].Success)
	require.Equal(t, 4, res.Results[0].Attempts, "initial attempt plus three retries")
	require.Equal(t, 4, proc.totalCalls())
	require.Equal(t, 3, res.Summary.Retries)
	require.Equal(t, batch.CategoryServer, res.Results[0].Category)
}

func TestZeroRetriesMeansSingleAttempt(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(func(req batch.Request) (batch.Payload, error) {
		return batch.Payload{}, batch.NewHTTPError(req.URL, 503)
	})
	e := testEngine(t, proc, nil, Config{})

	res, err := e.ProcessBatch(context.Background(),
		[]string{"https://example.com/down"},
		batch.Options{Concurrency: 1, MaxRetries: 0},
	)
	require.NoError(t, err)
	require.Equal(t, 1, proc.totalCalls())
	require.Equal(t, 1, res.Results[0].Attempts)
}

func TestOpenCircuitSkipsProcessor(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(func(req batch.Request) (batch.Payload, error) {
		return batch.Payload{}, batch.NewError(batch.CategoryNetwork, "conn_refused", req.URL, nil)
	})
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.ScopeLimit{RequestsPerWindow: 1_000_000, Window: time.Minute, Burst: 1_000_000},
	})
	brk := breaker.New(breaker.Config{Threshold: 2, Reset: time.Hour, HalfOpenMax: 1}, zap.NewNop())
	e := New(limiter, brk, proc, nil, nil, system.New(), uuid.New(), zap.NewNop(), Config{
		CircuitWait: time.Millisecond,
		Retry: retry.Config{
			Overrides: map[batch.Category]retry.Rule{
				batch.CategoryNetwork: {MaxAttempts: 1},
			},
		},
	})

	urls := make([]string, 6)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://down.example.com/p/%d", i)
	}
	res, err := e.ProcessBatch(context.Background(), urls, batch.Options{Concurrency: 1})
	require.NoError(t, err)

	// The first two failures trip the breaker; the rest fail fast without
	// touching the collaborator.
	require.Equal(t, 2, proc.totalCalls())
	var circuitFailures int
	for _, r := range res.Results {
		if r.Category == batch.CategoryCircuitOpen {
			circuitFailures++
			require.Equal(t, 0, r.Attempts)
		}
	}
	require.Equal(t, 4, circuitFailures)
	require.Equal(t, breaker.StateOpen, e.BreakerState("down.example.com"))
}

func TestStopMarksRemainingSkipped(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	proc.delay = 20 * time.Millisecond
	e := testEngine(t, proc, nil, Config{StopGrace: time.Second})

	type outcome struct {
		res *BatchResult
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, err := e.ProcessBatch(context.Background(), urlsForHosts(20), batch.Options{Concurrency: 1})
		resCh <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		return e.Progress().Completed >= 3
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop())

	out := <-resCh
	require.NoError(t, out.err)
	require.Equal(t, batch.StateStopped, out.res.State)
	require.Greater(t, out.res.Summary.Skipped, 0)
	require.Greater(t, out.res.Summary.Successful, 0)
	require.Equal(t, 20, out.res.Summary.Successful+out.res.Summary.Failed+out.res.Summary.Skipped)
}

func TestPauseHaltsDispatchUntilResume(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	proc.delay = 10 * time.Millisecond
	e := testEngine(t, proc, nil, Config{})

	resCh := make(chan *BatchResult, 1)
	go func() {
		res, err := e.ProcessBatch(context.Background(), urlsForHosts(15), batch.Options{Concurrency: 2})
		require.NoError(t, err)
		resCh <- res
	}()

	require.Eventually(t, func() bool {
		return e.Progress().Completed >= 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Pause())
	require.Equal(t, batch.StatePaused, e.State())

	// Give in-flight items time to land, then verify progress stalls.
	time.Sleep(60 * time.Millisecond)
	frozen := e.Progress().Completed
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, frozen, e.Progress().Completed)

	require.NoError(t, e.Resume())
	res := <-resCh
	require.Equal(t, batch.StateCompleted, res.State)
	require.Equal(t, 15, res.Summary.Successful)
}

func TestResumeSessionProcessesOnlyRemaining(t *testing.T) {
	t.Parallel()

	store, err := checkpoint.NewFSStore(t.TempDir(), checkpoint.Options{})
	require.NoError(t, err)
	defer store.Close()

	proc := newFakeProcessor(nil)
	proc.delay = 15 * time.Millisecond
	e := testEngine(t, proc, store, Config{StopGrace: time.Second})

	resCh := make(chan *BatchResult, 1)
	go func() {
		res, err := e.ProcessBatch(context.Background(), urlsForHosts(20), batch.Options{
			Concurrency:     1,
			SessionID:       "resume-test",
			CheckpointEvery: 1,
		})
		require.NoError(t, err)
		resCh <- res
	}()

	require.Eventually(t, func() bool {
		return e.Progress().Completed >= 7
	}, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop())
	first := <-resCh
	require.Equal(t, batch.StateStopped, first.State)
	firstSuccesses := first.Summary.Successful
	require.GreaterOrEqual(t, firstSuccesses, 7)
	require.Less(t, firstSuccesses, 20)

	proc2 := newFakeProcessor(nil)
	e2 := testEngine(t, proc2, store, Config{})
	res, err := e2.ResumeSession(context.Background(), "resume-test", batch.Options{Concurrency: 2})
	require.NoError(t, err)

	require.Equal(t, batch.StateCompleted, res.State)
	require.Equal(t, 20-firstSuccesses, proc2.totalCalls(), "only unprocessed URLs run again")
	require.Equal(t, 20, res.Summary.Successful)
	require.Equal(t, 20, res.Summary.Valid)
	require.Len(t, res.Results, 20)
	for i, r := range res.Results {
		require.Equal(t, i, r.Index)
	}

	// A completed session is no longer resumable.
	ok, err := store.CanResume(context.Background(), "resume-test")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProcessorPanicIsIsolated(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(func(req batch.Request) (batch.Payload, error) {
		if req.URL == "https://host1.example.com/page" {
			panic("boom")
		}
		return batch.Payload{URL: req.URL, StatusCode: 200}, nil
	})
	e := testEngine(t, proc, nil, Config{
		Retry: retry.Config{
			Overrides: map[batch.Category]retry.Rule{
				batch.CategoryUnknown: {MaxAttempts: 1},
			},
		},
	})

	res, err := e.ProcessBatch(context.Background(), urlsForHosts(4), batch.Options{Concurrency: 2})
	require.NoError(t, err)

	require.Equal(t, batch.StateCompleted, res.State)
	require.Equal(t, 3, res.Summary.Successful)
	require.Equal(t, 1, res.Summary.Failed)
	require.Equal(t, batch.CategoryUnknown, res.Results[1].Category)
	require.Contains(t, res.Results[1].Error, "processor_panic")
}

func TestEngineRejectsConcurrentJobs(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	proc.delay = 30 * time.Millisecond
	e := testEngine(t, proc, nil, Config{})

	go func() {
		_, _ = e.ProcessBatch(context.Background(), urlsForHosts(10), batch.Options{Concurrency: 1})
	}()
	require.Eventually(t, func() bool {
		return e.State() == batch.StateProcessing
	}, 5*time.Second, 5*time.Millisecond)

	_, err := e.ProcessBatch(context.Background(), urlsForHosts(1), batch.Options{})
	require.ErrorIs(t, err, ErrBusy)
	require.NoError(t, e.Stop())
}

func TestAllInvalidInputAborts(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	e := testEngine(t, proc, nil, Config{})

	res, err := e.ProcessBatch(context.Background(),
		[]string{"ftp://example.com/file", "not a url"}, batch.Options{})
	require.Nil(t, res)

	var nve *NoValidURLsError
	require.ErrorAs(t, err, &nve)
	require.Len(t, nve.Invalid, 2)
	require.Equal(t, "invalid_protocol", nve.Invalid[0].Code)
	require.Equal(t, "malformed", nve.Invalid[1].Code)
	require.Empty(t, nve.Duplicates)
	require.Zero(t, proc.totalCalls())
	require.Equal(t, batch.StateIdle, e.State())

	// The aborted submission releases the engine for the next job.
	next, err := e.ProcessBatch(context.Background(), urlsForHosts(1), batch.Options{})
	require.NoError(t, err)
	require.Equal(t, batch.StateCompleted, next.State)
}

func TestResumeSessionKeepsOriginalIndices(t *testing.T) {
	t.Parallel()

	store, err := checkpoint.NewFSStore(t.TempDir(), checkpoint.Options{})
	require.NoError(t, err)
	defer store.Close()

	// The first run's input had an invalid entry at index 0, so the valid
	// URLs carry indices 1 and 2.
	snap := &checkpoint.Snapshot{
		SessionID: "gapped",
		JobID:     "job-1",
		URLs: []checkpoint.SessionURL{
			{URL: "https://a.example.com/page", Index: 1},
			{URL: "https://b.example.com/page", Index: 2},
		},
		Processed: []checkpoint.URLRecord{
			{URL: "https://a.example.com/page", Index: 1, Success: true, Attempts: 1},
		},
	}
	require.NoError(t, store.Save(context.Background(), snap))

	proc := newFakeProcessor(nil)
	e := testEngine(t, proc, store, Config{})
	res, err := e.ResumeSession(context.Background(), "gapped", batch.Options{Concurrency: 1})
	require.NoError(t, err)

	require.Equal(t, 1, proc.totalCalls(), "only the unprocessed URL runs")
	require.Len(t, res.Results, 2)
	require.Equal(t, 1, res.Results[0].Index)
	require.Equal(t, "https://a.example.com/page", res.Results[0].URL)
	require.Equal(t, 2, res.Results[1].Index)
	require.Equal(t, "https://b.example.com/page", res.Results[1].URL)
}

func TestValidationEventCarriesCounts(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor(nil)
	emitter := &captureEmitter{}
	e := testEngineEmitting(t, proc, nil, emitter, Config{})

	urls := []string{
		"https://example.com/page",
		"not a url",
		"https://example.com/page?utm_source=newsletter",
		"https://other.example.com/data",
	}
	_, err := e.ProcessBatch(context.Background(), urls, batch.Options{Concurrency: 2})
	require.NoError(t, err)

	events := emitter.byStage(progress.StageValidation)
	require.Len(t, events, 1)
	evt := events[0]
	require.Equal(t, 2, evt.Valid)
	require.Equal(t, 1, evt.Invalid)
	require.Equal(t, 1, evt.Duplicates)
	require.Equal(t, 4, evt.Total)
	require.NoError(t, evt.Validate())
}

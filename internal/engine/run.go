package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
	"github.com/batchpilot/batchpilot/internal/checkpoint"
	"github.com/batchpilot/batchpilot/internal/progress"
	"github.com/batchpilot/batchpilot/internal/report"
	"github.com/batchpilot/batchpilot/internal/retry"
	"github.com/batchpilot/batchpilot/internal/telemetry"
)

const (
	// maxCircuitWaits bounds how often a task is parked behind an open
	// circuit before it fails terminally.
	maxCircuitWaits = 3
	// maxProcessorPanics is how many collaborator panics the job survives
	// before it transitions to the error state.
	maxProcessorPanics = 3
)

// run holds the mutable state of one job execution.
type run struct {
	e         *Engine
	jobID     string
	sessionID string
	opts      batch.Options
	policy    *retry.Policy
	agg       *report.Aggregator

	items      []batch.URLItem
	prior      []checkpoint.URLRecord
	allURLs    []checkpoint.SessionURL
	inputCount int
	rejected   []batch.Rejected
	dups       []batch.Duplicate
	total      int

	queue  *workQueue
	cancel context.CancelFunc

	paused  atomic.Bool
	aborted atomic.Bool
	failed  atomic.Bool
	panics  atomic.Int32

	pending        atomic.Int64
	completedCount atomic.Int64
	retries        atomic.Int64

	resMu           sync.Mutex
	results         []batch.Result
	filled          []bool
	sinceCheckpoint int

	startedAt time.Time
}

func (r *run) init(
	items []batch.URLItem,
	prior []checkpoint.URLRecord,
	allURLs []checkpoint.SessionURL,
	inputCount int,
	rejected []batch.Rejected,
	dups []batch.Duplicate,
) {
	r.items = items
	r.prior = prior
	r.allURLs = allURLs
	r.inputCount = inputCount
	r.rejected = rejected
	r.dups = dups
	r.total = len(items) + len(prior)
	r.results = make([]batch.Result, len(items))
	r.filled = make([]bool, len(items))
}

func (r *run) abort() {
	r.aborted.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	r.queueShutdown()
}

func (r *run) queueShutdown() {
	if r.queue != nil {
		r.queue.shutdown()
	}
}

func (r *run) failJob(reason string) {
	if r.failed.CompareAndSwap(false, true) {
		r.e.logger.Error("job failed", zap.String("job_id", r.jobID), zap.String("reason", reason))
		r.abort()
	}
}

// execute drives the job to a terminal state and assembles the result.
func (r *run) execute(ctx context.Context) (*BatchResult, error) {
	r.startedAt = r.e.clock.Now()
	e := r.e

	e.emit(progress.Event{
		JobID: r.jobID,
		TS:    r.startedAt,
		Stage: progress.StageJobStart,
		Total: r.total,
	})

	if len(r.items) > 0 {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		defer cancel()

		r.queue = newWorkQueue(len(r.items))
		r.pending.Store(int64(len(r.items)))
		for slot, item := range r.items {
			// Capacity equals the item count, so these sends cannot block.
			r.queue.ch <- task{item: item, slot: slot, currentURL: item.Normalized}
		}

		e.setState(r, batch.StateProcessing)

		workers := r.opts.Concurrency
		if workers > len(r.items) {
			workers = len(r.items)
		}
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go r.worker(runCtx, i, &wg)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-runCtx.Done():
			select {
			case <-done:
			case <-time.After(e.cfg.StopGrace):
				e.logger.Warn("workers still busy after stop grace period",
					zap.String("job_id", r.jobID), zap.Duration("grace", e.cfg.StopGrace))
			}
		}
	}

	return r.finalize(ctx)
}

func (r *run) worker(ctx context.Context, workerID int, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		t, err := r.queue.dequeue(ctx)
		if err != nil {
			return
		}
		r.handle(ctx, workerID, t)
		if d := r.opts.Delay; d > 0 && ctx.Err() == nil {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

func (r *run) handle(ctx context.Context, workerID int, t task) {
	// Paused workers hold their task and poll; nothing new is dispatched
	// until the job resumes.
	for r.paused.Load() && !r.aborted.Load() {
		timer := time.NewTimer(r.e.cfg.PausePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	if r.aborted.Load() || ctx.Err() != nil {
		return
	}

	host := t.item.Host

	// The breaker gate runs before rate limiting so an open circuit never
	// consumes an admission slot.
	if err := r.e.breaker.Allow(host); err != nil {
		t.circuitWaits++
		if t.circuitWaits > maxCircuitWaits {
			tagged := batch.Classify(t.currentURL, err)
			tagged.URL = t.currentURL
			r.agg.Record(report.Record{
				URL:      t.currentURL,
				Category: tagged.Category,
				Code:     tagged.Code,
				Message:  tagged.Error(),
				WorkerID: workerID,
				At:       r.e.clock.Now(),
			})
			r.recordFailure(t, tagged, workerID, 0)
			return
		}
		r.requeueAfter(ctx, t, r.e.cfg.CircuitWait)
		return
	}

	if err := r.e.limiter.Admit(ctx, host); err != nil {
		// Only context cancellation gets us here; the slot is filled as
		// skipped during finalize.
		return
	}

	t.attempt++
	start := r.e.clock.Now()
	payload, err := r.process(ctx, t)
	elapsed := r.e.clock.Now().Sub(start)

	if err == nil {
		r.e.breaker.ReportSuccess(host)
		r.recordSuccess(t, payload, workerID, elapsed)
		return
	}
	if ctx.Err() != nil {
		// The job was stopped mid-flight; do not count this against the URL.
		return
	}

	tagged := batch.Classify(t.currentURL, err)
	if tagged.URL == "" {
		tagged.URL = t.currentURL
	}
	r.agg.Record(report.Record{
		URL:      t.currentURL,
		Category: tagged.Category,
		Code:     tagged.Code,
		Message:  tagged.Error(),
		WorkerID: workerID,
		At:       r.e.clock.Now(),
	})
	r.e.breaker.ReportFailure(host)
	r.policy.MarkAttempted(t.item.Normalized, t.currentURL)

	decision := r.policy.Decide(tagged, t.item.Normalized, t.currentURL, t.attempt, r.opts.MaxRetries+1)
	if !decision.Retry {
		r.recordFailure(t, tagged, workerID, elapsed)
		return
	}

	r.retries.Add(1)
	telemetry.CountRetry(string(tagged.Category))
	r.e.logger.Debug("retrying url",
		zap.String("job_id", r.jobID),
		zap.String("url", t.currentURL),
		zap.String("next_url", decision.URL),
		zap.String("category", string(tagged.Category)),
		zap.Int("attempt", t.attempt),
		zap.Duration("delay", decision.Delay),
	)

	next := t
	next.currentURL = decision.URL
	if decision.Identity != "" {
		next.headers = http.Header{"User-Agent": []string{decision.Identity}}
	}
	r.requeueAfter(ctx, next, decision.Delay)
}

// process invokes the collaborator under the per-item timeout, converting
// panics into failures so one bad URL cannot kill the worker pool.
func (r *run) process(ctx context.Context, t task) (payload batch.Payload, err error) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	defer func() {
		if rec := recover(); rec != nil {
			err = batch.NewError(batch.CategoryUnknown, "processor_panic", t.currentURL, fmt.Errorf("panic: %v", rec))
			r.e.logger.Error("processor panic",
				zap.String("job_id", r.jobID),
				zap.String("url", t.currentURL),
				zap.Any("panic", rec),
			)
			if r.panics.Add(1) >= maxProcessorPanics {
				r.failJob("processor panicked repeatedly")
			}
		}
	}()

	itemCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	return r.e.processor.Process(itemCtx, batch.Request{
		JobID:   r.jobID,
		URL:     t.currentURL,
		Index:   t.item.Index,
		Attempt: t.attempt,
		Headers: t.headers,
	})
}

// requeueAfter re-enqueues t after delay without blocking the worker. The
// task keeps its pending slot, so the queue stays open until it lands.
func (r *run) requeueAfter(ctx context.Context, t task, delay time.Duration) {
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if err := r.queue.enqueue(ctx, t); err != nil {
			r.e.logger.Debug("requeue dropped", zap.String("url", t.currentURL), zap.Error(err))
		}
	}()
}

func (r *run) recordSuccess(t task, payload batch.Payload, workerID int, elapsed time.Duration) {
	p := payload
	r.record(t, batch.Result{
		URL:        t.item.Normalized,
		Index:      t.item.Index,
		Success:    true,
		Payload:    &p,
		Attempts:   t.attempt,
		Elapsed:    elapsed,
		WorkerID:   workerID,
		FinishedAt: r.e.clock.Now(),
	})
}

func (r *run) recordFailure(t task, tagged *batch.Error, workerID int, elapsed time.Duration) {
	r.record(t, batch.Result{
		URL:        t.item.Normalized,
		Index:      t.item.Index,
		Category:   tagged.Category,
		Error:      tagged.Error(),
		Attempts:   t.attempt,
		Elapsed:    elapsed,
		WorkerID:   workerID,
		FinishedAt: r.e.clock.Now(),
	})
}

// record stores a terminal outcome, emits progress, and checkpoints on the
// configured cadence. The last terminal outcome shuts the queue down.
func (r *run) record(t task, res batch.Result) {
	var snap *checkpoint.Snapshot
	r.resMu.Lock()
	if r.filled[t.slot] {
		r.resMu.Unlock()
		return
	}
	r.results[t.slot] = res
	r.filled[t.slot] = true
	r.sinceCheckpoint++
	if r.e.store != nil && r.sinceCheckpoint >= r.opts.CheckpointEvery {
		r.sinceCheckpoint = 0
		snap = r.snapshotLocked(false)
	}
	r.resMu.Unlock()

	completed := int(r.completedCount.Add(1)) + len(r.prior)

	outcome := progress.OutcomeFailure
	if res.Success {
		outcome = progress.OutcomeSuccess
	}
	telemetry.ObserveItem(string(outcome), string(res.Category), res.Elapsed)
	r.e.emit(progress.Event{
		JobID:     r.jobID,
		TS:        res.FinishedAt,
		Stage:     progress.StageItemDone,
		Completed: completed,
		Total:     r.total,
		URL:       res.URL,
		Host:      t.item.Host,
		Outcome:   outcome,
		Category:  string(res.Category),
		Attempts:  res.Attempts,
		Dur:       res.Elapsed,
	})

	if snap != nil {
		r.saveSnapshot(snap)
	}

	if r.pending.Add(-1) == 0 {
		r.queueShutdown()
	}
}

func (r *run) snapshotLocked(completed bool) *checkpoint.Snapshot {
	snap := &checkpoint.Snapshot{
		SessionID: r.sessionID,
		JobID:     r.jobID,
		URLs:      r.allURLs,
		Completed: completed,
	}
	snap.Processed = append(snap.Processed, r.prior...)
	for slot, ok := range r.filled {
		if !ok {
			continue
		}
		res := r.results[slot]
		if res.Skipped {
			continue
		}
		snap.Processed = append(snap.Processed, checkpoint.URLRecord{
			URL:      res.URL,
			Index:    res.Index,
			Success:  res.Success,
			Category: string(res.Category),
			Message:  res.Error,
			Attempts: res.Attempts,
		})
	}
	return snap
}

func (r *run) saveSnapshot(snap *checkpoint.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.e.store.Save(ctx, snap); err != nil {
		r.e.logger.Warn("checkpoint save failed", zap.String("session_id", r.sessionID), zap.Error(err))
		return
	}
	r.e.emit(progress.Event{
		JobID:     r.jobID,
		TS:        r.e.clock.Now(),
		Stage:     progress.StageCheckpoint,
		Completed: int(r.completedCount.Load()) + len(r.prior),
		Total:     r.total,
	})
}

// finalize fills skipped slots, persists the closing checkpoint, and builds
// the job result.
func (r *run) finalize(ctx context.Context) (*BatchResult, error) {
	e := r.e
	finishedAt := e.clock.Now()

	var state batch.State
	switch {
	case r.failed.Load():
		state = batch.StateError
	case r.aborted.Load() || ctx.Err() != nil:
		state = batch.StateStopped
	default:
		state = batch.StateCompleted
	}

	r.resMu.Lock()
	for slot := range r.filled {
		if r.filled[slot] {
			continue
		}
		item := r.items[slot]
		r.results[slot] = batch.Result{
			URL:        item.Normalized,
			Index:      item.Index,
			Skipped:    true,
			FinishedAt: finishedAt,
		}
		r.filled[slot] = true
	}
	snap := r.snapshotLocked(state == batch.StateCompleted)
	results := append([]batch.Result(nil), r.results...)
	r.resMu.Unlock()

	// Fold outcomes from the earlier portion of a resumed session into the
	// final result set.
	for _, rec := range r.prior {
		res := batch.Result{
			URL:      rec.URL,
			Index:    rec.Index,
			Success:  rec.Success,
			Skipped:  rec.Skipped,
			Attempts: rec.Attempts,
		}
		if !rec.Success && !rec.Skipped {
			res.Category = batch.Category(rec.Category)
			res.Error = rec.Message
		}
		results = append(results, res)
	}
	sortResults(results)

	summary := r.buildSummary(results, finishedAt)

	if e.store != nil {
		r.saveSnapshot(snap)
		if n, err := e.store.Prune(context.Background()); err != nil {
			e.logger.Warn("checkpoint prune failed", zap.Error(err))
		} else if n > 0 {
			e.logger.Debug("pruned checkpoint sessions", zap.Int("removed", n))
		}
	}

	e.setState(r, state)
	telemetry.CountJob(string(state))

	stage := progress.StageJobDone
	if state == batch.StateError {
		stage = progress.StageJobError
	}
	e.emit(progress.Event{
		JobID:     r.jobID,
		TS:        finishedAt,
		Stage:     stage,
		Completed: summary.Successful + summary.Failed + summary.Skipped,
		Total:     r.total,
		Dur:       finishedAt.Sub(r.startedAt),
	})

	return &BatchResult{
		JobID:      r.jobID,
		SessionID:  r.sessionID,
		State:      state,
		Results:    results,
		Invalid:    r.rejected,
		Duplicates: r.dups,
		Summary:    summary,
		Report:     r.agg.Build(summary.Successful, summary.Successful+summary.Failed+summary.Skipped),
		StartedAt:  r.startedAt,
		FinishedAt: finishedAt,
	}, nil
}

func (r *run) buildSummary(results []batch.Result, finishedAt time.Time) batch.Summary {
	s := batch.Summary{
		Total:      r.inputCount,
		Valid:      r.total,
		Invalid:    len(r.rejected),
		Duplicates: len(r.dups),
		Retries:    int(r.retries.Load()),
	}
	for _, res := range results {
		switch {
		case res.Success:
			s.Successful++
		case res.Skipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	processed := s.Successful + s.Failed + s.Skipped
	if processed > 0 {
		s.SuccessRate = float64(s.Successful) / float64(processed) * 100
	}
	if elapsed := finishedAt.Sub(r.startedAt).Seconds(); elapsed > 0 {
		s.Throughput = float64(int(r.completedCount.Load())) / elapsed
	}
	return s
}

// Package engine implements the resilient batch processing core: validation,
// the bounded worker pool, retry orchestration, checkpointing, and job
// lifecycle control.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
	"github.com/batchpilot/batchpilot/internal/checkpoint"
	"github.com/batchpilot/batchpilot/internal/policy/breaker"
	"github.com/batchpilot/batchpilot/internal/policy/ratelimit"
	"github.com/batchpilot/batchpilot/internal/progress"
	"github.com/batchpilot/batchpilot/internal/report"
	"github.com/batchpilot/batchpilot/internal/retry"
)

// Lifecycle errors returned by the control surface.
var (
	ErrBusy        = errors.New("engine: a job is already running")
	ErrNoActiveJob = errors.New("engine: no active job")
	ErrNotPaused   = errors.New("engine: job is not paused")
	ErrNotRunning  = errors.New("engine: job is not running")
)

// NoValidURLsError is returned when validation rejects every input URL, so
// the job has nothing to process. It carries the rejection detail.
type NoValidURLsError struct {
	Invalid    []batch.Rejected
	Duplicates []batch.Duplicate
}

func (e *NoValidURLsError) Error() string {
	return fmt.Sprintf("engine: no valid urls after validation (%d invalid, %d duplicates)",
		len(e.Invalid), len(e.Duplicates))
}

// Config tunes engine behavior across jobs.
type Config struct {
	// Defaults fills unset per-job options.
	Defaults batch.Options
	// Retry configures the per-category retry policy.
	Retry retry.Config
	// StopGrace bounds how long Stop waits for in-flight work.
	StopGrace time.Duration
	// PausePoll is how often paused workers re-check the pause flag.
	PausePoll time.Duration
	// CircuitWait is how long a task parks before re-checking an open circuit.
	CircuitWait time.Duration
}

const (
	defaultStopGrace   = 5 * time.Second
	defaultPausePoll   = 100 * time.Millisecond
	defaultCircuitWait = time.Second
)

// Engine coordinates batch jobs. It runs one job at a time; the control
// methods act on the active job.
type Engine struct {
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	processor batch.Processor
	store     checkpoint.Store
	emitter   progress.Emitter
	validator *batch.Validator
	clock     batch.Clock
	ids       batch.IDGenerator
	logger    *zap.Logger
	cfg       Config

	mu     sync.Mutex
	active *run
	state  atomic.Value
}

// New constructs an Engine. store and emitter may be nil, which disables
// checkpointing and progress events respectively.
func New(
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	processor batch.Processor,
	store checkpoint.Store,
	emitter progress.Emitter,
	clock batch.Clock,
	ids batch.IDGenerator,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = defaultPausePoll
	}
	if cfg.CircuitWait <= 0 {
		cfg.CircuitWait = defaultCircuitWait
	}
	e := &Engine{
		limiter:   limiter,
		breaker:   brk,
		processor: processor,
		store:     store,
		emitter:   emitter,
		validator: batch.NewValidator(),
		clock:     clock,
		ids:       ids,
		logger:    logger,
		cfg:       cfg,
	}
	e.state.Store(string(batch.StateIdle))
	return e
}

// BatchResult is the terminal outcome of one job.
type BatchResult struct {
	JobID      string            `json:"job_id"`
	SessionID  string            `json:"session_id"`
	State      batch.State       `json:"state"`
	Results    []batch.Result    `json:"results"`
	Invalid    []batch.Rejected  `json:"invalid"`
	Duplicates []batch.Duplicate `json:"duplicates"`
	Summary    batch.Summary     `json:"summary"`
	Report     report.Report     `json:"error_report"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Progress is a point-in-time view of the active or last job.
type Progress struct {
	JobID      string      `json:"job_id"`
	State      batch.State `json:"state"`
	Completed  int         `json:"completed"`
	Total      int         `json:"total"`
	Percentage float64     `json:"percentage"`
	CurrentURL string      `json:"current_url,omitempty"`
}

// ProcessBatch validates, dedupes, and processes urls, blocking until the job
// reaches a terminal state. Only one job may run at a time.
func (e *Engine) ProcessBatch(ctx context.Context, urls []string, opts batch.Options) (*BatchResult, error) {
	opts = e.withDefaults(opts)

	jobID, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = jobID
	}

	r, err := e.beginRun(jobID, sessionID, opts)
	if err != nil {
		return nil, err
	}
	defer e.endRun(r)

	e.setState(r, batch.StateValidating)
	items, rejected, dups := e.validator.Dedupe(urls)
	e.emit(progress.Event{
		JobID:      jobID,
		TS:         e.clock.Now(),
		Stage:      progress.StageValidation,
		Total:      len(urls),
		Valid:      len(items),
		Invalid:    len(rejected),
		Duplicates: len(dups),
	})
	if len(items) == 0 {
		e.setState(r, batch.StateIdle)
		return nil, &NoValidURLsError{Invalid: rejected, Duplicates: dups}
	}

	r.init(items, nil, sessionURLs(items), len(urls), rejected, dups)
	return r.execute(ctx)
}

// ResumeSession reloads a checkpointed session and processes only the URLs
// that have no recorded outcome. Outcomes from the earlier run are folded
// into the final result.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string, opts batch.Options) (*BatchResult, error) {
	if e.store == nil {
		return nil, errors.New("engine: no checkpoint store configured")
	}
	ok, err := e.store.CanResume(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("engine: session %s is not resumable", sessionID)
	}
	snap, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	opts = e.withDefaults(opts)
	opts.SessionID = sessionID

	jobID, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	r, err := e.beginRun(jobID, sessionID, opts)
	if err != nil {
		return nil, err
	}
	defer e.endRun(r)

	e.setState(r, batch.StateValidating)
	var items []batch.URLItem
	for _, entry := range snap.Remaining() {
		res := e.validator.Validate(entry.URL)
		if !res.OK {
			// Snapshots only ever hold URLs that passed validation; a
			// mismatch means the snapshot was tampered with or corrupted.
			return nil, fmt.Errorf("engine: session %s holds invalid url %q", sessionID, entry.URL)
		}
		items = append(items, batch.URLItem{
			Raw:        entry.URL,
			Normalized: res.Normalized,
			Host:       res.Host,
			Index:      entry.Index,
		})
	}
	e.emit(progress.Event{
		JobID: jobID,
		TS:    e.clock.Now(),
		Stage: progress.StageValidation,
		Total: len(snap.URLs),
		Valid: len(snap.URLs),
	})

	r.init(items, snap.Processed, snap.URLs, len(snap.URLs), nil, nil)
	return r.execute(ctx)
}

// Pause suspends dispatch of the active job. In-flight items finish.
func (e *Engine) Pause() error {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r == nil {
		return ErrNoActiveJob
	}
	if batch.State(e.state.Load().(string)) != batch.StateProcessing {
		return ErrNotRunning
	}
	r.paused.Store(true)
	e.setState(r, batch.StatePaused)
	return nil
}

// Resume continues a paused job.
func (e *Engine) Resume() error {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r == nil {
		return ErrNoActiveJob
	}
	if !r.paused.Load() {
		return ErrNotPaused
	}
	r.paused.Store(false)
	e.setState(r, batch.StateProcessing)
	return nil
}

// Stop aborts the active job. Unprocessed URLs are marked skipped; the
// partial result is still checkpointed and returned to the ProcessBatch
// caller.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r == nil {
		return ErrNoActiveJob
	}
	r.abort()
	return nil
}

// State returns the lifecycle state of the active or most recent job.
func (e *Engine) State() batch.State {
	return batch.State(e.state.Load().(string))
}

// Progress returns a snapshot of the current job's progress.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	p := Progress{State: e.State()}
	if r == nil {
		return p
	}
	p.JobID = r.jobID
	p.Completed = int(r.completedCount.Load()) + len(r.prior)
	p.Total = r.total
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// BreakerState exposes the circuit state for host, for diagnostics.
func (e *Engine) BreakerState(host string) breaker.State {
	return e.breaker.State(host)
}

func (e *Engine) beginRun(jobID, sessionID string, opts batch.Options) (*run, error) {
	r := &run{
		e:         e,
		jobID:     jobID,
		sessionID: sessionID,
		opts:      opts,
		policy:    retry.NewPolicy(e.cfg.Retry),
		agg:       report.NewAggregator(opts.ErrorReportSize),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, ErrBusy
	}
	e.active = r
	return r, nil
}

func (e *Engine) endRun(r *run) {
	e.mu.Lock()
	if e.active == r {
		e.active = nil
	}
	e.mu.Unlock()
}

func (e *Engine) setState(r *run, s batch.State) {
	e.state.Store(string(s))
	e.logger.Info("job state change", zap.String("job_id", r.jobID), zap.String("state", string(s)))
	e.emit(progress.Event{
		JobID:     r.jobID,
		TS:        e.clock.Now(),
		Stage:     progress.StageJobState,
		State:     string(s),
		Completed: int(r.completedCount.Load()) + len(r.prior),
		Total:     r.total,
	})
}

func (e *Engine) emit(evt progress.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) withDefaults(opts batch.Options) batch.Options {
	def := e.cfg.Defaults
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	// MaxRetries < 0 means "unset"; zero is a valid request for no retries.
	if opts.MaxRetries < 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 3
	}
	if opts.ErrorReportSize <= 0 {
		opts.ErrorReportSize = def.ErrorReportSize
	}
	if opts.ErrorReportSize <= 0 {
		opts.ErrorReportSize = 100
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = def.CheckpointEvery
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 10
	}
	if opts.Delay == 0 && def.Delay > 0 {
		opts.Delay = def.Delay
	}
	return opts
}

func sessionURLs(items []batch.URLItem) []checkpoint.SessionURL {
	out := make([]checkpoint.SessionURL, len(items))
	for i, it := range items {
		out[i] = checkpoint.SessionURL{URL: it.Normalized, Index: it.Index}
	}
	return out
}

func sortResults(results []batch.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})
}

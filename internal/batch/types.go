// Package batch defines core types shared across subsystems.
package batch

import (
	"time"
)

// State represents the lifecycle state of the batch engine.
type State string

// Engine lifecycle states. Completed, stopped, and error are terminal.
const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Terminal reports whether the state ends a job.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateError:
		return true
	default:
		return false
	}
}

// Options captures per-job configuration knobs requested by the caller.
type Options struct {
	Concurrency     int           `json:"concurrency"`
	Delay           time.Duration `json:"delay"`
	Timeout         time.Duration `json:"timeout"`
	MaxRetries      int           `json:"max_retries"`
	ErrorReportSize int           `json:"error_report_size"`
	CheckpointEvery int           `json:"checkpoint_every"`
	SessionID       string        `json:"session_id,omitempty"`
}

// URLItem is one validated input URL. The normalized form is the dedup key;
// Index preserves the caller's input ordering in the output.
type URLItem struct {
	Raw        string `json:"raw"`
	Normalized string `json:"normalized"`
	Host       string `json:"host"`
	Index      int    `json:"index"`
}

// Rejected records an input URL that failed validation. Code is the
// validation subcategory (malformed, invalid_protocol, invalid_host,
// private_host, too_long).
type Rejected struct {
	Raw      string   `json:"raw"`
	Index    int      `json:"index"`
	Category Category `json:"category"`
	Code     string   `json:"code"`
	Reason   string   `json:"reason"`
}

// Duplicate records an input URL whose normalized form was already seen.
type Duplicate struct {
	Raw        string `json:"raw"`
	Index      int    `json:"index"`
	FirstIndex int    `json:"first_index"`
}

// Payload is the opaque outcome produced by the fetch/extract collaborator.
// The engine records it without interpreting it.
type Payload struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Data       []byte            `json:"data,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Result is the terminal outcome of fully processing one URLItem.
type Result struct {
	URL        string        `json:"url"`
	Index      int           `json:"index"`
	Success    bool          `json:"success"`
	Skipped    bool          `json:"skipped,omitempty"`
	Payload    *Payload      `json:"payload,omitempty"`
	Category   Category      `json:"category,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
	WorkerID   int           `json:"worker_id"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Summary aggregates counters for a finished job.
type Summary struct {
	Total       int     `json:"total"`
	Valid       int     `json:"valid"`
	Invalid     int     `json:"invalid"`
	Duplicates  int     `json:"duplicates"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Retries     int     `json:"retries"`
	SuccessRate float64 `json:"success_rate"`
	Throughput  float64 `json:"throughput_per_sec"`
}

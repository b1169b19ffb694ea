// Package progress defines the event stream emitted by the batch engine and
// the hub that fans events out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageValidation Stage = "VALIDATION"
	StageJobState   Stage = "JOB_STATE"
	StageItemDone   Stage = "ITEM_DONE"
	StageCheckpoint Stage = "CHECKPOINT"
	StageJobDone    Stage = "JOB_DONE"
	StageJobError   Stage = "JOB_ERROR"
)

// Outcome is the terminal result of one item.
type Outcome string

// Item outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Event captures a single milestone of batch progress.
type Event struct {
	// JobID identifies the job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or item milestone occurred.
	Stage Stage
	// State carries the engine state for JOB_STATE events.
	State string
	// Completed and Total describe job progress at the time of the event.
	Completed int
	Total     int
	// Valid, Invalid, and Duplicates carry the input counts for VALIDATION
	// events.
	Valid      int
	Invalid    int
	Duplicates int
	// URL and Host scope item events.
	URL  string
	Host string
	// Outcome and Category describe ITEM_DONE events.
	Outcome  Outcome
	Category string
	// Attempts is the number of attempts the item consumed.
	Attempts int
	// Dur captures item latency or, for JOB_DONE, total job runtime.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Percentage returns job completion as a value in [0, 100].
func (e Event) Percentage() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Completed) / float64(e.Total) * 100
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageCheckpoint:
	case StageValidation:
		if e.Valid < 0 || e.Invalid < 0 || e.Duplicates < 0 {
			return errors.New("validation counts must be >= 0")
		}
	case StageJobState:
		if e.State == "" {
			return errors.New("state event requires state")
		}
	case StageItemDone:
		if e.URL == "" {
			return errors.New("item event requires url")
		}
		if e.Outcome == "" {
			return errors.New("item event requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Completed < 0 || e.Total < 0 || e.Completed > e.Total && e.Total > 0 {
		return errors.New("completed/total out of range")
	}
	return nil
}

// Package checkpoint persists session snapshots so interrupted batch jobs
// can resume without reprocessing completed URLs.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist in the store.
var ErrNotFound = errors.New("checkpoint: session not found")

// URLRecord is the persisted outcome of one processed URL.
type URLRecord struct {
	URL      string `json:"url"`
	Index    int    `json:"index"`
	Success  bool   `json:"success"`
	Skipped  bool   `json:"skipped,omitempty"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`
	Attempts int    `json:"attempts"`
}

// SessionURL pairs a validated URL with its index in the original input.
// Indices are not contiguous when the input contained invalid or duplicate
// entries, so the snapshot must carry them rather than re-derive them.
type SessionURL struct {
	URL   string `json:"url"`
	Index int    `json:"index"`
}

// Snapshot is the durable state of one session. URLs holds the full validated
// input in processing order; Processed holds the outcomes recorded so far.
type Snapshot struct {
	SessionID string       `json:"session_id"`
	JobID     string       `json:"job_id"`
	URLs      []SessionURL `json:"urls"`
	Processed []URLRecord  `json:"processed"`
	Completed bool         `json:"completed"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Remaining returns the URLs that have no recorded outcome yet, preserving
// their original order and input indices.
func (s *Snapshot) Remaining() []SessionURL {
	done := make(map[string]struct{}, len(s.Processed))
	for _, rec := range s.Processed {
		done[rec.URL] = struct{}{}
	}
	var out []SessionURL
	for _, u := range s.URLs {
		if _, ok := done[u.URL]; !ok {
			out = append(out, u)
		}
	}
	return out
}

// Options tunes snapshot retention. Prune removes completed sessions beyond
// Retention and any session older than Expiry.
type Options struct {
	Retention int
	Expiry    time.Duration
}

// Store persists session snapshots.
type Store interface {
	// Save writes or replaces the snapshot for its session.
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns the snapshot for sessionID, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	// CanResume reports whether sessionID exists and is incomplete.
	CanResume(ctx context.Context, sessionID string) (bool, error)
	// Prune applies the retention policy and returns the number of sessions removed.
	Prune(ctx context.Context) (int, error)
	// Close releases store resources.
	Close() error
}

const (
	defaultRetention = 20
	defaultExpiry    = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.Expiry <= 0 {
		o.Expiry = defaultExpiry
	}
	return o
}

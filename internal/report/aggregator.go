// Package report aggregates per-item failures into patterns and turns the
// aggregate into actionable configuration recommendations.
package report

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/batchpilot/batchpilot/internal/batch"
)

const maxExamplesPerPattern = 5

// Record is one failure observation fed to the aggregator.
type Record struct {
	URL      string
	Category batch.Category
	Code     string
	Message  string
	WorkerID int
	At       time.Time
}

// Pattern groups failures that share a category and code.
type Pattern struct {
	Category  batch.Category `json:"category"`
	Code      string         `json:"code"`
	Count     int            `json:"count"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Examples  []string       `json:"examples"`
	Workers   []int          `json:"workers"`
}

// Severity grades a recommendation.
type Severity string

// Recommendation severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ConfigDelta is a suggested change to one configuration knob.
type ConfigDelta struct {
	Setting   string `json:"setting"`
	Direction string `json:"direction"`
	Hint      string `json:"hint,omitempty"`
}

// Recommendation is one derived suggestion for the operator.
type Recommendation struct {
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Deltas   []ConfigDelta `json:"deltas,omitempty"`
}

// Report is the aggregate failure picture for a finished job.
type Report struct {
	TotalErrors      int                    `json:"total_errors"`
	CountsByCategory map[batch.Category]int `json:"counts_by_category"`
	Patterns         []Pattern              `json:"patterns"`
	Recommendations  []Recommendation       `json:"recommendations"`
	Truncated        bool                   `json:"truncated"`
}

// Aggregator collects failure records under a fixed memory cap. Per-record
// detail beyond the cap is discarded oldest-first; pattern counters are never
// truncated.
type Aggregator struct {
	mu       sync.Mutex
	cap      int
	recent   []Record
	start    int
	count    int
	patterns map[patternKey]*Pattern
	byCat    map[batch.Category]int
	total    int
}

type patternKey struct {
	category batch.Category
	code     string
}

// NewAggregator creates an Aggregator retaining at most cap detailed records.
func NewAggregator(cap int) *Aggregator {
	if cap <= 0 {
		cap = 100
	}
	return &Aggregator{
		cap:      cap,
		recent:   make([]Record, cap),
		patterns: make(map[patternKey]*Pattern),
		byCat:    make(map[batch.Category]int),
	}
}

// Record folds one failure into the aggregate.
func (a *Aggregator) Record(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.byCat[rec.Category]++

	// Ring buffer: once full, the oldest record is overwritten.
	idx := (a.start + a.count) % a.cap
	if a.count == a.cap {
		a.recent[a.start] = rec
		a.start = (a.start + 1) % a.cap
	} else {
		a.recent[idx] = rec
		a.count++
	}

	key := patternKey{category: rec.Category, code: rec.Code}
	p, ok := a.patterns[key]
	if !ok {
		p = &Pattern{Category: rec.Category, Code: rec.Code, FirstSeen: rec.At}
		a.patterns[key] = p
	}
	p.Count++
	p.LastSeen = rec.At
	if len(p.Examples) < maxExamplesPerPattern {
		p.Examples = append(p.Examples, rec.URL)
	}
	if !containsInt(p.Workers, rec.WorkerID) {
		p.Workers = append(p.Workers, rec.WorkerID)
	}
}

// Total returns the number of failures recorded so far.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Recent returns the retained detailed records, oldest first.
func (a *Aggregator) Recent() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record, 0, a.count)
	for i := 0; i < a.count; i++ {
		out = append(out, a.recent[(a.start+i)%a.cap])
	}
	return out
}

// Build produces the final report. successful and total describe the whole
// job and drive the job-level recommendations.
func (a *Aggregator) Build(successful, total int) Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	rep := Report{
		TotalErrors:      a.total,
		CountsByCategory: make(map[batch.Category]int, len(a.byCat)),
		Truncated:        a.total > a.cap,
	}
	for cat, n := range a.byCat {
		rep.CountsByCategory[cat] = n
	}
	rep.Patterns = make([]Pattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		cp := *p
		cp.Examples = append([]string(nil), p.Examples...)
		cp.Workers = append([]int(nil), p.Workers...)
		rep.Patterns = append(rep.Patterns, cp)
	}
	sort.Slice(rep.Patterns, func(i, j int) bool {
		if rep.Patterns[i].Count != rep.Patterns[j].Count {
			return rep.Patterns[i].Count > rep.Patterns[j].Count
		}
		return rep.Patterns[i].Code < rep.Patterns[j].Code
	})
	rep.Recommendations = a.recommendLocked(successful, total)
	return rep
}

// recommendLocked derives operator guidance from the aggregate counters.
func (a *Aggregator) recommendLocked(successful, total int) []Recommendation {
	var recs []Recommendation

	if total > 0 && successful == 0 && a.total > 0 {
		recs = append(recs, Recommendation{
			Severity: SeverityCritical,
			Message:  "no URL succeeded; the target site may be down, moved, or blocking all requests",
		})
	}
	if total > 0 {
		ratio := float64(a.total) / float64(total)
		if ratio > 0.3 {
			recs = append(recs, Recommendation{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("failure ratio %.0f%% exceeds 30%%; review connectivity and target health before rerunning", ratio*100),
			})
		}
	}
	if n := a.byCat[batch.CategoryTimeout]; n > 3 {
		recs = append(recs, Recommendation{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d timeouts observed; the targets may be slow or overloaded", n),
			Deltas: []ConfigDelta{
				{Setting: "timeout_ms", Direction: "increase", Hint: "give slow origins more headroom"},
				{Setting: "concurrency", Direction: "decrease", Hint: "reduce pressure on the origin"},
			},
		})
	}
	if n := a.byCat[batch.CategoryNetwork]; n > 5 {
		recs = append(recs, Recommendation{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d network errors observed; check outbound connectivity and DNS", n),
		})
	}
	if n := a.byCat[batch.CategoryRateLimit]; n > 0 {
		recs = append(recs, Recommendation{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d rate-limit responses observed; the current request rate is too aggressive", n),
			Deltas: []ConfigDelta{
				{Setting: "delay_ms", Direction: "increase"},
				{Setting: "concurrency", Direction: "decrease"},
			},
		})
	}
	if n := a.codeCountLocked("http_404"); n > 0 {
		recs = append(recs, Recommendation{
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("%d URLs returned 404; the site URL structure may have changed", n),
		})
	}
	if n := a.codeCountLocked("http_403"); n > 0 {
		recs = append(recs, Recommendation{
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("%d URLs returned 403; the site may restrict automated access", n),
		})
	}
	return recs
}

func (a *Aggregator) codeCountLocked(code string) int {
	n := 0
	for key, p := range a.patterns {
		if key.code == code {
			n += p.Count
		}
	}
	return n
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

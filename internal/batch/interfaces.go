package batch

import (
	"context"
	"net/http"
	"time"
)

// Request carries one fetch attempt to the Processor.
type Request struct {
	JobID   string
	URL     string
	Index   int
	Attempt int
	Headers http.Header
}

// Processor is the injected fetch/extract collaborator. Implementations must
// honor ctx cancellation and return tagged *Error values on failure so the
// retry engine can classify them.
type Processor interface {
	Process(ctx context.Context, req Request) (Payload, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

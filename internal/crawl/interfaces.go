package crawl

import (
	"context"
	"time"
)

// Registry is the single source of truth for job records. It is the only
// writer of job state; all other components go through this contract.
type Registry interface {
	// Create inserts a new record in pending state. It never blocks on slot
	// availability.
	Create(ctx context.Context, spiderName string) (Job, error)
	// Transition validates the edge against the state machine and atomically
	// applies state, timestamp, and payload. Writes for a single job id are
	// serialized.
	Transition(ctx context.Context, jobID string, newState JobState, payload TransitionPayload) error
	// Get returns a snapshot of the most recently committed state.
	Get(ctx context.Context, jobID string) (Job, error)
	// List returns every job exactly once; order is not guaranteed.
	List(ctx context.Context) ([]Job, error)
	// MarkCancelRequested sets the cooperative cancellation flag. Terminal
	// jobs are left untouched.
	MarkCancelRequested(ctx context.Context, jobID string) error
}

// ResultStore persists the item payload of succeeded jobs.
type ResultStore interface {
	// Append adds items to the job's result payload.
	Append(ctx context.Context, jobID string, items []Item) error
	// Fetch returns up to limit items starting at offset, plus the total count.
	Fetch(ctx context.Context, jobID string, offset, limit int) ([]Item, int, error)
}

// Spider is one catalog-registered unit of crawl logic. The runner drives it
// one fetch unit at a time; each unit boundary is a cancellation checkpoint.
type Spider interface {
	// Next executes the next unit of fetch work and returns the items it
	// extracted. done is true when the spider has no further units.
	Next(ctx context.Context) (items []Item, done bool, err error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Throttle blocks until a fetch of url may proceed, respecting the context.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

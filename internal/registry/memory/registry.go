// Package memory provides an in-memory job registry.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/crawlkit/crawld/internal/crawl"
)

// Registry implements crawl.Registry backed by process memory.
//
// The outer lock guards map membership only; each record carries its own
// mutex so transitions for one job never block writes to unrelated jobs.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*record
	idGen crawl.IDGenerator
	clock crawl.Clock
}

type record struct {
	mu  sync.Mutex
	job crawl.Job
}

// NewRegistry constructs a Registry.
func NewRegistry(idGen crawl.IDGenerator, clock crawl.Clock) *Registry {
	return &Registry{
		jobs:  make(map[string]*record),
		idGen: idGen,
		clock: clock,
	}
}

// Create inserts a new job in pending state and returns it.
func (r *Registry) Create(_ context.Context, spiderName string) (crawl.Job, error) {
	id, err := r.idGen.NewID()
	if err != nil {
		return crawl.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now()
	job := crawl.Job{
		ID:         id,
		SpiderName: spiderName,
		State:      crawl.StatePending,
		Submitted:  now,
		Updated:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[id]; exists {
		return crawl.Job{}, fmt.Errorf("job id collision: %s", id)
	}
	r.jobs[id] = &record{job: job}
	return job, nil
}

// Transition validates and applies a state change for one job.
func (r *Registry) Transition(
	_ context.Context,
	jobID string,
	newState crawl.JobState,
	payload crawl.TransitionPayload,
) error {
	rec, err := r.lookup(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !crawl.CanTransition(rec.job.State, newState) {
		return fmt.Errorf("%w: %s -> %s (job %s)", crawl.ErrInvalidTransition, rec.job.State, newState, jobID)
	}
	if payload.Result != nil && newState != crawl.StateSucceeded {
		return fmt.Errorf("%w: result payload only valid for succeeded (job %s)", crawl.ErrInvalidTransition, jobID)
	}
	if payload.Failure != nil && newState != crawl.StateFailed {
		return fmt.Errorf("%w: failure payload only valid for failed (job %s)", crawl.ErrInvalidTransition, jobID)
	}

	now := r.clock.Now()
	rec.job.State = newState
	rec.job.Updated = now
	switch {
	case newState == crawl.StateRunning:
		started := now
		rec.job.Started = &started
	case newState.IsTerminal():
		finished := now
		rec.job.Finished = &finished
		rec.job.Result = payload.Result
		rec.job.Failure = payload.Failure
	}
	return nil
}

// Get returns a snapshot of the job's most recently committed state.
func (r *Registry) Get(_ context.Context, jobID string) (crawl.Job, error) {
	rec, err := r.lookup(jobID)
	if err != nil {
		return crawl.Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job, nil
}

// List returns a snapshot of every job. Order is not guaranteed.
func (r *Registry) List(_ context.Context) ([]crawl.Job, error) {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	jobs := make([]crawl.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		jobs = append(jobs, rec.job)
		rec.mu.Unlock()
	}
	return jobs, nil
}

// MarkCancelRequested flags the job for cooperative cancellation. Flagging a
// terminal job is a no-op.
func (r *Registry) MarkCancelRequested(_ context.Context, jobID string) error {
	rec, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.State.IsTerminal() {
		return nil
	}
	rec.job.CancelRequested = true
	rec.job.Updated = r.clock.Now()
	return nil
}

func (r *Registry) lookup(jobID string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawl.ErrNotFound, jobID)
	}
	return rec, nil
}

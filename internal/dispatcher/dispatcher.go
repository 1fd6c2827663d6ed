// Package dispatcher is the public entry point of the orchestration engine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/catalog"
	"github.com/crawlkit/crawld/internal/crawl"
	"github.com/crawlkit/crawld/internal/metrics"
	"github.com/crawlkit/crawld/internal/runner"
	"github.com/crawlkit/crawld/internal/slots"
)

// ResultsPage is one window over a succeeded job's item payload.
type ResultsPage struct {
	JobID  string       `json:"job_id"`
	Items  []crawl.Item `json:"items"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
	Total  int          `json:"total"`
}

// Dispatcher accepts submissions, arbitrates execution slots, starts runners,
// and answers status/result/stats queries. All job state flows through the
// registry; the dispatcher never mutates records directly.
type Dispatcher struct {
	catalog  *catalog.Catalog
	registry crawl.Registry
	results  crawl.ResultStore
	slots    *slots.Manager
	runner   *runner.Runner
	logger   *zap.Logger

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	waiting map[string]context.CancelFunc
}

// New creates a Dispatcher. Close must be called to stop background work.
func New(
	cat *catalog.Catalog,
	registry crawl.Registry,
	results crawl.ResultStore,
	slotMgr *slots.Manager,
	run *runner.Runner,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		catalog:  cat,
		registry: registry,
		results:  results,
		slots:    slotMgr,
		runner:   run,
		logger:   logger,
		runCtx:   ctx,
		stop:     stop,
		waiting:  make(map[string]context.CancelFunc),
	}
}

// Submit registers a new job for spiderName and returns its id without
// waiting for execution to start. Slot acquisition happens asynchronously.
func (d *Dispatcher) Submit(ctx context.Context, spiderName string) (string, error) {
	desc, err := d.catalog.Lookup(spiderName)
	if err != nil {
		return "", err
	}
	job, err := d.registry.Create(ctx, spiderName)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	jobCtx, abandon := context.WithCancel(d.runCtx)
	d.mu.Lock()
	d.waiting[job.ID] = abandon
	d.mu.Unlock()

	slotCh := d.slots.Acquire(jobCtx, job.ID)

	d.wg.Add(1)
	go d.await(jobCtx, abandon, job, desc, slotCh)

	d.logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("spider", spiderName))
	return job.ID, nil
}

func (d *Dispatcher) await(
	jobCtx context.Context,
	abandon context.CancelFunc,
	job crawl.Job,
	desc crawl.Descriptor,
	slotCh <-chan slots.Slot,
) {
	defer d.wg.Done()
	defer abandon()
	defer func() {
		d.mu.Lock()
		delete(d.waiting, job.ID)
		d.mu.Unlock()
	}()

	select {
	case <-jobCtx.Done():
		// Queued job abandoned: explicit cancel or process shutdown. Queued
		// work is never silently resumed. Abandon runs under the manager's
		// lock, so a slot granted in the same instant the context ended is
		// reclaimed rather than left occupied by a job that never ran.
		d.slots.Abandon(job.ID)
		if err := d.registry.Transition(context.Background(), job.ID, crawl.StateCancelled, crawl.TransitionPayload{}); err != nil && !errors.Is(err, crawl.ErrInvalidTransition) {
			d.logger.Error("cancel queued job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	case slot := <-slotCh:
		defer func() {
			if err := d.slots.Release(slot.ID); err != nil {
				d.logger.Error("slot release failed", zap.Int("slot_id", slot.ID), zap.Error(err))
			}
		}()
		d.runner.Run(jobCtx, job, desc.NewSpider())
	}
}

// Status returns the job's most recently committed snapshot.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (crawl.Job, error) {
	return d.registry.Get(ctx, jobID)
}

// Jobs returns a snapshot of every tracked job.
func (d *Dispatcher) Jobs(ctx context.Context) ([]crawl.Job, error) {
	return d.registry.List(ctx)
}

// Spiders lists the static catalog.
func (d *Dispatcher) Spiders() []crawl.Descriptor {
	return d.catalog.List()
}

// Results returns a window over the job's item payload. A non-terminal job
// yields ErrNotReady; a failed or cancelled job propagates its recorded
// failure. Results are never partially populated.
func (d *Dispatcher) Results(ctx context.Context, jobID string, offset, limit int) (ResultsPage, error) {
	job, err := d.registry.Get(ctx, jobID)
	if err != nil {
		return ResultsPage{}, err
	}
	switch job.State {
	case crawl.StateSucceeded:
	case crawl.StateFailed:
		return ResultsPage{}, job.Failure
	case crawl.StateCancelled:
		return ResultsPage{}, crawl.NewCrawlError("cancelled", "job was cancelled before completion")
	default:
		return ResultsPage{}, fmt.Errorf("%w: job %s is %s", crawl.ErrNotReady, jobID, job.State)
	}

	items, total, err := d.results.Fetch(ctx, jobID, offset, limit)
	if err != nil {
		return ResultsPage{}, fmt.Errorf("fetch results: %w", err)
	}
	return ResultsPage{
		JobID:  jobID,
		Items:  items,
		Offset: offset,
		Limit:  limit,
		Total:  total,
	}, nil
}

// Cancel requests cooperative cancellation. A pending job cancels
// immediately; a running job stops at its next checkpoint; cancelling a
// terminal job is a no-op, not an error.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.registry.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}
	if err := d.registry.MarkCancelRequested(ctx, jobID); err != nil {
		return err
	}

	// A still-queued job can be cancelled directly; its waiter is abandoned
	// so the slot goes to the next job in line.
	err = d.registry.Transition(ctx, jobID, crawl.StateCancelled, crawl.TransitionPayload{})
	switch {
	case err == nil:
		d.abandonWaiter(jobID)
		d.logger.Info("queued job cancelled", zap.String("job_id", jobID))
		return nil
	case errors.Is(err, crawl.ErrInvalidTransition):
		// Running (or raced into a terminal state): the flag is set and the
		// runner stops at its next checkpoint.
		d.logger.Info("cancellation requested", zap.String("job_id", jobID))
		return nil
	default:
		return err
	}
}

// Stats reports current slot occupancy, queue depth, and jobs per state.
// It is read-only and computed without touching any runner.
func (d *Dispatcher) Stats(ctx context.Context) (crawl.ResourceSnapshot, error) {
	jobs, err := d.registry.List(ctx)
	if err != nil {
		return crawl.ResourceSnapshot{}, fmt.Errorf("list jobs: %w", err)
	}
	byState := make(map[crawl.JobState]int, 5)
	for _, job := range jobs {
		byState[job.State]++
	}
	usage := d.slots.Stats()
	metrics.SetSlotUsage(usage.Occupied, usage.QueueDepth)
	return crawl.ResourceSnapshot{
		SlotsOccupied: usage.Occupied,
		SlotsFree:     usage.Free,
		QueueDepth:    usage.QueueDepth,
		JobsByState:   byState,
	}, nil
}

// Close stops accepting slot grants and waits for in-flight runners to reach
// their next checkpoint. Queued jobs transition to cancelled.
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
}

func (d *Dispatcher) abandonWaiter(jobID string) {
	d.mu.Lock()
	abandon, ok := d.waiting[jobID]
	d.mu.Unlock()
	if ok {
		abandon()
	}
}

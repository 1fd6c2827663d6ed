// Package runner executes one crawl job to completion or failure.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/crawl"
	"github.com/crawlkit/crawld/internal/metrics"
)

// Config controls Runner behavior.
type Config struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Runner drives a spider one fetch unit at a time, reporting every state
// transition to the registry. It owns no persistent state; the registry and
// result store are the only places execution leaves a trace.
type Runner struct {
	registry crawl.Registry
	results  crawl.ResultStore
	clock    crawl.Clock
	retry    *RetryPolicy
	logger   *zap.Logger
}

// New constructs a Runner.
func New(
	registry crawl.Registry,
	results crawl.ResultStore,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		results:  results,
		clock:    clock,
		retry:    NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		logger:   logger,
	}
}

// Run executes the job with the given spider and blocks until a terminal
// state is recorded. Cancellation is cooperative: the cancel flag and ctx are
// checked at each unit boundary, never mid-fetch.
func (r *Runner) Run(ctx context.Context, job crawl.Job, spider crawl.Spider) {
	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("spider", job.SpiderName))

	if err := r.registry.Transition(ctx, job.ID, crawl.StateRunning, crawl.TransitionPayload{}); err != nil {
		// A pending job cancelled before its slot arrived lands here.
		logger.Info("job did not start", zap.Error(err))
		return
	}
	logger.Info("job running")
	start := r.clock.Now()

	itemCount := 0
	units := 0
	for {
		if cancelled, err := r.checkpoint(ctx, job.ID); err != nil {
			r.finishFailed(ctx, logger, job, start, crawl.NewCrawlError("internal", err.Error()))
			return
		} else if cancelled {
			r.finishCancelled(ctx, logger, job, start)
			return
		}

		items, done, err := r.runUnit(ctx, spider)
		if err != nil {
			if ctx.Err() != nil {
				// The run context ended mid-unit (shutdown or abandon); that
				// is a cancellation, not a crawl failure.
				r.finishCancelled(ctx, logger, job, start)
				return
			}
			r.finishFailed(ctx, logger, job, start, asCrawlError(err))
			return
		}
		units++

		if len(items) > 0 {
			if err := r.results.Append(ctx, job.ID, items); err != nil {
				r.finishFailed(ctx, logger, job, start, crawl.NewCrawlError("store", err.Error()))
				return
			}
			itemCount += len(items)
		}
		if done {
			break
		}
	}

	elapsed := r.clock.Now().Sub(start)
	result := &crawl.Result{ItemCount: itemCount, Units: units, Elapsed: elapsed}
	if err := r.registry.Transition(ctx, job.ID, crawl.StateSucceeded, crawl.TransitionPayload{Result: result}); err != nil {
		logger.Error("record success failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(job.SpiderName, string(crawl.StateSucceeded), elapsed)
	logger.Info("job succeeded", zap.Int("items", itemCount), zap.Int("units", units))
}

// runUnit executes one fetch unit, retrying transient errors with backoff.
func (r *Runner) runUnit(ctx context.Context, spider crawl.Spider) ([]crawl.Item, bool, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		items, done, err := spider.Next(ctx)
		if err == nil {
			return items, done, nil
		}
		lastErr = err
		if !r.retry.ShouldRetry(err, attempt+1) {
			break
		}
		metrics.ObserveUnitRetry()
		select {
		case <-ctx.Done():
			return nil, false, fmt.Errorf("unit retry interrupted: %w", ctx.Err())
		case <-time.After(r.retry.Backoff(attempt)):
		}
	}
	return nil, false, lastErr
}

// checkpoint reports whether the job should stop at this unit boundary.
func (r *Runner) checkpoint(ctx context.Context, jobID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	job, err := r.registry.Get(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("checkpoint read: %w", err)
	}
	return job.CancelRequested, nil
}

func (r *Runner) finishCancelled(ctx context.Context, logger *zap.Logger, job crawl.Job, start time.Time) {
	// Terminal transitions must commit even when the run context has ended.
	ctx = context.WithoutCancel(ctx)
	if err := r.registry.Transition(ctx, job.ID, crawl.StateCancelled, crawl.TransitionPayload{}); err != nil {
		logger.Error("record cancellation failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(job.SpiderName, string(crawl.StateCancelled), r.clock.Now().Sub(start))
	logger.Info("job cancelled at checkpoint")
}

func (r *Runner) finishFailed(ctx context.Context, logger *zap.Logger, job crawl.Job, start time.Time, failure *crawl.CrawlError) {
	ctx = context.WithoutCancel(ctx)
	if err := r.registry.Transition(ctx, job.ID, crawl.StateFailed, crawl.TransitionPayload{Failure: failure}); err != nil {
		logger.Error("record failure failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(job.SpiderName, string(crawl.StateFailed), r.clock.Now().Sub(start))
	logger.Warn("job failed", zap.String("kind", failure.Kind), zap.String("reason", failure.Message))
}

func asCrawlError(err error) *crawl.CrawlError {
	var ce *crawl.CrawlError
	if errors.As(err, &ce) {
		return ce
	}
	return crawl.NewCrawlError("fetch", err.Error())
}

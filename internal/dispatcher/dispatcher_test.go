// Package dispatcher contains tests for submission, admission, and queries.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/catalog"
	"github.com/crawlkit/crawld/internal/clock/system"
	"github.com/crawlkit/crawld/internal/crawl"
	"github.com/crawlkit/crawld/internal/id/uuid"
	"github.com/crawlkit/crawld/internal/metrics"
	registrymem "github.com/crawlkit/crawld/internal/registry/memory"
	resultsmem "github.com/crawlkit/crawld/internal/results/memory"
	"github.com/crawlkit/crawld/internal/runner"
	"github.com/crawlkit/crawld/internal/slots"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

// gatedSpider blocks inside its only fetch unit until released. started is
// signalled as soon as the unit is entered.
type gatedSpider struct {
	started chan string
	release chan struct{}
	jobName string
}

func (s *gatedSpider) Next(ctx context.Context) ([]crawl.Item, bool, error) {
	select {
	case s.started <- s.jobName:
	default:
	}
	select {
	case <-s.release:
		return []crawl.Item{{"url": "https://example.com"}}, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

type fixture struct {
	registry   *registrymem.Registry
	results    *resultsmem.Store
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, maxConcurrency int, descriptors ...crawl.Descriptor) *fixture {
	t.Helper()

	cat, err := catalog.New(descriptors...)
	require.NoError(t, err)
	slotMgr, err := slots.NewManager(maxConcurrency)
	require.NoError(t, err)

	registry := registrymem.NewRegistry(uuid.NewGenerator(), system.New())
	results := resultsmem.NewStore()
	run := runner.New(registry, results, system.New(), runner.Config{
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	}, zap.NewNop())

	d := New(cat, registry, results, slotMgr, run, zap.NewNop())
	t.Cleanup(d.Close)
	return &fixture{registry: registry, results: results, dispatcher: d}
}

func instantDescriptor(name string) crawl.Descriptor {
	return crawl.Descriptor{
		Name:        name,
		Description: "emits one item and finishes",
		NewSpider: func() crawl.Spider {
			return spiderFunc(func(context.Context) ([]crawl.Item, bool, error) {
				return []crawl.Item{{"url": "https://example.com", "title": "Example"}}, true, nil
			})
		},
	}
}

type spiderFunc func(ctx context.Context) ([]crawl.Item, bool, error)

func (f spiderFunc) Next(ctx context.Context) ([]crawl.Item, bool, error) {
	return f(ctx)
}

func waitForState(t *testing.T, f *fixture, jobID string, want crawl.JobState) crawl.Job {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		job, err := f.registry.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", jobID, job.State, want)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// TestSubmitUnknownSpiderRejected covers the catalog gate.
func TestSubmitUnknownSpiderRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, instantDescriptor("example_spider"))
	_, err := f.dispatcher.Submit(context.Background(), "ghost")
	require.ErrorIs(t, err, crawl.ErrUnknownSpider)
}

// TestSubmitReturnsUniqueIDsImmediately checks non-blocking admission: all
// submissions return at once even though only one can run.
func TestSubmitReturnsUniqueIDsImmediately(t *testing.T) {
	t.Parallel()

	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, 1, crawl.Descriptor{
		Name: "example_spider",
		NewSpider: func() crawl.Spider {
			return &gatedSpider{started: started, release: release, jobName: "n"}
		},
	})

	ids := make(map[string]bool)
	for i := 0; i < 5; i++ {
		deadline := time.After(time.Second)
		done := make(chan string, 1)
		go func() {
			id, err := f.dispatcher.Submit(context.Background(), "example_spider")
			if err != nil {
				t.Error(err)
				return
			}
			done <- id
		}()
		select {
		case id := <-done:
			require.False(t, ids[id], "job id %s reused", id)
			ids[id] = true
		case <-deadline:
			t.Fatal("submission blocked on slot availability")
		}
	}
}

// TestTwoJobsOneSlotRunInArrivalOrder is the maxConcurrency=1 scenario: the
// second job stays pending while the first runs, then takes the slot.
func TestTwoJobsOneSlotRunInArrivalOrder(t *testing.T) {
	t.Parallel()

	started := make(chan string, 4)
	release := make(chan struct{})
	f := newFixture(t, 1, crawl.Descriptor{
		Name: "example_spider",
		NewSpider: func() crawl.Spider {
			return &gatedSpider{started: started, release: release, jobName: "job"}
		},
	})
	ctx := context.Background()

	first, err := f.dispatcher.Submit(ctx, "example_spider")
	require.NoError(t, err)
	waitForState(t, f, first, crawl.StateRunning)

	second, err := f.dispatcher.Submit(ctx, "example_spider")
	require.NoError(t, err)

	// The second job must hold in pending while the slot is occupied.
	time.Sleep(20 * time.Millisecond)
	job, err := f.dispatcher.Status(ctx, second)
	require.NoError(t, err)
	require.Equal(t, crawl.StatePending, job.State)

	stats, err := f.dispatcher.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SlotsOccupied)
	require.Equal(t, 1, stats.QueueDepth)

	release <- struct{}{}
	waitForState(t, f, first, crawl.StateSucceeded)
	waitForState(t, f, second, crawl.StateRunning)
	release <- struct{}{}
	waitForState(t, f, second, crawl.StateSucceeded)
}

// TestCancelPendingJobNeverRuns cancels a queued job and verifies it reaches
// cancelled without its spider ever being constructed.
func TestCancelPendingJobNeverRuns(t *testing.T) {
	t.Parallel()

	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)

	var mu sync.Mutex
	spiderBuilds := 0
	f := newFixture(t, 1,
		crawl.Descriptor{
			Name: "blocker",
			NewSpider: func() crawl.Spider {
				return &gatedSpider{started: started, release: release, jobName: "blocker"}
			},
		},
		crawl.Descriptor{
			Name: "victim",
			NewSpider: func() crawl.Spider {
				mu.Lock()
				spiderBuilds++
				mu.Unlock()
				return spiderFunc(func(context.Context) ([]crawl.Item, bool, error) {
					return nil, true, nil
				})
			},
		},
	)
	ctx := context.Background()

	blocker, err := f.dispatcher.Submit(ctx, "blocker")
	require.NoError(t, err)
	waitForState(t, f, blocker, crawl.StateRunning)

	victim, err := f.dispatcher.Submit(ctx, "victim")
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Cancel(ctx, victim))
	waitForState(t, f, victim, crawl.StateCancelled)

	job, err := f.dispatcher.Status(ctx, victim)
	require.NoError(t, err)
	require.Nil(t, job.Started, "cancelled pending job must never start")

	// Free the blocker; the cancelled job must not claim the slot.
	release <- struct{}{}
	waitForState(t, f, blocker, crawl.StateSucceeded)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, spiderBuilds)
}

// TestCancelledQueuedJobDoesNotLeakSlot cancels a queued job, lets the
// blocker finish, and verifies later submissions can still claim the slot.
func TestCancelledQueuedJobDoesNotLeakSlot(t *testing.T) {
	t.Parallel()

	started := make(chan string, 4)
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, 1,
		crawl.Descriptor{
			Name: "blocker",
			NewSpider: func() crawl.Spider {
				return &gatedSpider{started: started, release: release, jobName: "blocker"}
			},
		},
		instantDescriptor("quick"),
	)
	ctx := context.Background()

	blocker, err := f.dispatcher.Submit(ctx, "blocker")
	require.NoError(t, err)
	waitForState(t, f, blocker, crawl.StateRunning)

	queued, err := f.dispatcher.Submit(ctx, "quick")
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Cancel(ctx, queued))
	waitForState(t, f, queued, crawl.StateCancelled)

	release <- struct{}{}
	waitForState(t, f, blocker, crawl.StateSucceeded)

	// The pool must be whole again: a fresh job gets the slot and runs.
	after, err := f.dispatcher.Submit(ctx, "quick")
	require.NoError(t, err)
	waitForState(t, f, after, crawl.StateSucceeded)

	stats, err := f.dispatcher.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.SlotsOccupied)
	require.Equal(t, 1, stats.SlotsFree)
}

// TestCancelRunningJobStopsAtCheckpoint covers cooperative cancellation.
func TestCancelRunningJobStopsAtCheckpoint(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFixture(t, 1, crawl.Descriptor{
		Name: "example_spider",
		NewSpider: func() crawl.Spider {
			return &multiUnitGated{release: release}
		},
	})
	ctx := context.Background()

	id, err := f.dispatcher.Submit(ctx, "example_spider")
	require.NoError(t, err)
	waitForState(t, f, id, crawl.StateRunning)

	release <- struct{}{} // let the first unit finish
	require.NoError(t, f.dispatcher.Cancel(ctx, id))
	// Unblock the in-flight unit, if any; the checkpoint follows. When the
	// checkpoint already observed the cancel, no unit reads this send.
	go func() { release <- struct{}{} }()
	waitForState(t, f, id, crawl.StateCancelled)
}

// multiUnitGated never reports done; each unit waits for one release signal.
type multiUnitGated struct {
	release chan struct{}
}

func (s *multiUnitGated) Next(ctx context.Context) ([]crawl.Item, bool, error) {
	select {
	case <-s.release:
		return []crawl.Item{{"url": "x"}}, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// TestCancelTerminalJobIsNoOp verifies idempotent cancellation.
func TestCancelTerminalJobIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, instantDescriptor("example_spider"))
	ctx := context.Background()

	id, err := f.dispatcher.Submit(ctx, "example_spider")
	require.NoError(t, err)
	waitForState(t, f, id, crawl.StateSucceeded)

	require.NoError(t, f.dispatcher.Cancel(ctx, id))
	job, err := f.dispatcher.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawl.StateSucceeded, job.State)
}

// TestCancelUnknownJobReturnsNotFound covers the registry passthrough.
func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, instantDescriptor("example_spider"))
	err := f.dispatcher.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

// TestResultsLifecycle checks NotReady before terminal, payload on success.
func TestResultsLifecycle(t *testing.T) {
	t.Parallel()

	started := make(chan string, 1)
	release := make(chan struct{})
	f := newFixture(t, 1, crawl.Descriptor{
		Name: "example_spider",
		NewSpider: func() crawl.Spider {
			return &gatedSpider{started: started, release: release, jobName: "job"}
		},
	})
	ctx := context.Background()

	id, err := f.dispatcher.Submit(ctx, "example_spider")
	require.NoError(t, err)
	waitForState(t, f, id, crawl.StateRunning)

	_, err = f.dispatcher.Results(ctx, id, 0, 10)
	require.ErrorIs(t, err, crawl.ErrNotReady)

	release <- struct{}{}
	waitForState(t, f, id, crawl.StateSucceeded)

	page, err := f.dispatcher.Results(ctx, id, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	require.Equal(t, "https://example.com", page.Items[0]["url"])
}

// TestResultsPropagatesFailure ensures a failed crawl never looks like a
// success and carries its error detail.
func TestResultsPropagatesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, crawl.Descriptor{
		Name: "broken",
		NewSpider: func() crawl.Spider {
			return spiderFunc(func(context.Context) ([]crawl.Item, bool, error) {
				return nil, false, runner.Permanent(errors.New("robots denied"))
			})
		},
	})
	ctx := context.Background()

	id, err := f.dispatcher.Submit(ctx, "broken")
	require.NoError(t, err)
	waitForState(t, f, id, crawl.StateFailed)

	_, err = f.dispatcher.Results(ctx, id, 0, 10)
	var ce *crawl.CrawlError
	require.ErrorAs(t, err, &ce)
	require.Contains(t, ce.Message, "robots denied")
}

// TestStatsCountsJobsPerState runs a mix of jobs and checks the snapshot.
func TestStatsCountsJobsPerState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, instantDescriptor("example_spider"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := f.dispatcher.Submit(ctx, "example_spider")
		require.NoError(t, err)
		waitForState(t, f, id, crawl.StateSucceeded)
	}

	stats, err := f.dispatcher.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.JobsByState[crawl.StateSucceeded])
	require.Equal(t, 0, stats.SlotsOccupied)
	require.Equal(t, 2, stats.SlotsFree)
	require.Equal(t, 0, stats.QueueDepth)
}

// TestCloseCancelsQueuedJobs resolves shutdown behavior: queued jobs land in
// cancelled, never silently resumed.
func TestCloseCancelsQueuedJobs(t *testing.T) {
	t.Parallel()

	started := make(chan string, 1)
	release := make(chan struct{})
	f := newFixture(t, 1, crawl.Descriptor{
		Name: "example_spider",
		NewSpider: func() crawl.Spider {
			return &gatedSpider{started: started, release: release, jobName: "job"}
		},
	})
	ctx := context.Background()

	blocker, err := f.dispatcher.Submit(ctx, "example_spider")
	require.NoError(t, err)
	waitForState(t, f, blocker, crawl.StateRunning)

	queued, err := f.dispatcher.Submit(ctx, "example_spider")
	require.NoError(t, err)

	go func() {
		// The running job observes shutdown through its context.
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	f.dispatcher.Close()

	job, err := f.registry.Get(ctx, queued)
	require.NoError(t, err)
	require.Equal(t, crawl.StateCancelled, job.State)
}

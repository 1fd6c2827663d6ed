// Package slots bounds and arbitrates concurrent crawl executions.
package slots

import (
	"context"
	"fmt"
	"sync"

	"github.com/crawlkit/crawld/internal/crawl"
)

// Slot is a unit of concurrency capacity, occupied by at most one job.
type Slot struct {
	ID    int
	JobID string
}

// Snapshot reports slot occupancy and queue depth at one instant.
type Snapshot struct {
	Occupied   int
	Free       int
	QueueDepth int
}

type waiter struct {
	jobID string
	ctx   context.Context
	ch    chan Slot
}

// Manager arbitrates a fixed pool of execution slots. Free slots are granted
// synchronously; when the pool is exhausted, requests queue in FIFO order and
// are handed a slot as releases happen. Centralizing admission here keeps the
// concurrency bound auditable in one place.
type Manager struct {
	mu       sync.Mutex
	occupied map[int]string
	free     []int
	waiters  []*waiter
}

// NewManager constructs a Manager with maxConcurrency slots.
func NewManager(maxConcurrency int) (*Manager, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be positive, got %d", maxConcurrency)
	}
	free := make([]int, maxConcurrency)
	for i := range free {
		free[i] = i + 1
	}
	return &Manager{
		occupied: make(map[int]string, maxConcurrency),
		free:     free,
	}, nil
}

// Acquire requests a slot for jobID. The returned channel yields exactly one
// Slot: immediately when capacity is free, or later in FIFO order as slots
// are released. If ctx ends first the request is abandoned and any slot that
// would have been granted goes to the next waiter instead.
func (m *Manager) Acquire(ctx context.Context, jobID string) <-chan Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Slot, 1)
	if len(m.waiters) == 0 && len(m.free) > 0 {
		ch <- m.grantLocked(jobID)
		return ch
	}
	m.waiters = append(m.waiters, &waiter{jobID: jobID, ctx: ctx, ch: ch})
	return ch
}

// Release frees the slot and immediately reassigns it to the longest-waiting
// queued request, if any. Releasing an unoccupied or unknown slot returns
// ErrInvalidSlot; that indicates a caller bug, never normal operation.
func (m *Manager) Release(slotID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.occupied[slotID]; !ok {
		return fmt.Errorf("%w: slot %d is not occupied", crawl.ErrInvalidSlot, slotID)
	}
	delete(m.occupied, slotID)
	m.reassignLocked(slotID)
	return nil
}

// Abandon withdraws jobID from slot arbitration: a still-queued request is
// dropped, and a slot granted to the job but never consumed is reclaimed and
// handed to the next waiter. It runs under the same lock as grants and
// releases, so a grant racing an abandonment can never strand a slot.
func (m *Manager) Abandon(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.jobID != jobID {
			kept = append(kept, w)
		}
	}
	m.waiters = kept

	for slotID, holder := range m.occupied {
		if holder == jobID {
			delete(m.occupied, slotID)
			m.reassignLocked(slotID)
			return
		}
	}
}

// reassignLocked hands the freed slot to the longest-waiting live request,
// or returns it to the free pool. Caller holds m.mu.
func (m *Manager) reassignLocked(slotID int) {
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		if w.ctx.Err() != nil {
			continue
		}
		m.occupied[slotID] = w.jobID
		w.ch <- Slot{ID: slotID, JobID: w.jobID}
		return
	}
	m.free = append(m.free, slotID)
}

// Stats returns the current occupancy snapshot. Abandoned waiters still in
// the queue are not counted.
func (m *Manager) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := 0
	for _, w := range m.waiters {
		if w.ctx.Err() == nil {
			depth++
		}
	}
	return Snapshot{
		Occupied:   len(m.occupied),
		Free:       len(m.free),
		QueueDepth: depth,
	}
}

func (m *Manager) grantLocked(jobID string) Slot {
	id := m.free[0]
	m.free = m.free[1:]
	m.occupied[id] = jobID
	return Slot{ID: id, JobID: jobID}
}

// Package memory provides an in-memory result store for development/testing.
package memory

import (
	"context"
	"sync"

	"github.com/crawlkit/crawld/internal/crawl"
)

// Store implements crawl.ResultStore backed by process memory.
type Store struct {
	mu    sync.RWMutex
	items map[string][]crawl.Item
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{items: make(map[string][]crawl.Item)}
}

// Append adds items to the job's payload.
func (s *Store) Append(_ context.Context, jobID string, items []crawl.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[jobID] = append(s.items[jobID], items...)
	return nil
}

// Fetch returns up to limit items starting at offset, plus the total count.
func (s *Store) Fetch(_ context.Context, jobID string, offset, limit int) ([]crawl.Item, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.items[jobID]
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	page := make([]crawl.Item, end-offset)
	copy(page, all[offset:end])
	return page, total, nil
}

// Package redis provides a Redis-backed result store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crawlkit/crawld/internal/crawl"
)

// Store implements crawl.ResultStore on a Redis list per job. Items expire
// after the configured TTL so abandoned results do not accumulate.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewStore initializes a Redis-backed Store.
func NewStore(cfg Config) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Append pushes items onto the job's result list and refreshes the TTL.
func (s *Store) Append(ctx context.Context, jobID string, items []crawl.Item) error {
	if len(items) == 0 {
		return nil
	}
	key := s.key(jobID)
	pipe := s.client.Pipeline()
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item: %w", err)
		}
		pipe.RPush(ctx, key, payload)
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append results for %s: %w", jobID, err)
	}
	return nil
}

// Fetch returns up to limit items starting at offset, plus the total count.
func (s *Store) Fetch(ctx context.Context, jobID string, offset, limit int) ([]crawl.Item, int, error) {
	key := s.key(jobID)
	total, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count results for %s: %w", jobID, err)
	}
	if limit <= 0 {
		limit = int(total)
	}
	raw, err := s.client.LRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read results for %s: %w", jobID, err)
	}

	items := make([]crawl.Item, 0, len(raw))
	for _, entry := range raw {
		var item crawl.Item
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			return nil, 0, fmt.Errorf("unmarshal item for %s: %w", jobID, err)
		}
		items = append(items, item)
	}
	return items, int(total), nil
}

func (s *Store) key(jobID string) string {
	return s.prefix + jobID
}

// Package web provides a spider that fetches a fixed list of URLs, one
// page per unit of work.
package web

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/crawlkit/crawld/internal/crawl"
	"github.com/crawlkit/crawld/internal/hash/sha256"
)

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// Spider visits each configured URL in order and emits one item per page.
// It implements crawl.Spider; the runner treats each URL as a cancellation
// checkpoint boundary.
type Spider struct {
	fetcher crawl.Fetcher
	hasher  *sha256.Hasher
	urls    []string
	next    int
}

// New builds a Spider over the given URL list.
func New(fetcher crawl.Fetcher, urls []string) (*Spider, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one url is required")
	}
	return &Spider{fetcher: fetcher, hasher: sha256.New(), urls: urls}, nil
}

// Next fetches the next URL and extracts its page metadata. The cursor only
// advances on a successful fetch, so a retried unit refetches the same URL.
func (s *Spider) Next(ctx context.Context) ([]crawl.Item, bool, error) {
	if s.next >= len(s.urls) {
		return nil, true, nil
	}
	url := s.urls[s.next]

	resp, err := s.fetcher.Fetch(ctx, crawl.FetchRequest{URL: url})
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", url, err)
	}
	s.next++

	item := crawl.Item{
		"url":            resp.URL,
		"status":         resp.StatusCode,
		"content_length": len(resp.Body),
		"fetch_ms":       resp.Duration.Milliseconds(),
	}
	if title := extractTitle(resp.Body); title != "" {
		item["title"] = title
	}
	if len(resp.Body) > 0 {
		if digest, err := s.hasher.Hash(resp.Body); err == nil {
			item["content_hash"] = digest
		}
	}
	return []crawl.Item{item}, s.next >= len(s.urls), nil
}

func extractTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// Descriptor builds a catalog entry whose every job run gets a fresh
// Spider over the same URL list.
func Descriptor(name, description string, fetcher crawl.Fetcher, urls []string) crawl.Descriptor {
	return crawl.Descriptor{
		Name:        name,
		Description: description,
		NewSpider: func() crawl.Spider {
			sp, err := New(fetcher, urls)
			if err != nil {
				return &failingSpider{err: err}
			}
			return sp
		},
	}
}

// failingSpider surfaces a construction error through the normal unit
// error path so the job fails instead of panicking mid-dispatch.
type failingSpider struct {
	err error
}

func (s *failingSpider) Next(context.Context) ([]crawl.Item, bool, error) {
	return nil, false, s.err
}

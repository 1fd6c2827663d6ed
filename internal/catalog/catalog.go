// Package catalog holds the static spider catalog.
package catalog

import (
	"fmt"
	"sort"

	"github.com/crawlkit/crawld/internal/crawl"
)

// Catalog is an immutable name -> descriptor mapping, built once at process
// start and injected into the dispatcher. It is never mutated at runtime.
type Catalog struct {
	spiders map[string]crawl.Descriptor
}

// New builds a Catalog from the given descriptors. Duplicate names and
// descriptors without a factory are rejected.
func New(descriptors ...crawl.Descriptor) (*Catalog, error) {
	spiders := make(map[string]crawl.Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("spider descriptor missing name")
		}
		if d.NewSpider == nil {
			return nil, fmt.Errorf("spider %q has no factory", d.Name)
		}
		if _, exists := spiders[d.Name]; exists {
			return nil, fmt.Errorf("spider %q registered twice", d.Name)
		}
		spiders[d.Name] = d
	}
	return &Catalog{spiders: spiders}, nil
}

// Lookup returns the descriptor for name, or ErrUnknownSpider.
func (c *Catalog) Lookup(name string) (crawl.Descriptor, error) {
	d, ok := c.spiders[name]
	if !ok {
		return crawl.Descriptor{}, fmt.Errorf("%w: %s", crawl.ErrUnknownSpider, name)
	}
	return d, nil
}

// List returns all descriptors sorted by name.
func (c *Catalog) List() []crawl.Descriptor {
	out := make([]crawl.Descriptor, 0, len(c.spiders))
	for _, d := range c.spiders {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

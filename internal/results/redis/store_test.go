package redis

import (
	"testing"
	"time"
)

// TestKeyUsesPrefix checks the key layout results are stored under.
func TestKeyUsesPrefix(t *testing.T) {
	t.Parallel()

	store := NewStore(Config{Addr: "localhost:6379", Prefix: "crawl:results:", TTL: time.Hour})
	defer store.Close() //nolint:errcheck // test cleanup

	if got := store.key("abc-123"); got != "crawl:results:abc-123" {
		t.Fatalf("key() = %q, want %q", got, "crawl:results:abc-123")
	}
}

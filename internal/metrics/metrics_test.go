// Package metrics includes smoke tests for collector registration.
package metrics

import (
	"net/http/httptest"
	"testing"
	"time"
)

// TestHelpersInitializeLazily records through every helper without calling
// Init first. It must stay the first test in this file so the collectors are
// genuinely uninitialized when it runs.
func TestHelpersInitializeLazily(t *testing.T) {
	ObserveJob("example_spider", "failed", time.Second)
	ObserveUnitRetry()
	SetSlotUsage(1, 0)
	ObserveHTTPRequest("POST", "202")
}

// TestInitIsIdempotent registers collectors twice without panicking.
func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	ObserveJob("example_spider", "succeeded", 2*time.Second)
	ObserveUnitRetry()
	SetSlotUsage(2, 1)
	ObserveHTTPRequest("GET", "200")
}

// TestHandlerServesMetrics checks the scrape endpoint responds with 200.
func TestHandlerServesMetrics(t *testing.T) {
	Init()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics payload")
	}
}

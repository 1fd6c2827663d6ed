package crawl

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced through the orchestrator contract.
var (
	// ErrUnknownSpider signals a submission for a spider not in the catalog.
	ErrUnknownSpider = errors.New("unknown spider")

	// ErrNotFound signals a job id unknown to the registry.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition signals a state machine violation. It indicates a
	// caller or internal-logic bug, never normal operation.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidSlot signals a release of an unoccupied or unknown slot.
	ErrInvalidSlot = errors.New("invalid slot")

	// ErrNotReady signals a results request before the job reached a
	// terminal state.
	ErrNotReady = errors.New("job not in terminal state")
)

// CrawlError records why a crawl failed. It is stored on the job record and
// observed via later status/results calls, never raised to the submitter.
type CrawlError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *CrawlError) Error() string {
	return fmt.Sprintf("crawl failed (%s): %s", e.Kind, e.Message)
}

// NewCrawlError builds a CrawlError with the given kind and message.
func NewCrawlError(kind, message string) *CrawlError {
	return &CrawlError{Kind: kind, Message: message}
}

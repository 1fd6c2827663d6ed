// Package crawl defines core types shared across subsystems.
package crawl

import "time"

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job lifecycle states persisted in the registry.
const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state has no outgoing transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether the state is one of the known lifecycle states.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge from -> to exists in the state machine.
func CanTransition(from, to JobState) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateCancelled
	}
	return false
}

// Item is one extracted result unit emitted by a spider.
type Item map[string]any

// Result summarizes a successful crawl. The item payload itself lives in the
// ResultStore; the registry record only carries the summary.
type Result struct {
	ItemCount int           `json:"item_count"`
	Units     int           `json:"units"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Job represents the metadata tracked for each submitted crawl request.
type Job struct {
	ID              string      `json:"id"`
	SpiderName      string      `json:"spider_name"`
	State           JobState    `json:"state"`
	Submitted       time.Time   `json:"submitted_at"`
	Updated         time.Time   `json:"updated_at"`
	Started         *time.Time  `json:"started_at,omitempty"`
	Finished        *time.Time  `json:"finished_at,omitempty"`
	Result          *Result     `json:"result,omitempty"`
	Failure         *CrawlError `json:"failure,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
}

// TransitionPayload carries the terminal-state data applied alongside a
// state transition. At most one of Result and Failure may be set.
type TransitionPayload struct {
	Result  *Result
	Failure *CrawlError
}

// Descriptor is a static catalog entry for one registered spider.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// NewSpider builds a fresh Spider instance for one job execution.
	NewSpider func() Spider `json:"-"`
}

// ResourceSnapshot reports orchestrator-wide resource usage.
type ResourceSnapshot struct {
	SlotsOccupied int              `json:"slots_occupied"`
	SlotsFree     int              `json:"slots_free"`
	QueueDepth    int              `json:"queue_depth"`
	JobsByState   map[JobState]int `json:"jobs_by_state"`
}

// FetchRequest captures everything needed to fetch one unit of crawl work.
type FetchRequest struct {
	JobID string
	URL   string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Package cycle runs one detection cycle end to end: fetch the listing page,
// normalize it, reconcile against the committed snapshot, publish notify
// events, and commit the new snapshot.
package cycle

import (
	"context"
	"time"

	"catalert/internal/listing"
	"catalert/internal/publish"
)

// Stage is the step a cycle reached.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StageNormalizing Stage = "normalizing"
	StageReconciling Stage = "reconciling"
	StagePublishing  Stage = "publishing"
	StageCommitting  Stage = "committing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Status is the outcome of a cycle.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusSoftFailure Status = "soft_failure"
	StatusHardFailure Status = "hard_failure"
	StatusSkipped     Status = "skipped"
)

// Fetcher returns raw field sets in page order.
type Fetcher interface {
	Fetch(ctx context.Context) ([]map[string]string, error)
}

// Publisher delivers events and reports one result per event. Publish
// records deliveries; Announce only sends.
type Publisher interface {
	Publish(ctx context.Context, events []listing.NotifyEvent) []publish.Result
	Announce(ctx context.Context, events []listing.NotifyEvent) []publish.Result
}

// Result summarizes one cycle.
type Result struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	// Stage is StageDone on success, otherwise the stage that failed or
	// StageFailed when the cycle never started.
	Stage    Stage         `json:"stage"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Fetched    int `json:"fetched"`
	Normalized int `json:"normalized"`
	Dropped    int `json:"dropped"`

	Added      int `json:"added"`
	Removed    int `json:"removed"`
	Changed    int `json:"changed"`
	Reappeared int `json:"reappeared"`

	Events    int `json:"events"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	// Announced counts delivered delisting notices.
	Announced int `json:"announced"`
}

// ExitCode maps the status to the process exit code used by `catalert run`.
func (r Result) ExitCode() int {
	switch r.Status {
	case StatusSuccess, StatusSkipped:
		return 0
	case StatusSoftFailure:
		return 2
	default:
		return 1
	}
}

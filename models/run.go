package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunResult is the outcome of one pipeline pass.
type RunResult struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Duration     time.Duration `json:"duration"`
	ItemsSeen    int           `json:"items_seen"`
	ItemFailures int           `json:"item_failures"`
	NewRecords   int           `json:"new_records"`
	Duplicates   int           `json:"duplicates"`
	Err          string        `json:"error,omitempty"`
}

func (r RunResult) Failed() bool {
	return r.Err != ""
}

func (r RunResult) Status() RunStatus {
	if r.Failed() {
		return RunStatusFailed
	}
	return RunStatusCompleted
}

// ScrapeRun is a journaled run row.
type ScrapeRun struct {
	ID           int64      `json:"id" db:"id"`
	RunID        string     `json:"run_id" db:"run_id"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	ItemsSeen    int        `json:"items_seen" db:"items_seen"`
	ItemFailures int        `json:"item_failures" db:"item_failures"`
	ListingsNew  int        `json:"listings_new" db:"listings_new"`
	Duplicates   int        `json:"duplicates" db:"duplicates"`
	Error        string     `json:"error" db:"error"`
}

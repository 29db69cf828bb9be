package models

import "time"

type HealthState string

const (
	HealthStarting HealthState = "starting"
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
	HealthStopped  HealthState = "stopped"
)

type HealthStatus struct {
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	TotalRuns           int         `json:"total_runs"`
	TotalSuccesses      int         `json:"total_successes"`
	TotalFailures       int         `json:"total_failures"`
	ErrorRate           float64     `json:"error_rate"`
	LastRun             *time.Time  `json:"last_run,omitempty"`
	LastSuccess         *time.Time  `json:"last_success,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	Stats               RunStats    `json:"stats"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// RunStats holds running averages over completed runs.
type RunStats struct {
	TotalEntries     int           `json:"total_entries"`
	TotalNew         int           `json:"total_new"`
	AvgEntriesPerRun float64       `json:"avg_entries_per_run"`
	AvgNewPerRun     float64       `json:"avg_new_per_run"`
	AvgDuration      time.Duration `json:"avg_duration"`
	Fastest          time.Duration `json:"fastest"`
	Slowest          time.Duration `json:"slowest"`
}

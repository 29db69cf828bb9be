package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Client reads the daemon's run journal. It never writes.
type Client struct {
	sqlite *sql.DB
	ctx    context.Context
}

type ScrapeRun struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       string
	ItemsSeen    int
	ItemFailures int
	ListingsNew  int
	Duplicates   int
	Error        string
}

func (r ScrapeRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type ScrapeLog struct {
	ID        int64
	RunID     string
	Timestamp time.Time
	Level     string
	Message   string
	Site      string
}

type Totals struct {
	Runs       int
	Failed     int
	NewRecords int
	Duplicates int
}

// Health mirrors the status file the daemon rewrites after every run.
type Health struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRuns           int        `json:"total_runs"`
	TotalFailures       int        `json:"total_failures"`
	ErrorRate           float64    `json:"error_rate"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	Stats               struct {
		AvgNewPerRun float64       `json:"avg_new_per_run"`
		AvgDuration  time.Duration `json:"avg_duration"`
	} `json:"stats"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(sqlitePath string) (*Client, error) {
	if _, err := os.Stat(sqlitePath); err != nil {
		return nil, fmt.Errorf("journal %s: %w", sqlitePath, err)
	}
	sqliteDB, err := sql.Open("sqlite", "file:"+sqlitePath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	return &Client{sqlite: sqliteDB, ctx: context.Background()}, nil
}

func (c *Client) Close() error {
	return c.sqlite.Close()
}

func (c *Client) GetRecentRuns(limit int) ([]ScrapeRun, error) {
	rows, err := c.sqlite.QueryContext(c.ctx, `
		SELECT run_id, started_at, finished_at, COALESCE(status, ''),
			items_seen, item_failures, listings_new, duplicates, COALESCE(error, '')
		FROM scrape_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ScrapeRun
	for rows.Next() {
		var r ScrapeRun
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.StartedAt, &finished, &r.Status,
			&r.ItemsSeen, &r.ItemFailures, &r.ListingsNew, &r.Duplicates, &r.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (c *Client) GetTotals() (Totals, error) {
	var t Totals
	err := c.sqlite.QueryRowContext(c.ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(listings_new), 0),
			COALESCE(SUM(duplicates), 0)
		FROM scrape_runs
	`).Scan(&t.Runs, &t.Failed, &t.NewRecords, &t.Duplicates)
	return t, err
}

// GetRecentLogs returns journaled log lines, newest first. A nil level
// returns every level.
func (c *Client) GetRecentLogs(limit int, level *string) ([]ScrapeLog, error) {
	query := `
		SELECT id, COALESCE(run_id, ''), timestamp, COALESCE(level, ''), COALESCE(message, ''), COALESCE(site, '')
		FROM scrape_logs`
	args := []any{}
	if level != nil {
		query += ` WHERE level = ?`
		args = append(args, *level)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.sqlite.QueryContext(c.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []ScrapeLog
	for rows.Next() {
		var l ScrapeLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Site); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func ReadHealth(path string) (*Health, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &h, nil
}

package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schema = `
CREATE TABLE scrape_runs (
	id INTEGER PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	started_at DATETIME,
	finished_at DATETIME,
	status TEXT,
	items_seen INTEGER DEFAULT 0,
	item_failures INTEGER DEFAULT 0,
	listings_new INTEGER DEFAULT 0,
	duplicates INTEGER DEFAULT 0,
	error TEXT DEFAULT ''
);
CREATE TABLE scrape_logs (
	id INTEGER PRIMARY KEY,
	run_id TEXT,
	timestamp DATETIME,
	level TEXT,
	message TEXT,
	site TEXT
);`

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scraper.db")
	w, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Exec(schema)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	done := base.Add(40 * time.Second)
	_, err = w.Exec(`INSERT INTO scrape_runs (run_id, started_at, finished_at, status, items_seen, listings_new, duplicates)
		VALUES (?, ?, ?, 'completed', 12, 5, 7)`, "run-a", base, done)
	require.NoError(t, err)
	_, err = w.Exec(`INSERT INTO scrape_runs (run_id, started_at, status, error)
		VALUES (?, ?, 'failed', 'acquire session: no browser')`, "run-b", base.Add(time.Hour))
	require.NoError(t, err)

	_, err = w.Exec(`INSERT INTO scrape_logs (run_id, timestamp, level, message, site) VALUES
		('run-a', ?, 'info', 'completed: 12 items, 5 new, 7 duplicates', 'dat'),
		('run-b', ?, 'error', 'acquire session: no browser', 'dat')`,
		done, base.Add(time.Hour))
	require.NoError(t, err)
	return path
}

func TestClient_RecentRunsNewestFirst(t *testing.T) {
	c, err := New(seedJournal(t))
	require.NoError(t, err)
	defer c.Close()

	runs, err := c.GetRecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-b", runs[0].RunID)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Zero(t, runs[0].Duration())

	assert.Equal(t, "run-a", runs[1].RunID)
	require.NotNil(t, runs[1].FinishedAt)
	assert.Equal(t, 40*time.Second, runs[1].Duration())
	assert.Equal(t, 5, runs[1].ListingsNew)
}

func TestClient_Totals(t *testing.T) {
	c, err := New(seedJournal(t))
	require.NoError(t, err)
	defer c.Close()

	totals, err := c.GetTotals()
	require.NoError(t, err)
	assert.Equal(t, Totals{Runs: 2, Failed: 1, NewRecords: 5, Duplicates: 7}, totals)
}

func TestClient_LogsFilterByLevel(t *testing.T) {
	c, err := New(seedJournal(t))
	require.NoError(t, err)
	defer c.Close()

	all, err := c.GetRecentLogs(10, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "error", all[0].Level)

	level := "info"
	infos, err := c.GetRecentLogs(10, &level)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "run-a", infos[0].RunID)
	assert.Equal(t, "dat", infos[0].Site)
}

func TestNew_MissingJournal(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
}

func TestReadHealth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"state": "degraded",
		"consecutive_failures": 1,
		"total_runs": 4,
		"error_rate": 0.25,
		"last_error": "extract batch: boom",
		"stats": {"avg_new_per_run": 2.5, "avg_duration": 30000000000},
		"updated_at": "2026-03-01T08:00:00Z"
	}`), 0o644))

	h, err := ReadHealth(path)
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.State)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.InDelta(t, 0.25, h.ErrorRate, 1e-9)
	assert.Equal(t, 30*time.Second, h.Stats.AvgDuration)

	_, err = ReadHealth(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"freight_scrooper/models"
)

// RunJournal is the operational record of runs and their log lines.
type RunJournal struct {
	db  *sql.DB
	now func() time.Time
}

func NewRunJournal(dbPath string) (*RunJournal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	j := &RunJournal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *RunJournal) Close() error {
	return j.db.Close()
}

func (j *RunJournal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scrape_runs (
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

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		run_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		site TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_run ON scrape_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON scrape_runs(status, started_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *RunJournal) CreateRun(ctx context.Context, run *models.ScrapeRun) (int64, error) {
	result, err := j.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (run_id, started_at, status)
		VALUES (?, ?, ?)`,
		run.RunID, run.StartedAt, run.Status)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

func (j *RunJournal) FinishRun(ctx context.Context, run *models.ScrapeRun) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE scrape_runs SET finished_at = ?, status = ?, items_seen = ?,
			item_failures = ?, listings_new = ?, duplicates = ?, error = ?
		WHERE run_id = ?`,
		run.FinishedAt, run.Status, run.ItemsSeen, run.ItemFailures,
		run.ListingsNew, run.Duplicates, run.Error, run.RunID)
	return err
}

func (j *RunJournal) Log(ctx context.Context, runID string, level models.LogLevel, message, site string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO scrape_logs (run_id, timestamp, level, message, site)
		VALUES (?, ?, ?, ?, ?)`,
		runID, j.now(), level, message, site)
	return err
}

// RecentRuns returns the latest runs, newest first.
func (j *RunJournal) RecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, run_id, started_at, finished_at, status, items_seen, item_failures,
			listings_new, duplicates, COALESCE(error, '')
		FROM scrape_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ScrapeRun
	for rows.Next() {
		var r models.ScrapeRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &finished, &r.Status,
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

func (j *RunJournal) RunLogs(ctx context.Context, runID string) ([]models.ScrapeLog, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, level, message, COALESCE(site, '')
		FROM scrape_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ScrapeLog
	for rows.Next() {
		var l models.ScrapeLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Site); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

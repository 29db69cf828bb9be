package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"freight_scrooper/identity"
	"freight_scrooper/models"
)

// PostgresMirror copies newly written listings into Postgres. The CSV file
// remains the source of truth.
type PostgresMirror struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPostgresMirror(ctx context.Context, connString string, log *zap.Logger) (*PostgresMirror, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	m := &PostgresMirror{pool: pool, log: log.With(zap.String("component", "mirror"))}
	if err := m.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

func (m *PostgresMirror) Close() {
	m.pool.Close()
}

func (m *PostgresMirror) migrate(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			fingerprint   TEXT PRIMARY KEY,
			identifier    TEXT NOT NULL,
			origin        TEXT,
			destination   TEXT,
			rate_total    INTEGER,
			rate_per_mile DOUBLE PRECISION,
			company       TEXT,
			contact       TEXT,
			age_posted    TEXT,
			extracted_at  TIMESTAMPTZ,
			run_id        TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_listings_extracted ON listings(extracted_at);
		CREATE INDEX IF NOT EXISTS idx_listings_lane ON listings(origin, destination);
	`)
	return err
}

const insertListing = `
	INSERT INTO listings (
		fingerprint, identifier, origin, destination, rate_total, rate_per_mile,
		company, contact, age_posted, extracted_at, run_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (fingerprint) DO NOTHING`

// Mirror inserts records in one batch and returns how many rows were new.
func (m *PostgresMirror) Mirror(ctx context.Context, runID string, records []models.ListingRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for i := range records {
		batch.Queue(insertListing, listingArgs(runID, &records[i])...)
	}

	br := m.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range records {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert listing: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	m.log.Debug("mirrored listings", zap.Int("records", len(records)), zap.Int("inserted", inserted))
	return inserted, nil
}

func listingArgs(runID string, r *models.ListingRecord) []any {
	return []any{
		identity.Fingerprint(r),
		r.Identifier,
		r.Origin,
		r.Destination,
		r.RateTotal,
		r.RatePerMile,
		r.Company,
		r.Contact,
		r.AgePosted,
		r.ExtractedAt,
		runID,
	}
}

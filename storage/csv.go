package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"freight_scrooper/identity"
	"freight_scrooper/models"
)

// Header is the stable column order of the listings file.
var Header = []string{
	"identifier",
	"origin",
	"destination",
	"rate_total",
	"rate_per_mile",
	"company",
	"contact",
	"age_posted",
	"extracted_at",
}

var ErrHeaderMismatch = errors.New("csv header does not match")

// Archiver receives the path of a rotated file.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

const defaultArchiveTimeout = 2 * time.Minute

type CSVOptions struct {
	// MaxBytes triggers rotation before an append once the file reaches it. 0 disables rotation.
	MaxBytes int64
	Archiver Archiver
	// ArchiveTimeout bounds one upload. Defaults to two minutes.
	ArchiveTimeout time.Duration
	Log            *zap.Logger
	Now            func() time.Time
}

type AppendResult struct {
	Written    int
	Duplicates int
	// Records holds what was actually written, in order.
	Records []models.ListingRecord
}

// storeFile is the subset of *os.File the store writes through.
type storeFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// CSVStore is an append-only listings file with fingerprint dedup. One
// process writes to a given path.
type CSVStore struct {
	mu     sync.Mutex
	path   string
	opts   CSVOptions
	log    *zap.Logger
	f      storeFile
	closed bool
	seen   map[string]struct{}
	count  int
}

// OpenCSVStore loads prior records from path, seeds the fingerprint set and
// opens the file for appending. A missing file is created with the header.
func OpenCSVStore(path string, opts CSVOptions) (*CSVStore, []models.ListingRecord, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = defaultArchiveTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &CSVStore{
		path: path,
		opts: opts,
		log:  log.With(zap.String("component", "store")),
		seen: make(map[string]struct{}),
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	prior, err := readRecords(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeHeaderFile(path); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	}

	for i := range prior {
		s.seen[identity.Fingerprint(&prior[i])] = struct{}{}
	}
	s.count = len(prior)

	if err := s.openAppend(); err != nil {
		return nil, nil, err
	}
	s.log.Info("store loaded",
		zap.String("path", path),
		zap.Int("records", len(prior)),
		zap.Int("fingerprints", len(s.seen)))
	return s, prior, nil
}

// Append writes records whose fingerprint has not been seen, either in the
// current file or earlier in the same batch. Rows are flushed and synced
// before the fingerprints are committed; a failed batch is truncated away.
// A file rotated out by this call is handed to the Archiver once the store
// is unlocked.
func (s *CSVStore) Append(ctx context.Context, records []models.ListingRecord) (AppendResult, error) {
	res, archive, err := s.append(records)
	if archive != "" {
		s.upload(ctx, archive)
	}
	return res, err
}

func (s *CSVStore) append(records []models.ListingRecord) (AppendResult, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res AppendResult
	if s.closed {
		return res, "", os.ErrClosed
	}
	if s.f == nil {
		if err := s.reopen(); err != nil {
			return res, "", fmt.Errorf("reopen store: %w", err)
		}
	}
	archive, err := s.maybeRotate()
	if err != nil {
		return res, archive, fmt.Errorf("rotate: %w", err)
	}

	info, err := s.f.Stat()
	if err != nil {
		return res, archive, fmt.Errorf("stat store: %w", err)
	}
	offset := info.Size()

	batch := make(map[string]struct{}, len(records))
	w := csv.NewWriter(s.f)
	for i := range records {
		fp := identity.Fingerprint(&records[i])
		if _, ok := s.seen[fp]; ok {
			res.Duplicates++
			continue
		}
		if _, ok := batch[fp]; ok {
			res.Duplicates++
			continue
		}
		if err := w.Write(toRow(&records[i])); err != nil {
			return AppendResult{}, archive, s.rollback(offset, fmt.Errorf("write row: %w", err))
		}
		batch[fp] = struct{}{}
		res.Records = append(res.Records, records[i])
	}
	if len(res.Records) == 0 {
		return res, archive, nil
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return AppendResult{}, archive, s.rollback(offset, fmt.Errorf("flush rows: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		return AppendResult{}, archive, s.rollback(offset, fmt.Errorf("sync store: %w", err))
	}

	for fp := range batch {
		s.seen[fp] = struct{}{}
	}
	res.Written = len(res.Records)
	s.count += res.Written
	s.log.Debug("appended records", zap.Int("written", res.Written), zap.Int("duplicates", res.Duplicates))
	return res, archive, nil
}

// rollback cuts the file back to offset so a failed batch leaves no rows
// behind that the fingerprint set does not know about.
func (s *CSVStore) rollback(offset int64, cause error) error {
	if err := s.f.Truncate(offset); err != nil {
		s.log.Error("truncate after failed append", zap.Int64("offset", offset), zap.Error(err))
		return errors.Join(cause, err)
	}
	if err := s.f.Sync(); err != nil {
		s.log.Warn("sync after truncate", zap.Error(err))
	}
	return cause
}

func (s *CSVStore) upload(ctx context.Context, archive string) {
	if s.opts.Archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ArchiveTimeout)
	defer cancel()
	if err := s.opts.Archiver.Archive(ctx, archive); err != nil {
		s.log.Warn("archive upload failed", zap.String("archive", archive), zap.Error(err))
	}
}

// Count returns the number of records in the current file.
func (s *CSVStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *CSVStore) Path() string {
	return s.path
}

func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// maybeRotate moves a full file aside and starts a fresh one. It returns the
// archive path once the rename has happened, even if the fresh file could
// not be opened; the next Append retries the open.
func (s *CSVStore) maybeRotate() (string, error) {
	if s.opts.MaxBytes <= 0 {
		return "", nil
	}
	info, err := s.f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() < s.opts.MaxBytes || s.count == 0 {
		return "", nil
	}

	archive := s.archivePath()
	if err := s.f.Close(); err != nil {
		return "", err
	}
	s.f = nil
	if err := os.Rename(s.path, archive); err != nil {
		// keep writing to the old file rather than losing the handle
		if oerr := s.openAppend(); oerr != nil {
			return "", errors.Join(err, oerr)
		}
		return "", err
	}

	s.log.Info("store rotated",
		zap.String("archive", archive),
		zap.Int("archived_records", s.count),
		zap.Int64("bytes", info.Size()))
	s.seen = make(map[string]struct{})
	s.count = 0

	if err := s.reopen(); err != nil {
		return archive, err
	}
	return archive, nil
}

// reopen restores the append handle, recreating the file with its header
// when it is missing.
func (s *CSVStore) reopen() error {
	_, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeHeaderFile(s.path); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	return s.openAppend()
}

// archivePath returns <name>-<UTC timestamp>.csv next to the live file.
func (s *CSVStore) archivePath() string {
	dir, file := filepath.Split(s.path)
	base := strings.TrimSuffix(file, filepath.Ext(file))
	stamp := s.opts.Now().UTC().Format("20060102T150405Z")
	candidate := filepath.Join(dir, fmt.Sprintf("%s-%s.csv", base, stamp))
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%s-%d.csv", base, stamp, n))
	}
}

func (s *CSVStore) openAppend() error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.f = f
	return nil
}

// writeHeaderFile creates path holding only the header. A failed attempt
// removes the partial file.
func writeHeaderFile(path string) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// ReadCSV loads every record of a listings file.
func ReadCSV(path string) ([]models.ListingRecord, error) {
	return readRecords(path)
}

func readRecords(path string) ([]models.ListingRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)
	head, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	for i, col := range Header {
		if head[i] != col {
			return nil, fmt.Errorf("%s: %w: column %d is %q, want %q", path, ErrHeaderMismatch, i, head[i], col)
		}
	}

	var out []models.ListingRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", path, line, err)
		}
		rec, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(r *models.ListingRecord) []string {
	row := make([]string, len(Header))
	row[0] = r.Identifier
	row[1] = r.Origin
	row[2] = r.Destination
	if r.RateTotal != nil {
		row[3] = strconv.Itoa(*r.RateTotal)
	}
	if r.RatePerMile != nil {
		row[4] = strconv.FormatFloat(*r.RatePerMile, 'f', -1, 64)
	}
	row[5] = r.Company
	if r.Contact != nil {
		row[6] = *r.Contact
	}
	row[7] = r.AgePosted
	if !r.ExtractedAt.IsZero() {
		row[8] = r.ExtractedAt.UTC().Format(time.RFC3339)
	}
	return row
}

func fromRow(row []string) (models.ListingRecord, error) {
	rec := models.ListingRecord{
		Identifier:  row[0],
		Origin:      row[1],
		Destination: row[2],
		Company:     row[5],
		AgePosted:   row[7],
	}
	if row[3] != "" {
		v, err := strconv.Atoi(row[3])
		if err != nil {
			return rec, fmt.Errorf("rate_total: %w", err)
		}
		rec.RateTotal = &v
	}
	if row[4] != "" {
		v, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return rec, fmt.Errorf("rate_per_mile: %w", err)
		}
		rec.RatePerMile = &v
	}
	if row[6] != "" {
		c := row[6]
		rec.Contact = &c
	}
	if row[8] != "" {
		t, err := time.Parse(time.RFC3339, row[8])
		if err != nil {
			return rec, fmt.Errorf("extracted_at: %w", err)
		}
		rec.ExtractedAt = t
	}
	return rec, nil
}

package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"freight_scrooper/browser"
	"freight_scrooper/browser/browsertest"
	"freight_scrooper/config"
	"freight_scrooper/extract"
	"freight_scrooper/models"
	"freight_scrooper/monitor"
	"freight_scrooper/session"
	"freight_scrooper/storage"
)

type harness struct {
	cfg     *config.Config
	driver  *browsertest.Driver
	manager *session.Manager
	store   *storage.CSVStore
	monitor *monitor.Monitor
	journal *storage.RunJournal
	orch    *Orchestrator
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Site: config.DefaultSite(),
		Session: config.SessionConfig{
			ConnectAttempts: 1,
			BackoffBase:     time.Millisecond,
			BackoffMax:      time.Millisecond,
			NavTimeout:      time.Second,
			ProbeTimeout:    time.Second,
		},
		Extract: config.ExtractConfig{
			DetailTimeout: 10 * time.Millisecond,
			FieldTimeout:  10 * time.Millisecond,
			ActionTimeout: 10 * time.Millisecond,
		},
		Store: config.StoreConfig{Path: filepath.Join(dir, "listings.csv")},
		Monitor: config.MonitorConfig{
			StatusPath:       filepath.Join(dir, "status.json"),
			FailureThreshold: 2,
			HistorySize:      10,
			ExitOnCritical:   true,
		},
		DBPath: filepath.Join(dir, "scraper.db"),
	}
}

func listingRows() []*browsertest.Row {
	return []*browsertest.Row{
		{
			Fields: map[string]string{
				".origin": "San Leandro, CA", ".destination": "Loveland, CO",
				".rate": "$2,700$2.17*/mi", ".company": "Blue Freight", ".age": "2m",
			},
			DetailHTML: `<div><p>Reference #: 78B1234</p></div>`,
		},
		{
			Fields: map[string]string{
				".trip": "Fresno, CAReno, NV", ".rate": "$1,500", ".company": "Acme", ".age": "9m",
			},
		},
	}
}

func newHarness(t *testing.T, cfg *config.Config, driver *browsertest.Driver, extractor Extractor) *harness {
	t.Helper()
	log := zap.NewNop()
	store, _, err := storage.OpenCSVStore(cfg.Store.Path, storage.CSVOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	journal, err := storage.NewRunJournal(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	mgr := session.NewManager(cfg, driver, log)
	mon := monitor.New(cfg.Monitor, log, nil)
	if extractor == nil {
		extractor = extract.NewEngine(cfg, log)
	}
	orch := NewOrchestrator(cfg, mgr, extractor, store, mon, log)
	orch.SetJournal(journal)
	return &harness{cfg: cfg, driver: driver, manager: mgr, store: store, monitor: mon, journal: journal, orch: orch}
}

func boardDriver(cfg *config.Config) *browsertest.Driver {
	return &browsertest.Driver{NewSession: func() *browsertest.Session {
		return browsertest.NewSession(cfg.Site.Selectors.Detail, listingRows()...)
	}}
}

func TestRun_RerunYieldsNoNewRecords(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, boardDriver(cfg), nil)

	first := h.orch.Run(context.Background())
	require.False(t, first.Failed(), first.Err)
	assert.Equal(t, 2, first.ItemsSeen)
	assert.Equal(t, 2, first.NewRecords)
	assert.NotEmpty(t, first.ID)

	second := h.orch.Run(context.Background())
	require.False(t, second.Failed(), second.Err)
	assert.Zero(t, second.NewRecords)
	assert.Equal(t, 2, second.Duplicates)

	// the live session was reused and reloaded
	assert.Equal(t, 1, h.driver.Launches)
	assert.Equal(t, 2, h.driver.Sessions[0].Navigates)

	recs, err := storage.ReadCSV(cfg.Store.Path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "78B1234", recs[0].Identifier)
	assert.Equal(t, "Fresno, CA", recs[1].Origin)
	assert.Equal(t, "Reno, NV", recs[1].Destination)

	st := h.monitor.Status()
	assert.Equal(t, models.HealthHealthy, st.State)
	assert.Equal(t, 2, st.TotalRuns)

	runs, err := h.journal.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
}

func TestRun_SessionFailureIsRecordedAndCritical(t *testing.T) {
	cfg := testConfig(t)
	drv := &browsertest.Driver{Errs: []error{errors.New("no browser"), errors.New("no browser")}}
	h := newHarness(t, cfg, drv, nil)

	var critical []models.HealthStatus
	h.orch.OnCritical = func(s models.HealthStatus) { critical = append(critical, s) }

	res := h.orch.Run(context.Background())
	require.True(t, res.Failed())
	assert.Contains(t, res.Err, "acquire session")
	assert.Equal(t, models.HealthDegraded, h.monitor.Status().State)
	assert.Empty(t, critical)

	res = h.orch.Run(context.Background())
	require.True(t, res.Failed())
	assert.Equal(t, models.HealthCritical, h.monitor.Status().State)
	require.Len(t, critical, 1)
	assert.Equal(t, 2, critical[0].ConsecutiveFailures)

	runs, err := h.journal.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "no browser")

	// the next good run recovers
	res = h.orch.Run(context.Background())
	require.False(t, res.Failed(), res.Err)
	assert.Equal(t, models.HealthHealthy, h.monitor.Status().State)
}

func TestRun_CriticalHookRespectsConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.FailureThreshold = 1
	cfg.Monitor.ExitOnCritical = false
	h := newHarness(t, cfg, &browsertest.Driver{Errs: []error{errors.New("down")}}, nil)
	called := false
	h.orch.OnCritical = func(models.HealthStatus) { called = true }

	res := h.orch.Run(context.Background())
	require.True(t, res.Failed())
	assert.Equal(t, models.HealthCritical, h.monitor.Status().State)
	assert.False(t, called)
}

type panicExtractor struct{}

func (panicExtractor) ExtractBatch(context.Context, browser.Session) (extract.BatchResult, error) {
	panic("selector table corrupted")
}

func TestRun_RecoversPanic(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, boardDriver(cfg), panicExtractor{})

	res := h.orch.Run(context.Background())
	require.True(t, res.Failed())
	assert.Contains(t, res.Err, "panic: selector table corrupted")
	assert.Equal(t, 1, h.monitor.Status().TotalFailures)
}

type blockingExtractor struct {
	partial []models.ListingRecord
}

func (b blockingExtractor) ExtractBatch(ctx context.Context, _ browser.Session) (extract.BatchResult, error) {
	<-ctx.Done()
	return extract.BatchResult{Records: b.partial, ItemsSeen: len(b.partial)}, ctx.Err()
}

func TestRun_TimeoutFailsRunWithoutPartialWrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.RunTimeout = 20 * time.Millisecond
	total := 900
	h := newHarness(t, cfg, boardDriver(cfg), blockingExtractor{partial: []models.ListingRecord{
		{Identifier: "X1", Origin: "Reno, NV", Destination: "Boise, ID", RateTotal: &total},
	}})

	res := h.orch.Run(context.Background())
	require.True(t, res.Failed())
	assert.Contains(t, res.Err, ErrRunTimeout.Error())
	assert.Equal(t, 1, res.ItemsSeen)
	assert.Zero(t, h.store.Count())
	assert.Equal(t, session.StateReady, h.manager.State(), "a timed out batch keeps the session")
}

type fakeMirror struct {
	runs    []string
	records int
	err     error
}

func (m *fakeMirror) Mirror(_ context.Context, runID string, recs []models.ListingRecord) (int, error) {
	m.runs = append(m.runs, runID)
	m.records += len(recs)
	return len(recs), m.err
}

func TestRun_MirrorsOnlyNewRecords(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, boardDriver(cfg), nil)
	mirror := &fakeMirror{}
	h.orch.SetMirror(mirror)

	first := h.orch.Run(context.Background())
	require.False(t, first.Failed(), first.Err)
	second := h.orch.Run(context.Background())
	require.False(t, second.Failed(), second.Err)

	assert.Equal(t, []string{first.ID}, mirror.runs)
	assert.Equal(t, 2, mirror.records)

	mirror.err = errors.New("pg down")
	h.store.Close()
	store, _, err := storage.OpenCSVStore(filepath.Join(t.TempDir(), "fresh.csv"), storage.CSVOptions{})
	require.NoError(t, err)
	defer store.Close()
	h.orch.store = store
	third := h.orch.Run(context.Background())
	assert.False(t, third.Failed(), "mirror errors do not fail the run")
}

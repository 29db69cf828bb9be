package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"freight_scrooper/config"
	"freight_scrooper/models"
)

func newTestMonitor(t *testing.T, threshold, history int) (*Monitor, string, *prometheus.Registry) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status.json")
	reg := prometheus.NewRegistry()
	m := New(config.MonitorConfig{
		StatusPath:       path,
		FailureThreshold: threshold,
		HistorySize:      history,
	}, zap.NewNop(), reg)
	return m, path, reg
}

func ok(items, fresh int, d time.Duration) models.RunResult {
	return models.RunResult{Timestamp: time.Now(), ItemsSeen: items, NewRecords: fresh, Duration: d}
}

func failed(msg string) models.RunResult {
	return models.RunResult{Timestamp: time.Now(), Duration: time.Second, Err: msg}
}

func TestMonitor_ThresholdTransitions(t *testing.T) {
	m, path, _ := newTestMonitor(t, 3, 10)
	m.Start()
	assert.Equal(t, models.HealthStarting, m.Status().State)

	st := m.RecordRun(ok(10, 4, time.Second))
	assert.Equal(t, models.HealthHealthy, st.State)

	st = m.RecordRun(failed("boom"))
	assert.Equal(t, models.HealthDegraded, st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures)

	st = m.RecordRun(failed("boom"))
	assert.Equal(t, models.HealthDegraded, st.State)

	st = m.RecordRun(failed("still down"))
	assert.Equal(t, models.HealthCritical, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, "still down", st.LastError)

	onDisk, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, models.HealthCritical, onDisk.State)

	st = m.RecordRun(ok(8, 0, time.Second))
	assert.Equal(t, models.HealthHealthy, st.State)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 5, st.TotalRuns)
	assert.Equal(t, 2, st.TotalSuccesses)
	assert.Equal(t, 3, st.TotalFailures)
	assert.InDelta(t, 0.6, st.ErrorRate, 1e-9)

	m.Stop()
	onDisk, err = ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, models.HealthStopped, onDisk.State)
}

func TestMonitor_ThresholdOfOneGoesStraightToCritical(t *testing.T) {
	m, _, _ := newTestMonitor(t, 1, 10)
	st := m.RecordRun(failed("down"))
	assert.Equal(t, models.HealthCritical, st.State)
}

func TestMonitor_IncrementalStats(t *testing.T) {
	m, _, _ := newTestMonitor(t, 5, 10)
	m.RecordRun(ok(10, 6, 2*time.Second))
	m.RecordRun(failed("ignored by averages"))
	m.RecordRun(ok(20, 0, 4*time.Second))
	st := m.RecordRun(ok(30, 3, 6*time.Second))

	assert.Equal(t, 60, st.Stats.TotalEntries)
	assert.Equal(t, 9, st.Stats.TotalNew)
	assert.InDelta(t, 20.0, st.Stats.AvgEntriesPerRun, 1e-9)
	assert.InDelta(t, 3.0, st.Stats.AvgNewPerRun, 1e-9)
	assert.Equal(t, 4*time.Second, st.Stats.AvgDuration)
	assert.Equal(t, 2*time.Second, st.Stats.Fastest)
	assert.Equal(t, 6*time.Second, st.Stats.Slowest)
}

func TestMonitor_HistoryIsBounded(t *testing.T) {
	m, _, _ := newTestMonitor(t, 5, 3)
	for i := 1; i <= 5; i++ {
		m.RecordRun(ok(i, 0, time.Second))
	}
	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{h[0].ItemsSeen, h[1].ItemsSeen, h[2].ItemsSeen})

	m2, _, _ := newTestMonitor(t, 5, 3)
	m2.RecordRun(ok(1, 0, time.Second))
	assert.Len(t, m2.History(), 1)
}

func TestMonitor_Metrics(t *testing.T) {
	m, _, reg := newTestMonitor(t, 2, 10)
	m.RecordRun(ok(10, 4, time.Second))
	m.RecordRun(failed("x"))

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]bool{}
	for _, f := range families {
		got[f.GetName()] = true
	}
	for _, name := range []string{
		"scrooper_runs_total",
		"scrooper_items_seen_total",
		"scrooper_records_new_total",
		"scrooper_consecutive_failures",
		"scrooper_health_state",
		"scrooper_run_duration_seconds",
	} {
		assert.True(t, got[name], name)
	}
}

func TestMonitor_NilRegistererAndNoStatusPath(t *testing.T) {
	m := New(config.MonitorConfig{FailureThreshold: 2, HistorySize: 5}, zap.NewNop(), nil)
	st := m.RecordRun(failed("x"))
	assert.Equal(t, models.HealthDegraded, st.State)
}

func TestServer_Healthz(t *testing.T) {
	m, _, reg := newTestMonitor(t, 1, 10)
	srv := NewServer(":0", m, reg, zap.NewNop())

	m.RecordRun(ok(1, 1, time.Second))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body models.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.HealthHealthy, body.State)

	m.RecordRun(failed("down"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"critical"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "scrooper_runs_total"))
}

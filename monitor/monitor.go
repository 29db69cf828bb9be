// Package monitor tracks run outcomes and publishes a health snapshot that
// readers can load without touching the active run.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"freight_scrooper/config"
	"freight_scrooper/models"
)

var states = []models.HealthState{
	models.HealthStarting,
	models.HealthHealthy,
	models.HealthDegraded,
	models.HealthCritical,
	models.HealthStopped,
}

type metrics struct {
	runs        *prometheus.CounterVec
	items       prometheus.Counter
	newRecords  prometheus.Counter
	duplicates  prometheus.Counter
	duration    prometheus.Histogram
	consecutive prometheus.Gauge
	state       *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scrooper_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"status"}),
		items: f.NewCounter(prometheus.CounterOpts{
			Name: "scrooper_items_seen_total",
			Help: "Listing rows visited.",
		}),
		newRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "scrooper_records_new_total",
			Help: "Records appended to the store.",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "scrooper_records_duplicate_total",
			Help: "Records dropped as duplicates.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrooper_run_duration_seconds",
			Help:    "Pipeline run duration.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		consecutive: f.NewGauge(prometheus.GaugeOpts{
			Name: "scrooper_consecutive_failures",
			Help: "Failed runs since the last success.",
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scrooper_health_state",
			Help: "1 for the current health state, 0 otherwise.",
		}, []string{"state"}),
	}
}

type Monitor struct {
	cfg     config.MonitorConfig
	log     *zap.Logger
	metrics *metrics
	now     func() time.Time

	mu      sync.Mutex
	status  models.HealthStatus
	history []models.RunResult
	next    int
	full    bool

	snap atomic.Pointer[models.HealthStatus]
}

// New builds a monitor in the starting state. reg may be nil, in which case
// metrics are kept but not registered.
func New(cfg config.MonitorConfig, log *zap.Logger, reg prometheus.Registerer) *Monitor {
	size := cfg.HistorySize
	if size < 1 {
		size = 1
	}
	m := &Monitor{
		cfg:     cfg,
		log:     log.With(zap.String("component", "monitor")),
		metrics: newMetrics(reg),
		now:     time.Now,
		history: make([]models.RunResult, size),
		status:  models.HealthStatus{State: models.HealthStarting},
	}
	initial := m.status
	m.snap.Store(&initial)
	return m
}

// Start persists the starting state.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(models.HealthStarting)
	m.publish()
}

// Stop persists the terminal stopped state.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(models.HealthStopped)
	m.publish()
}

// RecordRun folds one run into the counters and the health state machine
// and returns the resulting status.
func (m *Monitor) RecordRun(r models.RunResult) models.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.status
	ts := r.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	s.TotalRuns++
	s.LastRun = &ts

	if r.Failed() {
		s.TotalFailures++
		s.ConsecutiveFailures++
		s.LastError = r.Err
		if s.ConsecutiveFailures >= m.cfg.FailureThreshold {
			m.transition(models.HealthCritical)
		} else {
			m.transition(models.HealthDegraded)
		}
		m.metrics.runs.WithLabelValues(string(models.RunStatusFailed)).Inc()
	} else {
		s.TotalSuccesses++
		s.ConsecutiveFailures = 0
		s.LastSuccess = &ts
		s.LastError = ""
		m.transition(models.HealthHealthy)
		m.updateStats(r)
		m.metrics.runs.WithLabelValues(string(models.RunStatusCompleted)).Inc()
	}
	s.ErrorRate = float64(s.TotalFailures) / float64(s.TotalRuns)

	m.metrics.items.Add(float64(r.ItemsSeen))
	m.metrics.newRecords.Add(float64(r.NewRecords))
	m.metrics.duplicates.Add(float64(r.Duplicates))
	m.metrics.duration.Observe(r.Duration.Seconds())
	m.metrics.consecutive.Set(float64(s.ConsecutiveFailures))

	m.history[m.next] = r
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}

	m.publish()
	return *m.snap.Load()
}

// updateStats keeps incremental averages over successful runs.
func (m *Monitor) updateStats(r models.RunResult) {
	st := &m.status.Stats
	n := float64(m.status.TotalSuccesses)
	st.TotalEntries += r.ItemsSeen
	st.TotalNew += r.NewRecords
	st.AvgEntriesPerRun += (float64(r.ItemsSeen) - st.AvgEntriesPerRun) / n
	st.AvgNewPerRun += (float64(r.NewRecords) - st.AvgNewPerRun) / n
	st.AvgDuration += time.Duration((float64(r.Duration) - float64(st.AvgDuration)) / n)
	if st.Fastest == 0 || r.Duration < st.Fastest {
		st.Fastest = r.Duration
	}
	if r.Duration > st.Slowest {
		st.Slowest = r.Duration
	}
}

func (m *Monitor) transition(to models.HealthState) {
	from := m.status.State
	m.status.State = to
	for _, st := range states {
		v := 0.0
		if st == to {
			v = 1
		}
		m.metrics.state.WithLabelValues(string(st)).Set(v)
	}
	if from != to {
		m.log.Info("health state changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("consecutive_failures", m.status.ConsecutiveFailures))
	}
}

// publish persists the working status and swaps the readable snapshot.
func (m *Monitor) publish() {
	m.status.UpdatedAt = m.now().UTC()
	snap := m.status
	if m.cfg.StatusPath != "" {
		if err := writeStatus(m.cfg.StatusPath, &snap); err != nil {
			m.log.Error("persist status", zap.String("path", m.cfg.StatusPath), zap.Error(err))
		}
	}
	m.snap.Store(&snap)
}

// Status returns the last published snapshot without taking the run lock.
func (m *Monitor) Status() models.HealthStatus {
	return *m.snap.Load()
}

// History returns recorded runs, oldest first.
func (m *Monitor) History() []models.RunResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]models.RunResult(nil), m.history[:m.next]...)
	}
	out := make([]models.RunResult, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	return append(out, m.history[:m.next]...)
}

// writeStatus overwrites path atomically via a temp file in the same directory.
func writeStatus(path string, s *models.HealthStatus) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStatus loads a persisted status document.
func ReadStatus(path string) (models.HealthStatus, error) {
	var s models.HealthStatus
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse status %s: %w", path, err)
	}
	return s, nil
}

package scraper

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"freight_scrooper/browser"
	"freight_scrooper/config"
	"freight_scrooper/extract"
	"freight_scrooper/models"
	"freight_scrooper/storage"
)

var ErrRunTimeout = errors.New("run timed out")

type Sessions interface {
	MaybeCleanup(ctx context.Context) error
	EnsureLive(ctx context.Context) (browser.Session, error)
	Refresh(ctx context.Context, sess browser.Session) error
	Invalidate(reason string)
}

type Extractor interface {
	ExtractBatch(ctx context.Context, sess browser.Session) (extract.BatchResult, error)
}

type Store interface {
	Append(ctx context.Context, records []models.ListingRecord) (storage.AppendResult, error)
}

type Recorder interface {
	RecordRun(r models.RunResult) models.HealthStatus
}

type Mirror interface {
	Mirror(ctx context.Context, runID string, records []models.ListingRecord) (int, error)
}

type Journal interface {
	CreateRun(ctx context.Context, run *models.ScrapeRun) (int64, error)
	FinishRun(ctx context.Context, run *models.ScrapeRun) error
	Log(ctx context.Context, runID string, level models.LogLevel, message, site string) error
}

// Orchestrator runs one pipeline pass: session, batch, store, report.
type Orchestrator struct {
	cfg       *config.Config
	sessions  Sessions
	extractor Extractor
	store     Store
	monitor   Recorder
	log       *zap.Logger
	now       func() time.Time

	mirror  Mirror
	journal Journal

	// OnCritical fires after a run leaves the monitor critical, when
	// EXIT_ON_CRITICAL is set.
	OnCritical func(models.HealthStatus)
}

func NewOrchestrator(cfg *config.Config, sessions Sessions, extractor Extractor, store Store, monitor Recorder, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		sessions:  sessions,
		extractor: extractor,
		store:     store,
		monitor:   monitor,
		log:       log.With(zap.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// SetMirror enables the optional Postgres copy of new records.
func (o *Orchestrator) SetMirror(m Mirror) {
	o.mirror = m
}

// SetJournal enables run journaling.
func (o *Orchestrator) SetJournal(j Journal) {
	o.journal = j
}

// Run executes one pass and always reports its outcome to the monitor.
// Panics are recovered and recorded as failed runs.
func (o *Orchestrator) Run(ctx context.Context) (res models.RunResult) {
	start := o.now()
	res = models.RunResult{ID: uuid.NewString(), Timestamp: start.UTC()}
	run := &models.ScrapeRun{RunID: res.ID, StartedAt: start, Status: models.RunStatusRunning}
	o.startJournal(run)

	if timeout := o.cfg.Scheduler.RunTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrRunTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Sprintf("panic: %v", r)
			o.log.Error("run panicked",
				zap.String("run_id", res.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
		res.Duration = o.now().Sub(start)
		o.finish(run, res)
	}()

	o.log.Info("run started", zap.String("run_id", res.ID))
	if err := o.execute(ctx, &res); err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrRunTimeout) {
			err = fmt.Errorf("%w after %s: %v", ErrRunTimeout, o.cfg.Scheduler.RunTimeout, err)
		}
		res.Err = err.Error()
	}
	return res
}

func (o *Orchestrator) execute(ctx context.Context, res *models.RunResult) error {
	if err := o.sessions.MaybeCleanup(ctx); err != nil {
		o.log.Warn("session cleanup failed", zap.Error(err))
	}

	sess, err := o.sessions.EnsureLive(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	if err := o.sessions.Refresh(ctx, sess); err != nil {
		return err
	}

	batch, err := o.extractor.ExtractBatch(ctx, sess)
	res.ItemsSeen = batch.ItemsSeen
	res.ItemFailures = batch.Failures
	if err != nil {
		if ctx.Err() == nil {
			o.sessions.Invalidate("batch failed")
		}
		// buffered records are dropped; the next run sees them again
		return fmt.Errorf("extract batch: %w", err)
	}
	if batch.ItemsSeen == 0 {
		o.log.Warn("no listing rows found", zap.String("selector", o.cfg.Site.Selectors.Item))
	}

	appended, err := o.store.Append(ctx, batch.Records)
	if err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	res.NewRecords = appended.Written
	res.Duplicates = appended.Duplicates

	if o.mirror != nil && len(appended.Records) > 0 {
		if _, err := o.mirror.Mirror(ctx, res.ID, appended.Records); err != nil {
			o.log.Warn("mirror failed", zap.String("run_id", res.ID), zap.Error(err))
			o.journalLog(res.ID, models.LogLevelWarn, "mirror failed: "+err.Error())
		}
	}
	return nil
}

func (o *Orchestrator) finish(run *models.ScrapeRun, res models.RunResult) {
	status := o.monitor.RecordRun(res)

	finished := run.StartedAt.Add(res.Duration)
	run.FinishedAt = &finished
	run.Status = res.Status()
	run.ItemsSeen = res.ItemsSeen
	run.ItemFailures = res.ItemFailures
	run.ListingsNew = res.NewRecords
	run.Duplicates = res.Duplicates
	run.Error = res.Err

	if res.Failed() {
		o.log.Error("run failed",
			zap.String("run_id", res.ID),
			zap.Duration("duration", res.Duration),
			zap.String("error", res.Err),
			zap.String("health", string(status.State)),
			zap.Int("consecutive_failures", status.ConsecutiveFailures))
		o.journalLog(res.ID, models.LogLevelError, res.Err)
	} else {
		o.log.Info("run completed",
			zap.String("run_id", res.ID),
			zap.Duration("duration", res.Duration),
			zap.Int("items", res.ItemsSeen),
			zap.Int("item_failures", res.ItemFailures),
			zap.Int("new", res.NewRecords),
			zap.Int("duplicates", res.Duplicates))
		o.journalLog(res.ID, models.LogLevelInfo,
			fmt.Sprintf("completed: %d items, %d new, %d duplicates", res.ItemsSeen, res.NewRecords, res.Duplicates))
	}

	if o.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.journal.FinishRun(ctx, run); err != nil {
			o.log.Warn("journal finish run", zap.Error(err))
		}
	}

	if status.State == models.HealthCritical && o.cfg.Monitor.ExitOnCritical && o.OnCritical != nil {
		o.OnCritical(status)
	}
}

func (o *Orchestrator) startJournal(run *models.ScrapeRun) {
	if o.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.journal.CreateRun(ctx, run); err != nil {
		o.log.Warn("journal create run", zap.Error(err))
	}
}

func (o *Orchestrator) journalLog(runID string, level models.LogLevel, msg string) {
	if o.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.journal.Log(ctx, runID, level, msg, o.cfg.Site.Name); err != nil {
		o.log.Debug("journal log", zap.Error(err))
	}
}

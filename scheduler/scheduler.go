package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"freight_scrooper/config"
	"freight_scrooper/models"
)

// Runner executes one pipeline pass.
type Runner interface {
	Run(ctx context.Context) models.RunResult
}

type Scheduler struct {
	cfg    config.SchedulerConfig
	runner Runner
	log    *zap.Logger
	cron   *cron.Cron
	job    cron.Job

	runMu    sync.Mutex
	inflight sync.WaitGroup

	mu         sync.Mutex
	runCtx     context.Context
	cancelRuns context.CancelFunc
	started    bool
	stopped    bool
}

func New(cfg config.SchedulerConfig, runner Runner, log *zap.Logger) *Scheduler {
	log = log.With(zap.String("component", "scheduler"))
	clog := cronLogger{log.Sugar()}

	wrap := cron.SkipIfStillRunning(clog)
	if cfg.Overlap == config.OverlapWait {
		wrap = cron.DelayIfStillRunning(clog)
	}

	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		log:    log,
		cron:   cron.New(cron.WithLogger(clog)),
	}
	s.job = cron.NewChain(cron.Recover(clog), wrap).Then(cron.FuncJob(s.tick))
	return s
}

func (s *Scheduler) schedule() (cron.Schedule, string, error) {
	if s.cfg.Cron != "" {
		sched, err := cron.ParseStandard(s.cfg.Cron)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cron expression %q: %w", s.cfg.Cron, err)
		}
		return sched, "cron " + s.cfg.Cron, nil
	}
	if s.cfg.Interval <= 0 {
		return nil, "", fmt.Errorf("no schedule configured")
	}
	return cron.Every(s.cfg.Interval), "every " + s.cfg.Interval.String(), nil
}

// Start begins issuing ticks. Runs get a context derived from ctx that is
// cancelled when Stop's grace period runs out.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, desc, err := s.schedule()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.runCtx, s.cancelRuns = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Schedule(sched, s.job)
	s.cron.Start()
	s.log.Info("scheduler started",
		zap.String("schedule", desc),
		zap.String("overlap", string(s.cfg.Overlap)),
		zap.Bool("run_on_start", s.cfg.RunOnStart))

	if s.cfg.RunOnStart {
		go s.job.Run()
	}
	return nil
}

// Stop stops issuing ticks, gives the in-flight run ShutdownGrace to finish
// and then cancels it. It returns once no run is active.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-grace.C:
		s.log.Warn("grace period elapsed, cancelling in-flight run", zap.Duration("grace", s.cfg.ShutdownGrace))
		s.cancelRuns()
		<-done
		s.log.Info("scheduler stopped after cancelling run")
	}
	s.cancelRuns()
}

// TriggerNow runs once synchronously, outside the schedule.
func (s *Scheduler) TriggerNow(ctx context.Context) models.RunResult {
	return s.runOnce(ctx)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped || s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if ctx.Err() != nil {
		return
	}
	s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) models.RunResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	res := s.runner.Run(ctx)
	if res.Failed() {
		s.log.Warn("run failed", zap.String("run_id", res.ID), zap.Duration("duration", res.Duration), zap.String("error", res.Err))
	} else {
		s.log.Info("run finished",
			zap.String("run_id", res.ID),
			zap.Duration("duration", res.Duration),
			zap.Int("new", res.NewRecords),
			zap.Int("duplicates", res.Duplicates))
	}
	return res
}

// cronLogger routes cron's chatter through zap; routine messages go to debug.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		c.l.Infow("tick skipped, previous run still in flight", keysAndValues...)
		return
	}
	c.l.Debugw("cron "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron "+msg, append(keysAndValues, "error", err)...)
}

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"freight_scrooper/config"
	"freight_scrooper/models"
)

type fakeRunner struct {
	calls   atomic.Int32
	release chan struct{}
	// waitCtx makes runs block until their context ends.
	waitCtx bool

	mu      sync.Mutex
	ctxErrs []error
}

func (f *fakeRunner) Run(ctx context.Context) models.RunResult {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	if f.waitCtx {
		<-ctx.Done()
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	res := models.RunResult{ID: "r", Timestamp: time.Now()}
	if ctx.Err() != nil {
		res.Err = ctx.Err().Error()
	}
	return res
}

func (f *fakeRunner) errs() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.ctxErrs...)
}

func cfg(overlap config.OverlapPolicy) config.SchedulerConfig {
	return config.SchedulerConfig{
		Interval:      time.Hour,
		RunOnStart:    true,
		Overlap:       overlap,
		ShutdownGrace: time.Second,
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	r := &fakeRunner{}
	s := New(cfg(config.OverlapSkip), r, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_NoRunOnStart(t *testing.T) {
	r := &fakeRunner{}
	c := cfg(config.OverlapSkip)
	c.RunOnStart = false
	s := New(c, r, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	assert.Zero(t, r.calls.Load())
}

func TestScheduler_SkipsOverlappingTick(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	s := New(cfg(config.OverlapSkip), r, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.job.Run() // returns immediately: previous run still in flight
	assert.Equal(t, int32(1), r.calls.Load())

	close(r.release)
	s.Stop()
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestScheduler_WaitPolicyQueuesTick(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	s := New(cfg(config.OverlapWait), r, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	queued := make(chan struct{})
	go func() {
		s.job.Run()
		close(queued)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())

	close(r.release)
	select {
	case <-queued:
	case <-time.After(time.Second):
		t.Fatal("queued tick never ran")
	}
	assert.Equal(t, int32(2), r.calls.Load())
	s.Stop()
}

func TestScheduler_StopWaitsForInflightRun(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	s := New(cfg(config.OverlapSkip), r, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(r.release)
	}()
	s.Stop()

	errs := r.errs()
	require.Len(t, errs, 1)
	assert.NoError(t, errs[0], "run finished inside the grace period")
}

func TestScheduler_StopCancelsAfterGrace(t *testing.T) {
	r := &fakeRunner{waitCtx: true}
	c := cfg(config.OverlapSkip)
	c.ShutdownGrace = 20 * time.Millisecond
	s := New(c, r, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second)

	errs := r.errs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)

	s.job.Run()
	assert.Equal(t, int32(1), r.calls.Load(), "no ticks after stop")
}

func TestScheduler_InvalidCron(t *testing.T) {
	c := cfg(config.OverlapSkip)
	c.Cron = "not a cron"
	s := New(c, &fakeRunner{}, zap.NewNop())
	require.Error(t, s.Start(context.Background()))
}

func TestScheduler_CronExpression(t *testing.T) {
	c := cfg(config.OverlapSkip)
	c.Cron = "*/5 * * * *"
	c.RunOnStart = false
	s := New(c, &fakeRunner{}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Next.IsZero())
	s.Stop()
}

func TestScheduler_TriggerNow(t *testing.T) {
	r := &fakeRunner{}
	s := New(cfg(config.OverlapSkip), r, zap.NewNop())
	res := s.TriggerNow(context.Background())
	assert.False(t, res.Failed())
	assert.Equal(t, int32(1), r.calls.Load())
}

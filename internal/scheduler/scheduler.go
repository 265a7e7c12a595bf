// Package scheduler runs the worker's periodic tasks on a cron loop. A task
// that is still running when its next tick arrives is skipped, and a panic in
// one task never stops the others.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
)

type Task func(ctx context.Context) error

// interval fires every d; unlike cron.Every it keeps sub-second precision.
type interval time.Duration

func (i interval) Next(t time.Time) time.Time { return t.Add(time.Duration(i)) }

type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debugw("cron_"+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Errorw("cron_"+msg, append(kv, "error", err)...)
}

type Scheduler struct {
	c *cron.Cron

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Scheduler {
	lg := cronLogger{l: logx.L()}
	return &Scheduler{
		c: cron.New(
			cron.WithLogger(lg),
			cron.WithChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)),
		),
		ctx: context.Background(),
	}
}

// Every registers fn under name. timeout bounds a single run; zero means the
// run lives until Stop.
func (s *Scheduler) Every(name string, every, timeout time.Duration, fn Task) {
	s.c.Schedule(interval(every), cron.FuncJob(func() {
		s.mu.RLock()
		base := s.ctx
		s.mu.RUnlock()
		if base.Err() != nil {
			return
		}

		ctx, cancel := base, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(base, timeout)
		}
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			logx.L().Warnw("task_error", "task", name, "error", err, "took", time.Since(start).String())
			return
		}
		logx.L().Debugw("task_done", "task", name, "took", time.Since(start).String())
	}))
	logx.L().Infow("task_scheduled", "task", name, "every", every.String())
}

// Start runs the loop; tasks receive contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	<-s.c.Stop().Done()
}

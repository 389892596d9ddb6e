// Package periodic is the cadence primitive shared by the file publisher,
// the server publisher, the snapshot collector, and the stats publisher.
// It wraps gocron: each task runs on its own fixed period after a short
// initial delay, never re-entrantly. A panicking task is logged as a crash,
// removed from the schedule, and reported through Healthy so the supervisor
// can take the process down.
package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
)

// startDelay is the initial wait before a task's first run, giving the rest
// of the process time to finish starting up.
const startDelay = 5 * time.Second

// Runner schedules periodic tasks. Create with NewRunner, add tasks with
// Schedule, then call Start once.
type Runner struct {
	cron   gocron.Scheduler
	stats  *appstate.Stats
	logger *zap.Logger
	delay  time.Duration

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]gocron.Job
	dead []string
}

// NewRunner creates an empty runner.
func NewRunner(stats *appstate.Stats, logger *zap.Logger) (*Runner, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("periodic: creating scheduler: %w", err)
	}
	return &Runner{
		cron:   cron,
		stats:  stats,
		logger: logger.Named("periodic"),
		delay:  startDelay,
		jobs:   make(map[string]gocron.Job),
	}, nil
}

// Schedule registers fn to run every period under the given name. Singleton
// mode guarantees fn is never invoked re-entrantly, even when a run overlaps
// its own period.
func (r *Runner) Schedule(name string, period time.Duration, fn func(ctx context.Context)) error {
	job, err := r.cron.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(func() { r.runTask(name, fn) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(r.delay))),
	)
	if err != nil {
		return fmt.Errorf("periodic: scheduling %s: %w", name, err)
	}
	r.mu.Lock()
	r.jobs[name] = job
	r.mu.Unlock()
	r.logger.Info("task scheduled", zap.String("task", name), zap.Duration("period", period))
	return nil
}

// runTask invokes one tick of a task, converting a panic into a crash log
// and terminating the task for good.
func (r *Runner) runTask(name string, fn func(ctx context.Context)) {
	defer func() {
		if v := recover(); v != nil {
			r.stats.LogCrash(name, appstate.CrashFromPanic(v))
			r.terminate(name)
		}
	}()

	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	fn(ctx)
}

// terminate removes a crashed task from the schedule and marks the runner
// unhealthy.
func (r *Runner) terminate(name string) {
	r.mu.Lock()
	job, ok := r.jobs[name]
	if ok {
		delete(r.jobs, name)
	}
	r.dead = append(r.dead, name)
	r.mu.Unlock()

	if ok {
		if err := r.cron.RemoveJob(job.ID()); err != nil {
			r.logger.Warn("failed to remove crashed task", zap.String("task", name), zap.Error(err))
		}
	}
	r.logger.Error("task terminated after crash", zap.String("task", name))
}

// Start begins running the scheduled tasks. ctx is handed to every tick and
// cancels in-flight work on shutdown.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
}

// Stop shuts the scheduler down, waiting for running ticks to finish.
func (r *Runner) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("periodic: shutdown: %w", err)
	}
	return nil
}

// Healthy reports whether every scheduled task is still alive.
func (r *Runner) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dead) == 0
}

// DeadTasks lists tasks terminated by a crash.
func (r *Runner) DeadTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dead))
	copy(out, r.dead)
	return out
}

// Package schedule runs periodic jobs on a cron expression.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSpec runs a job once a minute.
const DefaultSpec = "@every 60s"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is the unit of work a Runner invokes.
type Job func(ctx context.Context) error

// Runner invokes a job once at start and then on a cron schedule. Runs that
// would overlap a still-running job are skipped.
type Runner struct {
	mu       sync.RWMutex
	name     string
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger

	c      *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runs     atomic.Int64
	failures atomic.Int64
}

// New parses spec and returns a runner for job. An empty spec uses DefaultSpec.
func New(name, spec string, job Job, logger *slog.Logger) (*Runner, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &Runner{
		name:     name,
		schedule: sched,
		job:      job,
		logger:   logger.With("job", name),
	}, nil
}

// Start runs the job once immediately, then on schedule until ctx is
// cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.c = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.Recover(cronLogger{r.logger}), cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	wrapped := r.c.Schedule(r.schedule, cron.FuncJob(func() { r.run(ctx) }))
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Share the cron chain so the start-up run and the first scheduled run
		// never overlap.
		if e := r.c.Entry(wrapped); e.Valid() {
			e.WrappedJob.Run()
		}
	}()
	r.c.Start()
	r.logger.Info("job scheduled", "next", r.schedule.Next(time.Now()))
}

func (r *Runner) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	r.runs.Add(1)
	if err := r.job(ctx); err != nil {
		n := r.failures.Add(1)
		r.logger.Error("job failed", "error", err, "consecutive_failures", n)
		return
	}
	if n := r.failures.Swap(0); n > 0 {
		r.logger.Info("job recovered", "after_failures", n)
	}
}

// Stop halts the schedule, cancelling any running job, and waits for it to
// return.
func (r *Runner) Stop() {
	r.mu.RLock()
	c := r.c
	cancel := r.cancel
	r.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	r.wg.Wait()
}

// Runs returns how many times the job has been invoked.
func (r *Runner) Runs() int64 {
	return r.runs.Load()
}

// ConsecutiveFailures returns the number of failed runs since the last success.
func (r *Runner) ConsecutiveFailures() int64 {
	return r.failures.Load()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

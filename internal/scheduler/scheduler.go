// Package scheduler runs the watch cycles on cron cadences.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/suspectuso/cashier/internal/metrics"
)

const (
	JobTransactionWatch = "transaction_watch"
	JobFlightWatch      = "flight_watch"
)

// Trigger computes the next fire time after t
type Trigger interface {
	Next(t time.Time) time.Time
}

// ParseTrigger parses a standard five field cron expression
// or a descriptor such as @hourly or @every 10m.
func ParseTrigger(expr string) (Trigger, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return schedule, nil
}

// Watcher is the work run by the two scheduled jobs
type Watcher interface {
	WatchTransactions(ctx context.Context) error
	WatchFlights(ctx context.Context) error
}

// JobFunc is one invocation of a scheduled job
type JobFunc func(ctx context.Context) error

// Options configures the scheduler
type Options struct {
	// Timeout abandons an invocation running longer. Zero disables it.
	Timeout time.Duration
	// Metrics defaults to an unregistered set.
	Metrics *metrics.Metrics
	// OnError receives every failed invocation, e.g. for error reporting.
	OnError func(job string, err error)
	Now     func() time.Time
}

type job struct {
	name    string
	trigger Trigger
	run     JobFunc
	mu      sync.Mutex
}

// Scheduler fires jobs on their triggers. A job never overlaps with itself;
// different jobs run concurrently.
type Scheduler struct {
	watcher Watcher
	opts    Options
	log     *slog.Logger
	wg      sync.WaitGroup
}

// New creates a new Scheduler
func New(watcher Watcher, opts Options, log *slog.Logger) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Unregistered()
	}

	return &Scheduler{
		watcher: watcher,
		opts:    opts,
		log:     log,
	}
}

// ScheduleTransactionWatch starts the transaction watch on the cron cadence
func (s *Scheduler) ScheduleTransactionWatch(ctx context.Context, expr string, runImmediately bool) error {
	return s.Schedule(ctx, JobTransactionWatch, expr, runImmediately, s.watcher.WatchTransactions)
}

// ScheduleFlightWatch starts the flight watch on the cron cadence
func (s *Scheduler) ScheduleFlightWatch(ctx context.Context, expr string, runImmediately bool) error {
	return s.Schedule(ctx, JobFlightWatch, expr, runImmediately, s.watcher.WatchFlights)
}

// Schedule starts a named job. It runs until ctx is cancelled.
func (s *Scheduler) Schedule(ctx context.Context, name, expr string, runImmediately bool, fn JobFunc) error {
	trigger, err := ParseTrigger(expr)
	if err != nil {
		return err
	}

	s.ScheduleTrigger(ctx, name, trigger, runImmediately, fn)
	s.log.Info("job scheduled",
		"job", name,
		"cron", expr,
		"next", trigger.Next(s.opts.Now()),
		"run_immediately", runImmediately,
	)
	return nil
}

// ScheduleTrigger starts a named job fired by an arbitrary trigger
func (s *Scheduler) ScheduleTrigger(ctx context.Context, name string, trigger Trigger, runImmediately bool, fn JobFunc) {
	j := &job{name: name, trigger: trigger, run: fn}

	s.wg.Add(1)
	go s.loop(ctx, j, runImmediately)
}

// Wait blocks until every job loop and running invocation has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job, runImmediately bool) {
	defer s.wg.Done()

	if runImmediately {
		s.fire(ctx, j)
	}

	for {
		now := s.opts.Now()
		next := j.trigger.Next(now)
		if next.IsZero() {
			s.log.Warn("job has no next fire time", "job", j.name)
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, j)
		}
	}
}

// fire starts an invocation in the background unless the previous one
// is still running.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.mu.TryLock() {
		s.opts.Metrics.CyclesSkipped.WithLabelValues(j.name).Inc()
		s.log.Warn("previous run still in progress, skipping", "job", j.name)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.mu.Unlock()
		s.invoke(ctx, j)
	}()
}

func (s *Scheduler) invoke(ctx context.Context, j *job) {
	runID := uuid.NewString()
	log := s.log.With("job", j.name, "run_id", runID)

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := s.opts.Now()
	log.Info("job started")

	err := s.safeRun(ctx, j)

	elapsed := s.opts.Now().Sub(start)
	s.opts.Metrics.CycleDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())

	if err != nil {
		s.opts.Metrics.CycleErrors.WithLabelValues(j.name).Inc()
		log.Error("job failed", "error", err, "duration", elapsed)
		if s.opts.OnError != nil {
			s.opts.OnError(j.name, err)
		}
		return
	}

	log.Info("job finished", "duration", elapsed)
}

func (s *Scheduler) safeRun(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return j.run(ctx)
}

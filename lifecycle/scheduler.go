/*
scheduler.go - Periodic background jobs

PURPOSE:
  Runs the existence tax batch (and any other registered job, such as
  integrity verification) on a fixed interval.

DESIGN:
  - One background goroutine driven by a ticker
  - Jobs run sequentially, once immediately on Start and then every tick
  - A failing job is logged and does not stop the others
  - Stop cancels the context of a running job and waits for it

USAGE:
  s := lifecycle.NewScheduler(time.Hour, logger, lifecycle.TaxJob(mgr, time.Hour, time.Now))
  s.Start()
  // ... later
  s.Stop()
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/credit-engine/credit"
)

// Job is one unit of scheduled work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	Interval time.Duration
	Enabled  bool

	jobs   []Job
	logger *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(interval time.Duration, logger *slog.Logger, jobs ...Job) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Interval: interval,
		Enabled:  true,
		jobs:     jobs,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("started", "interval", s.Interval, "jobs", len(s.jobs))
}

// Stop halts the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	_ = s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			_ = s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow runs every job once, in order, and joins their errors.
func (s *Scheduler) RunNow(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed", "job", job.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		s.logger.Debug("job completed", "job", job.Name, "took", time.Since(start))
	}
	return errors.Join(errs...)
}

// NextRunTime returns when the next scheduled run will occur.
func (s *Scheduler) NextRunTime() time.Time {
	return time.Now().Add(s.Interval)
}

// TaxJob collects the existence tax of the last completed billing period.
func TaxJob(m *Manager, periodLength time.Duration, now func() time.Time) Job {
	return Job{
		Name: "existence-tax",
		Run: func(ctx context.Context) error {
			period := credit.PeriodFor(now(), periodLength).Previous()
			_, err := m.CollectExistenceTaxBatch(ctx, period)
			return err
		},
	}
}

/*
scheduler.go - Periodic commission jobs

PURPOSE:
  Runs the period-driven jobs in the background:
    - recurring commissions for the current period
    - goal evaluation for the previous period (which has ended)
  Both jobs are idempotent, so running them every tick is safe.

DESIGN:
  - One goroutine driven by a ticker, started with Start and stopped with Stop
  - Runs once immediately on start
  - RunNow executes one pass synchronously (used by tests and admin tooling)

SEE ALSO:
  - commission/recurring.go: RecurringCommissionProcessor
  - commission/goal.go: GoalTracker
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/commission-engine/commission"
)

var schedulerRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "commission_scheduler_runs_total",
		Help: "Scheduler job executions partitioned by job and outcome",
	},
	[]string{"job", "outcome"},
)

// RunReport summarizes one scheduler pass.
type RunReport struct {
	RanAt     time.Time
	Recurring *commission.ProcessResult
	Goals     *commission.GoalEvaluation
	Errors    []string
}

// Scheduler runs recurring processing and goal evaluation on an interval.
type Scheduler struct {
	svc      *commission.Service
	interval time.Duration
	logger   *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

func NewScheduler(svc *commission.Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		svc:      svc,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info("scheduler started", "interval", s.interval.String())
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow executes one pass. Passes never overlap.
func (s *Scheduler) RunNow(ctx context.Context) RunReport {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.svc.Now()
	current := commission.PeriodOf(now)
	report := RunReport{RanAt: now}

	rec, err := s.svc.Recurring.Process(ctx, current)
	if err != nil {
		schedulerRuns.WithLabelValues("recurring", "error").Inc()
		s.logger.Error("recurring processing failed", "period", current.String(), "error", err)
		report.Errors = append(report.Errors, err.Error())
	} else {
		schedulerRuns.WithLabelValues("recurring", "ok").Inc()
		report.Recurring = rec
		if rec.Generated > 0 {
			s.logger.Info("recurring commissions generated", "period", current.String(), "generated", rec.Generated)
		}
	}

	previous := current.Previous()
	eval, err := s.svc.Goals.Evaluate(ctx, previous)
	if err != nil {
		schedulerRuns.WithLabelValues("goals", "error").Inc()
		s.logger.Error("goal evaluation failed", "period", previous.String(), "error", err)
		report.Errors = append(report.Errors, err.Error())
	} else {
		schedulerRuns.WithLabelValues("goals", "ok").Inc()
		report.Goals = eval
		if eval.Achieved+eval.Missed > 0 {
			s.logger.Info("goals evaluated", "period", previous.String(),
				"achieved", eval.Achieved, "missed", eval.Missed, "bonuses", eval.Bonuses)
		}
	}
	return report
}

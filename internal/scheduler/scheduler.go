// Package scheduler runs the book's maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"options-desk/internal/batch"
	"options-desk/internal/config"
	apperrors "options-desk/internal/errors"
	"options-desk/internal/hedging"
	"options-desk/internal/logging"
	"options-desk/internal/models"
	"options-desk/internal/notify"
	"options-desk/internal/risk"
	"options-desk/pkg/utils"
)

// Job names.
const (
	JobRehedge   = "rehedge"
	JobExpire    = "expire"
	JobSnapshot  = "snapshot"
	JobRiskCheck = "risk_check"
)

// Rehedger rebalances stock hedges across the book.
type Rehedger interface {
	AutoRehedgePortfolio(ctx context.Context, execute bool) (*hedging.RehedgeResult, error)
}

// Expirer moves lapsed positions to expired.
type Expirer interface {
	ExpirePositions(ctx context.Context) ([]models.Position, *batch.Report, error)
}

// Snapshotter records P&L snapshots for open positions.
type Snapshotter interface {
	RefreshSnapshots(ctx context.Context) ([]models.PnLSnapshot, *batch.Report, error)
}

// RiskChecker evaluates the book against its limits.
type RiskChecker interface {
	CheckLimits(ctx context.Context) (*risk.LimitCheck, error)
}

// Jobs are the engines driven by the scheduler. A nil field disables its job.
// Notifier is optional and receives breach, expiry, rehedge and failure alerts.
type Jobs struct {
	Rehedger    Rehedger
	Expirer     Expirer
	Snapshotter Snapshotter
	RiskChecker RiskChecker
	Notifier    notify.Notifier
}

// RunStats records the outcome of the last run of a job.
type RunStats struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Runs     int           `json:"runs"`
	Skipped  int           `json:"skipped"`
	Failures int           `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_error,omitempty"`
	Duration time.Duration `json:"last_duration"`
}

type job struct {
	name string
	spec string
	// marketHours jobs are skipped while the equity session is closed.
	marketHours bool
	run         func(ctx context.Context) error
}

// Scheduler owns a cron runner and the registered jobs.
type Scheduler struct {
	cron     *cron.Cron
	cfg      config.SchedulerConfig
	jobs     map[string]job
	logger   zerolog.Logger
	notifier notify.Notifier

	mu    sync.Mutex
	stats map[string]*RunStats

	// Now and MarketOpen are the clock and session check used by jobs.
	Now        func() time.Time
	MarketOpen func(time.Time) bool
}

// New creates a scheduler for the given jobs. Jobs with an empty spec are
// not registered.
func New(cfg config.SchedulerConfig, jobs Jobs, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		cfg:        cfg,
		jobs:       make(map[string]job),
		logger:     logger,
		stats:      make(map[string]*RunStats),
		notifier:   jobs.Notifier,
		Now:        time.Now,
		MarketOpen: utils.IsMarketOpen,
	}

	if jobs.Rehedger != nil {
		s.add(JobRehedge, cfg.Rehedge, true, func(ctx context.Context) error {
			res, err := jobs.Rehedger.AutoRehedgePortfolio(ctx, cfg.AutoExecute)
			if err != nil {
				return err
			}
			s.logger.Info().
				Bool("execute", cfg.AutoExecute).
				Int("recommendations", len(res.Recommendations)).
				Int("executed", len(res.Executed)).
				Float64("estimated_cost", res.EstimatedCost).
				Float64("total_cost", res.TotalCost).
				Msg("Rehedge pass complete")
			s.logReport(JobRehedge, res.Report)
			s.logReport(JobRehedge, res.ExecutionReport)
			if len(res.Executed) > 0 {
				s.send(ctx, notify.Notification{
					Type:    notify.TypeRehedge,
					Title:   "Rehedge executed",
					Message: fmt.Sprintf("%d hedges placed, cost %s", len(res.Executed), utils.FormatUSD(res.TotalCost)),
					Data:    map[string]interface{}{"executed": len(res.Executed), "total_cost": res.TotalCost},
				})
			}
			return nil
		})
	}
	if jobs.Expirer != nil {
		s.add(JobExpire, cfg.Expire, false, func(ctx context.Context) error {
			expired, report, err := jobs.Expirer.ExpirePositions(ctx)
			if err != nil {
				return err
			}
			for _, p := range expired {
				logging.LogPosition(logging.WithPosition(s.logger, p.ID), p.Symbol, string(p.Status), p.Quantity)
				s.send(ctx, notify.Notification{
					Type:    notify.TypeExpiry,
					Title:   "Position expired",
					Message: fmt.Sprintf("%s %s %.2f expired", p.Symbol, p.Kind, p.Strike),
					Data:    map[string]interface{}{"position_id": p.ID, "symbol": p.Symbol},
				})
			}
			s.logReport(JobExpire, report)
			return nil
		})
	}
	if jobs.Snapshotter != nil {
		s.add(JobSnapshot, cfg.Snapshot, true, func(ctx context.Context) error {
			snaps, report, err := jobs.Snapshotter.RefreshSnapshots(ctx)
			if err != nil {
				return err
			}
			s.logger.Debug().Int("snapshots", len(snaps)).Msg("Snapshots refreshed")
			s.logReport(JobSnapshot, report)
			return nil
		})
	}
	if jobs.RiskChecker != nil {
		s.add(JobRiskCheck, cfg.RiskCheck, false, func(ctx context.Context) error {
			check, err := jobs.RiskChecker.CheckLimits(ctx)
			if err != nil {
				return err
			}
			if len(check.Breaches) > 0 {
				s.logger.Warn().Int("breaches", len(check.Breaches)).Msg("Risk limits breached")
			}
			for _, b := range check.Breaches {
				s.send(ctx, notify.Notification{
					Type:     notify.TypeBreach,
					Severity: string(b.Severity),
					Title:    "Risk limit breached",
					Message:  b.Message,
					Data: map[string]interface{}{
						"limit_type": string(b.Limit), "current_value": b.Current, "limit_value": b.Max, "symbol": b.Symbol,
					},
				})
			}
			s.logReport(JobRiskCheck, check.Exposure.Report)
			return nil
		})
	}
	return s
}

func (s *Scheduler) add(name, spec string, marketHours bool, run func(context.Context) error) {
	if spec == "" {
		return
	}
	s.jobs[name] = job{name: name, spec: spec, marketHours: marketHours, run: run}
	s.stats[name] = &RunStats{Name: name, Spec: spec}
}

// Start registers every job with cron and starts it. Jobs run with ctx until
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, name := range s.Names() {
		j := s.jobs[name]
		if _, err := s.cron.AddFunc(j.spec, func() { _ = s.Run(ctx, j.name) }); err != nil {
			return fmt.Errorf("scheduling %s (%q): %w", j.name, j.spec, err)
		}
		s.logger.Info().Str("job", j.name).Str("spec", j.spec).Msg("Job scheduled")
	}
	s.cron.Start()
	s.logger.Info().Bool("auto_execute", s.cfg.AutoExecute).Msg("Scheduler started")
	return nil
}

// Stop halts cron and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// Names returns the registered job names, sorted.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes one job immediately. Market-hours jobs are skipped, with nil
// error, while the session is closed.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return apperrors.NotFound("scheduler.Run", "job", name)
	}

	start := s.Now()
	if j.marketHours && !s.MarketOpen(start) {
		s.record(name, func(st *RunStats) { st.Skipped++ })
		s.logger.Debug().Str("job", name).Msg("Market closed, skipping")
		return nil
	}

	err := j.run(ctx)
	elapsed := s.Now().Sub(start)
	s.record(name, func(st *RunStats) {
		st.Runs++
		st.LastRun = start
		st.Duration = elapsed
		st.LastErr = ""
		if err != nil {
			st.Failures++
			st.LastErr = err.Error()
		}
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("Job failed")
		s.send(ctx, notify.Notification{
			Type:    notify.TypeError,
			Title:   "Job failed",
			Message: fmt.Sprintf("%s: %v", name, err),
			Data:    map[string]interface{}{"job": name},
		})
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Stats returns a copy of every job's run statistics, sorted by name.
func (s *Scheduler) Stats() []RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) record(name string, update func(*RunStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(s.stats[name])
}

// send delivers n if a notifier is configured. Delivery failures are logged.
func (s *Scheduler) send(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.Now()
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("type", string(n.Type)).Msg("Notification failed")
	}
}

func (s *Scheduler) logReport(name string, r *batch.Report) {
	if r.Skipped() == 0 {
		return
	}
	s.logger.Warn().Str("job", name).Int("total", r.Total).Int("skipped", r.Skipped()).Msg("Job skipped positions")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

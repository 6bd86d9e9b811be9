package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/config"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
)

// StageRunner is the part of Runner the scheduler drives
type StageRunner interface {
	Run(ctx context.Context, stage Stage) (*RunReport, error)
}

// Scheduler runs each stage on its cron cadence. A stage never overlaps
// itself and no two stages run at the same time in this process.
type Scheduler struct {
	runner  StageRunner
	sched   gocron.Scheduler
	mu      sync.Mutex
	timeout time.Duration
	jobs    map[Stage]gocron.Job

	// OnReport receives every finished run. Defaults to logging the JSON.
	OnReport func(*RunReport)
}

// NewScheduler registers one cron job per stage
func NewScheduler(runner StageRunner, cadence config.ScheduleConfig, timeout time.Duration) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{
		runner:   runner,
		sched:    sched,
		timeout:  timeout,
		jobs:     make(map[Stage]gocron.Job),
		OnReport: logReport,
	}

	for stage, expr := range map[Stage]string{
		StageExtract:   cadence.Extract,
		StageOrganize:  cadence.Organize,
		StageMaintain:  cadence.Maintain,
		StageSummarize: cadence.Summarize,
	} {
		stage := stage
		job, err := sched.NewJob(
			gocron.CronJob(expr, false),
			gocron.NewTask(func() { s.RunNow(context.Background(), stage) }),
			gocron.WithName(string(stage)),
			gocron.WithTags("stage", string(stage)),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule %s (%q): %w", stage, expr, err)
		}
		s.jobs[stage] = job
	}
	return s, nil
}

// Start begins firing jobs
func (s *Scheduler) Start() {
	s.sched.Start()
	for stage, job := range s.jobs {
		if next, err := job.NextRun(); err == nil {
			logging.Info("scheduler", "%s: next run %s", stage, next.Format(time.RFC3339))
		}
	}
}

// Shutdown stops the scheduler and waits for running jobs
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// Jobs returns the registered stage names
func (s *Scheduler) Jobs() []Stage {
	out := make([]Stage, 0, len(s.jobs))
	for _, stage := range Stages {
		if _, ok := s.jobs[stage]; ok {
			out = append(out, stage)
		}
	}
	return out
}

// RunNow runs one stage under the shared lock, outside its cadence
func (s *Scheduler) RunNow(ctx context.Context, stage Stage) *RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report, err := s.runner.Run(ctx, stage)
	if report == nil {
		logging.Error("scheduler", "%s: %v", stage, err)
		return nil
	}
	if s.OnReport != nil {
		s.OnReport(report)
	}
	return report
}

func logReport(r *RunReport) {
	switch r.Outcome {
	case OutcomeEmpty:
		logging.Debug("scheduler", "%s: nothing to do", r.Stage)
	case OutcomeOK:
		logging.Info("scheduler", "%s: %s", r.Stage, logging.Truncate(string(r.JSON()), 2000))
	default:
		logging.Warn("scheduler", "%s: %s", r.Stage, logging.Truncate(string(r.JSON()), 2000))
	}
}

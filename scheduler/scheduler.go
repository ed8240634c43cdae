package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"idealista_collector/collector"
	"idealista_collector/config"
	"idealista_collector/models"
)

// Scheduler runs the collection jobs on cron schedules in daemon mode. It
// never overlaps runs of the same job: a tick that fires while the previous
// run is still going is skipped.
type Scheduler struct {
	cfg          *config.Config
	orchestrator *collector.Orchestrator
	cron         *cron.Cron
	log          zerolog.Logger
	running      chan struct{}
}

func New(cfg *config.Config, orchestrator *collector.Orchestrator, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		cron:         cron.New(),
		log:          log,
		running:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	scheduled := false

	if expr := s.cfg.Scheduler.DailyCron; expr != "" {
		if _, err := s.cron.AddFunc(expr, func() { s.run(ctx, models.ScanIncremental) }); err != nil {
			return fmt.Errorf("invalid daily cron expression: %w", err)
		}
		s.log.Info().Str("cron", expr).Msg("daily_job_scheduled")
		scheduled = true
	}

	if expr := s.cfg.Scheduler.FullScanCron; expr != "" {
		if _, err := s.cron.AddFunc(expr, func() { s.run(ctx, models.ScanFull) }); err != nil {
			return fmt.Errorf("invalid full-scan cron expression: %w", err)
		}
		s.log.Info().Str("cron", expr).Msg("full_scan_scheduled")
		scheduled = true
	}

	if !scheduled {
		return fmt.Errorf("daemon mode needs DAILY_CRON or FULL_SCAN_CRON")
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run(ctx context.Context, mode models.ScanMode) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		s.log.Warn().Str("job_type", string(mode)).Msg("previous_run_still_active_skipping")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Job.RunTimeout)
	defer cancel()

	if err := s.orchestrator.RunAll(runCtx, s.cfg.Markets, mode); err != nil {
		s.log.Error().Err(err).Str("job_type", string(mode)).Msg("scheduled_run_failed")
	}
}

// NextRuns reports the upcoming schedule, for startup logging.
func (s *Scheduler) NextRuns() []time.Time {
	entries := s.cron.Entries()
	times := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		times = append(times, e.Next)
	}
	return times
}

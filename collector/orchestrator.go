package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"idealista_collector/api"
	"idealista_collector/config"
	"idealista_collector/models"
	"idealista_collector/storage"
)

// PageSource yields successive pages of raw listing records until exhaustion.
// Finite and single-pass.
type PageSource interface {
	Next(ctx context.Context) (*api.SearchPage, error)
}

// SourceFactory builds the page source for one run.
type SourceFactory func(market *config.MarketConfig, mode models.ScanMode, knownActive map[string]struct{}) PageSource

// RunStore persists collection-run bookkeeping rows.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.CollectionRun) error
	UpdateRun(ctx context.Context, run *models.CollectionRun) error
}

// CallCounter reports cumulative upstream attempts, for the run summary.
type CallCounter interface {
	Calls() int64
}

// Orchestrator drives one job run as a single sequential pipeline:
// fetch page -> archive raw -> reconcile, repeated until the source ends or a
// fatal error aborts it. Pages are never reconciled concurrently; the
// full-scan deactivation step needs the complete seen-code set first.
type Orchestrator struct {
	store      Store
	runs       RunStore
	reconciler *Reconciler
	archiver   storage.Archiver
	newSource  SourceFactory
	calls      CallCounter
	now        func() time.Time
	log        zerolog.Logger
}

func NewOrchestrator(store Store, runs RunStore, reconciler *Reconciler, archiver storage.Archiver, newSource SourceFactory, calls CallCounter, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		runs:       runs,
		reconciler: reconciler,
		archiver:   archiver,
		newSource:  newSource,
		calls:      calls,
		now:        time.Now,
		log:        log,
	}
}

// RunAll runs the given job for every configured market. Markets are
// independent: one failing does not stop the others, but any failure is
// reported so the scheduler's retry policy can engage.
func (o *Orchestrator) RunAll(ctx context.Context, markets map[string]*config.MarketConfig, mode models.ScanMode) error {
	var errs []error
	for _, market := range markets {
		if _, err := o.Run(ctx, market, mode); err != nil {
			o.log.Error().Err(err).Str("market", market.ID).Msg("run_failed")
			errs = append(errs, fmt.Errorf("market %s: %w", market.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run executes one job run for one market and returns its summary. The
// summary is populated even when the run aborts; partial progress already
// written is retained.
func (o *Orchestrator) Run(ctx context.Context, market *config.MarketConfig, mode models.ScanMode) (*models.RunSummary, error) {
	startedAt := o.now()
	jobID := fmt.Sprintf("%s-%s", jobIDPrefix(mode), startedAt.Format("20060102-150405"))
	ctx = api.WithJobID(ctx, jobID)

	log := o.log.With().Str("job_id", jobID).Str("market", market.ID).Str("job_type", string(mode)).Logger()
	log.Info().Msg("run_started")

	summary := &models.RunSummary{
		JobID:     jobID,
		JobType:   mode,
		Market:    market.ID,
		StartedAt: startedAt,
	}

	run := &models.CollectionRun{
		JobID:     jobID,
		JobType:   mode,
		Market:    market.ID,
		StartedAt: startedAt,
		Status:    models.RunStatusRunning,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("run_record_create_failed")
	}

	callsBefore := o.callCount()

	knownActive, err := o.store.ActivePropertyCodes(ctx)
	if err != nil {
		return o.finish(ctx, run, summary, callsBefore, fmt.Errorf("load active codes: %w", err))
	}

	source := o.newSource(market, mode, knownActive)
	seen := make(map[string]struct{})

	var result Result
	var fatal error

	for {
		page, err := source.Next(ctx)
		if err != nil {
			fatal = err
			break
		}
		if page == nil {
			break
		}

		summary.Pages++

		if err := o.archiver.ArchivePage(ctx, mode, startedAt, summary.Pages, page.Raw); err != nil {
			// The archive is replay material, not the durable record;
			// reconciliation proceeds.
			log.Warn().Err(err).Int("page", summary.Pages).Msg("archive_page_failed")
		}

		pageResult := o.reconciler.ReconcilePage(ctx, page.Properties(), seen)
		result.Add(pageResult)

		log.Info().
			Int("page", summary.Pages).
			Int("processed", pageResult.Processed).
			Int("new", pageResult.New).
			Int("updated", pageResult.Updated).
			Int("republished", pageResult.Republished).
			Int("skipped", pageResult.Skipped).
			Int("failed", pageResult.Failed).
			Msg("page_processed")
	}

	summary.Processed = result.Processed
	summary.New = result.New
	summary.Updated = result.Updated
	summary.Republished = result.Republished
	summary.Skipped = result.Skipped
	summary.Failed = result.Failed

	// Deactivation needs full-scan evidence: every page observed, no fatal
	// interruption. An aborted full scan must not conclude anything from
	// the listings it never reached.
	if fatal == nil && mode == models.ScanFull {
		deactivated, err := o.reconciler.FinalizeFullScan(ctx, seen)
		if err != nil {
			fatal = err
		} else {
			summary.Deactivated = int(deactivated)
		}
	}

	return o.finish(ctx, run, summary, callsBefore, fatal)
}

func (o *Orchestrator) finish(ctx context.Context, run *models.CollectionRun, summary *models.RunSummary, callsBefore int64, fatal error) (*models.RunSummary, error) {
	finishedAt := o.now()
	summary.FinishedAt = finishedAt
	summary.APICalls = o.callCount() - callsBefore
	if fatal != nil {
		summary.FatalError = fatal.Error()
	}

	if err := o.archiver.ArchiveMetadata(ctx, summary.JobType, summary.StartedAt, summary.ToJSON()); err != nil {
		o.log.Warn().Err(err).Str("job_id", summary.JobID).Msg("archive_metadata_failed")
	}

	run.FinishedAt = &finishedAt
	run.Status = models.RunStatusCompleted
	run.Metadata = summary.ToJSON()
	if fatal != nil {
		run.Status = models.RunStatusFailed
		run.ErrorMessage = fatal.Error()
	}
	if run.ID != 0 {
		if err := o.runs.UpdateRun(ctx, run); err != nil {
			o.log.Warn().Err(err).Str("job_id", summary.JobID).Msg("run_record_update_failed")
		}
	}

	evt := o.log.Info()
	if fatal != nil {
		evt = o.log.Error().Err(fatal)
	}
	evt.Str("job_id", summary.JobID).
		Int("pages", summary.Pages).
		Int("processed", summary.Processed).
		Int("new", summary.New).
		Int("updated", summary.Updated).
		Int("republished", summary.Republished).
		Int("deactivated", summary.Deactivated).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int64("api_calls", summary.APICalls).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("run_finished")

	return summary, fatal
}

func (o *Orchestrator) callCount() int64 {
	if o.calls == nil {
		return 0
	}
	return o.calls.Calls()
}

func jobIDPrefix(mode models.ScanMode) string {
	if mode == models.ScanFull {
		return "weekly"
	}
	return "daily"
}

package collector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idealista_collector/api"
	"idealista_collector/config"
	"idealista_collector/models"
)

type fakeSource struct {
	pages []*api.SearchPage
	errAt int // 1-indexed call at which to fail; 0 means never
	calls int
}

func (s *fakeSource) Next(context.Context) (*api.SearchPage, error) {
	s.calls++
	if s.errAt > 0 && s.calls == s.errAt {
		return nil, errors.New("page fetch failed")
	}
	if s.calls > len(s.pages) {
		return nil, nil
	}
	return s.pages[s.calls-1], nil
}

type fakeArchiver struct {
	pages    [][]byte
	metadata [][]byte
	failPage bool
}

func (a *fakeArchiver) ArchivePage(_ context.Context, _ models.ScanMode, _ time.Time, _ int, payload []byte) error {
	if a.failPage {
		return errors.New("bucket unavailable")
	}
	a.pages = append(a.pages, payload)
	return nil
}

func (a *fakeArchiver) ArchiveMetadata(_ context.Context, _ models.ScanMode, _ time.Time, payload []byte) error {
	a.metadata = append(a.metadata, payload)
	return nil
}

type fakeRunStore struct {
	created []*models.CollectionRun
	updated []*models.CollectionRun
	nextID  int64
}

func (r *fakeRunStore) CreateRun(_ context.Context, run *models.CollectionRun) error {
	r.nextID++
	run.ID = r.nextID
	c := *run
	r.created = append(r.created, &c)
	return nil
}

func (r *fakeRunStore) UpdateRun(_ context.Context, run *models.CollectionRun) error {
	c := *run
	r.updated = append(r.updated, &c)
	return nil
}

type fixedCalls int64

func (c fixedCalls) Calls() int64 { return int64(c) }

func searchPage(codes ...string) *api.SearchPage {
	page := &api.SearchPage{Raw: []byte(`{"fixture":true}`)}
	for _, code := range codes {
		raw, _ := json.Marshal(map[string]interface{}{"propertyCode": code, "price": 100000})
		page.ElementList = append(page.ElementList, json.RawMessage(raw))
	}
	return page
}

type orchestratorFixture struct {
	store    *fakeStore
	runs     *fakeRunStore
	archiver *fakeArchiver
	source   *fakeSource
	orch     *Orchestrator
}

func newOrchestratorFixture(source *fakeSource, now time.Time) *orchestratorFixture {
	f := &orchestratorFixture{
		store:    newFakeStore(),
		runs:     &fakeRunStore{},
		archiver: &fakeArchiver{},
		source:   source,
	}
	factory := func(*config.MarketConfig, models.ScanMode, map[string]struct{}) PageSource {
		return f.source
	}
	reconciler := newTestReconciler(f.store, now)
	f.orch = NewOrchestrator(f.store, f.runs, reconciler, f.archiver, factory, fixedCalls(7), zerolog.Nop())
	f.orch.now = func() time.Time { return now }
	return f
}

func marketMadrid() *config.MarketConfig {
	return &config.MarketConfig{ID: "madrid", Country: "es", LocationID: "0-EU-ES-28", MaxPages: 20}
}

func TestOrchestrator_IncrementalRun(t *testing.T) {
	now := time.Date(2026, 8, 1, 7, 0, 0, 0, time.UTC)
	f := newOrchestratorFixture(&fakeSource{pages: []*api.SearchPage{
		searchPage("A1", "B2"),
		searchPage("C3"),
	}}, now)

	summary, err := f.orch.Run(context.Background(), marketMadrid(), models.ScanIncremental)
	require.NoError(t, err)

	assert.Equal(t, "daily-20260801-070000", summary.JobID)
	assert.Equal(t, models.ScanIncremental, summary.JobType)
	assert.Equal(t, 2, summary.Pages)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, summary.New)
	assert.Zero(t, summary.Deactivated)
	assert.Empty(t, summary.FatalError)

	// Every page archived, run summary archived alongside.
	assert.Len(t, f.archiver.pages, 2)
	require.Len(t, f.archiver.metadata, 1)
	assert.JSONEq(t, string(summary.ToJSON()), string(f.archiver.metadata[0]))

	// Run bookkeeping: created as running, closed as completed.
	require.Len(t, f.runs.created, 1)
	assert.Equal(t, models.RunStatusRunning, f.runs.created[0].Status)
	require.Len(t, f.runs.updated, 1)
	assert.Equal(t, models.RunStatusCompleted, f.runs.updated[0].Status)
	require.NotNil(t, f.runs.updated[0].FinishedAt)
}

func TestOrchestrator_IncrementalNeverDeactivates(t *testing.T) {
	now := time.Date(2026, 8, 1, 7, 0, 0, 0, time.UTC)

	seedStore := newFakeStore()
	newTestReconciler(seedStore, now.AddDate(0, 0, -7)).ReconcilePage(context.Background(),
		[]models.RawProperty{record("OLD", 500000)}, nil)

	f := newOrchestratorFixture(&fakeSource{pages: []*api.SearchPage{searchPage("A1")}}, now)
	f.store.listings = seedStore.listings
	f.store.details = seedStore.details

	summary, err := f.orch.Run(context.Background(), marketMadrid(), models.ScanIncremental)
	require.NoError(t, err)

	assert.Zero(t, summary.Deactivated)
	assert.True(t, f.store.listings["OLD"].IsActive, "absence from an incremental scan proves nothing")
}

func TestOrchestrator_FullScanDeactivatesUnseen(t *testing.T) {
	now := time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)

	f := newOrchestratorFixture(&fakeSource{pages: []*api.SearchPage{searchPage("A1")}}, now)
	newTestReconciler(f.store, now.AddDate(0, 0, -7)).ReconcilePage(context.Background(),
		[]models.RawProperty{record("GONE", 500000), record("A1", 100000)}, nil)

	summary, err := f.orch.Run(context.Background(), marketMadrid(), models.ScanFull)
	require.NoError(t, err)

	assert.Equal(t, "weekly-20260802-030000", summary.JobID)
	assert.Equal(t, 1, summary.Deactivated)
	assert.False(t, f.store.listings["GONE"].IsActive)
	assert.True(t, f.store.listings["A1"].IsActive)
}

func TestOrchestrator_FatalAbortSkipsDeactivation(t *testing.T) {
	now := time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)

	// Page 1 succeeds, the second fetch fails.
	f := newOrchestratorFixture(&fakeSource{pages: []*api.SearchPage{searchPage("A1")}, errAt: 2}, now)
	newTestReconciler(f.store, now.AddDate(0, 0, -7)).ReconcilePage(context.Background(),
		[]models.RawProperty{record("UNREACHED", 500000)}, nil)

	summary, err := f.orch.Run(context.Background(), marketMadrid(), models.ScanFull)
	require.Error(t, err)

	// Partial progress is kept; no deactivation from an incomplete scan.
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, summary.Deactivated)
	assert.NotEmpty(t, summary.FatalError)
	assert.True(t, f.store.listings["UNREACHED"].IsActive)
	assert.True(t, f.store.listings["A1"].IsActive)

	require.Len(t, f.runs.updated, 1)
	assert.Equal(t, models.RunStatusFailed, f.runs.updated[0].Status)
	assert.NotEmpty(t, f.runs.updated[0].ErrorMessage)

	// The partial summary is still archived for the post-mortem.
	require.Len(t, f.archiver.metadata, 1)
}

func TestOrchestrator_ArchiveFailureIsNonFatal(t *testing.T) {
	now := time.Date(2026, 8, 1, 7, 0, 0, 0, time.UTC)
	f := newOrchestratorFixture(&fakeSource{pages: []*api.SearchPage{searchPage("A1")}}, now)
	f.archiver.failPage = true

	summary, err := f.orch.Run(context.Background(), marketMadrid(), models.ScanIncremental)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.New)
	assert.Contains(t, f.store.listings, "A1")
}

func TestOrchestrator_RunAllContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 8, 1, 7, 0, 0, 0, time.UTC)
	f := newOrchestratorFixture(&fakeSource{errAt: 1}, now)

	markets := map[string]*config.MarketConfig{
		"madrid": marketMadrid(),
		"lisbon": {ID: "lisbon", Country: "pt", LocationID: "0-EU-PT-11", MaxPages: 20},
	}

	err := f.orch.RunAll(context.Background(), markets, models.ScanIncremental)
	require.Error(t, err)

	// Both markets were attempted despite the shared failing source.
	assert.Len(t, f.runs.created, 2)
	assert.Len(t, f.runs.updated, 2)
}

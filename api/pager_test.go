package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idealista_collector/config"
	"idealista_collector/models"
)

// searchFixture serves canned pages keyed by numPage and captures the form
// parameters of every request.
type searchFixture struct {
	pages map[int][]map[string]interface{}
	forms []map[string]string
}

func (f *searchFixture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.forms = append(f.forms, form)

		page, _ := strconv.Atoi(r.PostForm.Get("numPage"))
		elements := f.pages[page]

		resp := map[string]interface{}{
			"total":       f.total(),
			"totalPages":  len(f.pages),
			"actualPage":  page,
			"elementList": elements,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func (f *searchFixture) total() int {
	n := 0
	for _, els := range f.pages {
		n += len(els)
	}
	return n
}

func element(code string, price float64) map[string]interface{} {
	return map[string]interface{}{"propertyCode": code, "price": price}
}

func newFixtureClient(t *testing.T, fixture *searchFixture) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(fixture.handler(t))
	tokens := &staticTokens{token: "tok"}
	exec := NewExecutor(tokens, fastPolicy(), 5*time.Second, 0, nil, zerolog.Nop())
	return NewClient(exec, srv.URL), srv.Close
}

func testMarket(maxPages int) *config.MarketConfig {
	return &config.MarketConfig{
		ID:         "madrid",
		Country:    "es",
		LocationID: "0-EU-ES-28",
		MaxPages:   maxPages,
	}
}

func collectPages(t *testing.T, p *Pager) []*SearchPage {
	t.Helper()
	var pages []*SearchPage
	for {
		page, err := p.Next(context.Background())
		require.NoError(t, err)
		if page == nil {
			return pages
		}
		pages = append(pages, page)
	}
}

func TestPager_FullScanExhaustsAllPages(t *testing.T) {
	fixture := &searchFixture{pages: map[int][]map[string]interface{}{
		1: {element("A1", 100000), element("B2", 150000)},
		2: {element("C3", 200000), element("D4", 250000)},
		3: {element("E5", 300000)},
	}}
	client, closeSrv := newFixtureClient(t, fixture)
	defer closeSrv()

	p := NewPager(client, testMarket(2), models.ScanFull, nil, zerolog.Nop())
	pages := collectPages(t, p)

	require.Len(t, pages, 3, "full scans ignore the incremental page cap")
	assert.Equal(t, 5, pages[0].Total)

	// Stable ordering for the long enumeration, no recency filter.
	first := fixture.forms[0]
	assert.Equal(t, "price", first["order"])
	assert.Equal(t, "asc", first["sort"])
	assert.NotContains(t, first, "sinceDate")
	assert.Equal(t, "sale", first["operation"])
	assert.Equal(t, "homes", first["propertyType"])
	assert.Equal(t, "0-EU-ES-28", first["locationId"])
	assert.Equal(t, "50", first["maxItems"])

	// Exhaustion is detected from totalPages without a fourth request.
	assert.Len(t, fixture.forms, 3)

	// The cursor does not restart.
	again, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestPager_IncrementalParams(t *testing.T) {
	fixture := &searchFixture{pages: map[int][]map[string]interface{}{
		1: {element("A1", 100000)},
	}}
	client, closeSrv := newFixtureClient(t, fixture)
	defer closeSrv()

	p := NewPager(client, testMarket(20), models.ScanIncremental, nil, zerolog.Nop())
	pages := collectPages(t, p)

	require.Len(t, pages, 1)
	first := fixture.forms[0]
	assert.Equal(t, "publicationDate", first["order"])
	assert.Equal(t, "desc", first["sort"])
	assert.Equal(t, "Y", first["sinceDate"])
}

func TestPager_IncrementalStopsAtPageCap(t *testing.T) {
	fixture := &searchFixture{pages: map[int][]map[string]interface{}{
		1: {element("A1", 100000)},
		2: {element("B2", 150000)},
		3: {element("C3", 200000)},
		4: {element("D4", 250000)},
	}}
	client, closeSrv := newFixtureClient(t, fixture)
	defer closeSrv()

	p := NewPager(client, testMarket(2), models.ScanIncremental, nil, zerolog.Nop())
	pages := collectPages(t, p)

	assert.Len(t, pages, 2)
	assert.Len(t, fixture.forms, 2)
}

func TestPager_IncrementalStopsWhenNothingNew(t *testing.T) {
	fixture := &searchFixture{pages: map[int][]map[string]interface{}{
		1: {element("N1", 100000), element("K1", 150000)},
		2: {element("K2", 200000), element("K3", 250000)},
		3: {element("K4", 300000)},
	}}
	client, closeSrv := newFixtureClient(t, fixture)
	defer closeSrv()

	known := map[string]struct{}{"K1": {}, "K2": {}, "K3": {}, "K4": {}}
	p := NewPager(client, testMarket(20), models.ScanIncremental, known, zerolog.Nop())
	pages := collectPages(t, p)

	// Page 2 is all already-known codes: it is still yielded so last-seen
	// timestamps refresh, but the scan stops there.
	require.Len(t, pages, 2)
	assert.Len(t, fixture.forms, 2)
}

func TestPager_IncrementalStopsOnOverlapWithEarlierPages(t *testing.T) {
	// Nothing known-active up front; page 2 repeats page 1's codes, as
	// happens when listings shift between pages mid-run. The scan must not
	// walk on to page 3.
	fixture := &searchFixture{pages: map[int][]map[string]interface{}{
		1: {element("A1", 100000), element("B2", 150000)},
		2: {element("B2", 150000), element("A1", 100000)},
		3: {element("C3", 200000)},
	}}
	client, closeSrv := newFixtureClient(t, fixture)
	defer closeSrv()

	p := NewPager(client, testMarket(20), models.ScanIncremental, nil, zerolog.Nop())
	pages := collectPages(t, p)

	require.Len(t, pages, 2)
	assert.Len(t, fixture.forms, 2)
}

func TestPager_FullScanIgnoresKnownActive(t *testing.T) {
	fixture := &searchFixture{pages: map[int][]map[string]interface{}{
		1: {element("K1", 100000)},
		2: {element("K2", 150000)},
	}}
	client, closeSrv := newFixtureClient(t, fixture)
	defer closeSrv()

	known := map[string]struct{}{"K1": {}, "K2": {}}
	p := NewPager(client, testMarket(20), models.ScanFull, known, zerolog.Nop())
	pages := collectPages(t, p)

	assert.Len(t, pages, 2, "full scans never stop early on known codes")
}

func TestPager_EmptyPageStops(t *testing.T) {
	fixture := &searchFixture{pages: map[int][]map[string]interface{}{}}
	client, closeSrv := newFixtureClient(t, fixture)
	defer closeSrv()

	p := NewPager(client, testMarket(20), models.ScanIncremental, nil, zerolog.Nop())
	pages := collectPages(t, p)

	assert.Empty(t, pages)
	assert.Len(t, fixture.forms, 1)
}

func TestPager_ErrorEndsSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "tok"}
	exec := NewExecutor(tokens, fastPolicy(), 5*time.Second, 0, nil, zerolog.Nop())
	client := NewClient(exec, srv.URL)

	p := NewPager(client, testMarket(20), models.ScanFull, nil, zerolog.Nop())

	_, err := p.Next(context.Background())
	require.Error(t, err)

	page, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page)
}

func TestSearchPage_PropertiesKeepsMalformed(t *testing.T) {
	page := &SearchPage{ElementList: []json.RawMessage{
		json.RawMessage(`{"propertyCode":"A1","price":100000}`),
		json.RawMessage(`{"propertyCode":123}`),
	}}

	props := page.Properties()
	require.Len(t, props, 2)
	assert.True(t, props[0].Valid())
	assert.False(t, props[1].Valid())
	assert.Equal(t, string(page.ElementList[1]), string(props[1].Data))
}

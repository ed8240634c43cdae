package api

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"idealista_collector/config"
	"idealista_collector/models"
)

// Pager drives a paginated search for one market as a finite, single-pass
// cursor. Incremental scans ask for the most recently published listings
// first and stop early on a "nothing new" page or the configured page cap;
// full scans enumerate every page so absence can be treated as evidence of
// delisting.
type Pager struct {
	client      *Client
	market      *config.MarketConfig
	mode        models.ScanMode
	knownActive map[string]struct{}
	log         zerolog.Logger

	page       int
	totalPages int
	done       bool
	yielded    map[string]struct{}
}

// NewPager builds a pager. knownActive is the set of property codes currently
// active in persisted state; it is only consulted in incremental mode.
func NewPager(client *Client, market *config.MarketConfig, mode models.ScanMode, knownActive map[string]struct{}, log zerolog.Logger) *Pager {
	return &Pager{
		client:      client,
		market:      market,
		mode:        mode,
		knownActive: knownActive,
		log:         log,
		yielded:     make(map[string]struct{}),
	}
}

// Next fetches the next page, or (nil, nil) once the sequence is exhausted.
// The sequence is not restartable.
func (p *Pager) Next(ctx context.Context) (*SearchPage, error) {
	if p.done {
		return nil, nil
	}

	p.page++

	if p.mode == models.ScanIncremental && p.market.MaxPages > 0 && p.page > p.market.MaxPages {
		p.log.Info().Int("max_pages", p.market.MaxPages).Msg("page_cap_reached")
		p.done = true
		return nil, nil
	}
	if p.totalPages > 0 && p.page > p.totalPages {
		p.done = true
		return nil, nil
	}

	page, err := p.client.Search(ctx, p.params())
	if err != nil {
		p.done = true
		return nil, fmt.Errorf("page %d: %w", p.page, err)
	}

	if len(page.ElementList) == 0 {
		p.log.Info().Int("page", p.page).Msg("no_more_results")
		p.done = true
		return nil, nil
	}

	p.totalPages = page.TotalPages

	if page.TotalPages > 0 && p.page >= page.TotalPages {
		p.done = true
	}

	// A page consisting entirely of already-known listings means the
	// recency-ordered scan has caught up: every code is either active in
	// persisted state or was yielded by an earlier page of this run
	// (pagination overlap). The page is still yielded so last-seen
	// timestamps get refreshed.
	if p.mode == models.ScanIncremental && p.allKnown(page) {
		p.log.Info().Int("page", p.page).Msg("nothing_new_stopping")
		p.done = true
	}

	for _, prop := range page.Properties() {
		if prop.PropertyCode != "" {
			p.yielded[prop.PropertyCode] = struct{}{}
		}
	}

	p.log.Debug().
		Int("page", p.page).
		Int("total_pages", page.TotalPages).
		Int("items", len(page.ElementList)).
		Msg("page_fetched")

	return page, nil
}

func (p *Pager) params() SearchParams {
	params := SearchParams{
		Country:    p.market.Country,
		LocationID: p.market.LocationID,
		Page:       p.page,
	}

	switch p.mode {
	case models.ScanFull:
		// Price ordering keeps pagination stable across the long enumeration.
		params.Order = "price"
		params.Sort = "asc"
	default:
		params.Order = "publicationDate"
		params.Sort = "desc"
		params.SinceDate = "Y"
	}

	return params
}

func (p *Pager) allKnown(page *SearchPage) bool {
	if len(p.knownActive) == 0 && len(p.yielded) == 0 {
		return false
	}
	sawValid := false
	for _, prop := range page.Properties() {
		if !prop.Valid() {
			continue
		}
		sawValid = true
		if _, active := p.knownActive[prop.PropertyCode]; active {
			continue
		}
		if _, earlier := p.yielded[prop.PropertyCode]; !earlier {
			return false
		}
	}
	return sawValid
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"idealista_collector/models"
)

// Client issues search queries against the upstream listings API.
type Client struct {
	exec    *Executor
	baseURL string
}

func NewClient(exec *Executor, baseURL string) *Client {
	return &Client{exec: exec, baseURL: baseURL}
}

// SearchParams are the query parameters for one search page.
type SearchParams struct {
	Country      string
	LocationID   string
	Operation    string // defaults to "sale"
	PropertyType string // defaults to "homes"
	SinceDate    string // "Y" limits to recently published; empty scans everything
	Order        string
	Sort         string
	MaxItems     int
	Page         int
}

// SearchPage is one page of results. Raw keeps the unmodified response body
// for the archive; the decoded fields are the ones pagination and
// reconciliation inspect.
type SearchPage struct {
	Total       int               `json:"total"`
	TotalPages  int               `json:"totalPages"`
	ActualPage  int               `json:"actualPage"`
	ElementList []json.RawMessage `json:"elementList"`
	Raw         []byte            `json:"-"`
}

// Properties decodes the page's records. Records that fail to decode are kept
// with only the raw payload so the reconciler can count them as malformed.
func (p *SearchPage) Properties() []models.RawProperty {
	props := make([]models.RawProperty, 0, len(p.ElementList))
	for _, raw := range p.ElementList {
		var prop models.RawProperty
		_ = json.Unmarshal(raw, &prop)
		prop.Data = raw
		props = append(props, prop)
	}
	return props
}

// Search fetches a single page. The schema beyond the decoded fields is
// upstream-owned and treated as opaque.
func (c *Client) Search(ctx context.Context, p SearchParams) (*SearchPage, error) {
	if p.Operation == "" {
		p.Operation = "sale"
	}
	if p.PropertyType == "" {
		p.PropertyType = "homes"
	}
	if p.MaxItems == 0 {
		p.MaxItems = 50
	}
	if p.Page == 0 {
		p.Page = 1
	}

	form := url.Values{
		"operation":    {p.Operation},
		"propertyType": {p.PropertyType},
		"locationId":   {p.LocationID},
		"maxItems":     {strconv.Itoa(p.MaxItems)},
		"numPage":      {strconv.Itoa(p.Page)},
		"order":        {p.Order},
		"sort":         {p.Sort},
	}
	if p.SinceDate != "" {
		form.Set("sinceDate", p.SinceDate)
	}

	body, err := c.exec.Do(ctx, RequestSpec{
		Type:     models.RequestTypeSearch,
		Endpoint: "/search",
		URL:      fmt.Sprintf("%s/%s/search", c.baseURL, p.Country),
		Form:     form,
	})
	if err != nil {
		return nil, err
	}

	var page SearchPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	page.Raw = body

	return &page, nil
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Listing tracks the lifecycle of one property, keyed by the stable
// upstream-assigned property code.
type Listing struct {
	PropertyCode      string     `json:"property_code" db:"property_code"`
	FirstSeenAt       time.Time  `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt        time.Time  `json:"last_seen_at" db:"last_seen_at"`
	IsActive          bool       `json:"is_active" db:"is_active"`
	SoldOrWithdrawnAt *time.Time `json:"sold_or_withdrawn_at" db:"sold_or_withdrawn_at"`
	Republished       bool       `json:"republished" db:"republished"`
	RepublishedAt     *time.Time `json:"republished_at" db:"republished_at"`
}

// ListingDetails holds the current payload and price history for a listing (1:1).
type ListingDetails struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	PropertyCode   string          `json:"property_code" db:"property_code"`
	Price          int             `json:"price" db:"price"`
	PreviousPrices PriceHistory    `json:"previous_prices" db:"previous_prices"`
	AllFieldsJSON  json.RawMessage `json:"all_fields_json" db:"all_fields_json"`
}

// PriceHistory maps an observation date (YYYY-MM-DD) to the price that was
// superseded on that date. It only ever holds historical values; the current
// price lives in ListingDetails.Price. Multiple changes on the same date
// collapse to the latest superseded value for that date.
type PriceHistory map[string]int

const historyDateLayout = "2006-01-02"

// Record appends a superseded price under the given date.
func (h PriceHistory) Record(day time.Time, price int) {
	h[day.Format(historyDateLayout)] = price
}

// RawProperty is one listing record as returned by the upstream search API.
// Only the fields the reconciliation engine inspects are decoded; Data keeps
// the full payload untouched.
type RawProperty struct {
	PropertyCode string          `json:"propertyCode"`
	Price        float64         `json:"price"`
	Data         json.RawMessage `json:"-"`
}

// Valid reports whether the record carries the fields reconciliation needs.
func (p *RawProperty) Valid() bool {
	return p.PropertyCode != "" && p.Price > 0
}

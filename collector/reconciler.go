package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"idealista_collector/models"
)

// Store is the slice of the persistence gateway the engine needs. The engine
// is the sole writer of listings and listing_details.
type Store interface {
	GetListingWithDetails(ctx context.Context, propertyCode string) (*models.Listing, *models.ListingDetails, error)
	CreateListing(ctx context.Context, l *models.Listing, d *models.ListingDetails) error
	UpdateListing(ctx context.Context, l *models.Listing, d *models.ListingDetails) error
	ActivePropertyCodes(ctx context.Context) (map[string]struct{}, error)
	DeactivateMissing(ctx context.Context, seen map[string]struct{}, asOf time.Time) (int64, error)
}

// Result aggregates the outcome of reconciling one or more batches.
type Result struct {
	Processed   int
	New         int
	Updated     int
	Republished int
	Skipped     int
	Failed      int
}

// Add merges another result into this one.
func (r *Result) Add(other Result) {
	r.Processed += other.Processed
	r.New += other.New
	r.Updated += other.Updated
	r.Republished += other.Republished
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

// Reconciler merges fetched listing records against persisted state to
// produce lifecycle transitions and price-history updates.
type Reconciler struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewReconciler(store Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		now:   time.Now,
		log:   log,
	}
}

// ReconcilePage merges one batch of raw records. Every code that appears in
// the batch is added to seen, which full scans later use as the evidence set
// for deactivation. Records missing their identifier or price are skipped;
// a persistence failure fails that record only, never the batch.
//
// Activation, creation and price updates happen from either scan mode;
// deactivation never happens here (see FinalizeFullScan).
func (r *Reconciler) ReconcilePage(ctx context.Context, batch []models.RawProperty, seen map[string]struct{}) Result {
	var res Result

	// Deduplicate before touching persisted state: when pagination overlap
	// repeats a code within one batch, the later occurrence wins for price
	// and payload, and the price-history comparison must run once against
	// the persisted baseline, not against a value written earlier in the
	// same batch.
	order := make([]string, 0, len(batch))
	byCode := make(map[string]models.RawProperty, len(batch))
	for _, prop := range batch {
		// Any record carrying a code proves the code appeared in the batch,
		// malformed or not; deactivation evidence must include it.
		if seen != nil && prop.PropertyCode != "" {
			seen[prop.PropertyCode] = struct{}{}
		}
		if !prop.Valid() {
			r.log.Warn().Str("property_code", prop.PropertyCode).Msg("malformed_record_skipped")
			res.Skipped++
			continue
		}
		if _, ok := byCode[prop.PropertyCode]; !ok {
			order = append(order, prop.PropertyCode)
		}
		byCode[prop.PropertyCode] = prop
	}

	for _, code := range order {
		prop := byCode[code]

		action, err := r.reconcileRecord(ctx, prop)
		if err != nil {
			r.log.Error().Err(err).Str("property_code", code).Msg("record_reconcile_failed")
			res.Failed++
			continue
		}

		res.Processed++
		switch action {
		case actionNew:
			res.New++
		case actionRepublished:
			res.Republished++
		default:
			res.Updated++
		}
	}

	return res
}

type action int

const (
	actionNew action = iota
	actionUpdated
	actionRepublished
)

func (r *Reconciler) reconcileRecord(ctx context.Context, prop models.RawProperty) (action, error) {
	now := r.now()
	price := int(prop.Price)

	listing, details, err := r.store.GetListingWithDetails(ctx, prop.PropertyCode)
	if err != nil {
		return 0, fmt.Errorf("get listing: %w", err)
	}

	if listing == nil {
		listing = &models.Listing{
			PropertyCode: prop.PropertyCode,
			FirstSeenAt:  now,
			LastSeenAt:   now,
			IsActive:     true,
		}
		details = &models.ListingDetails{
			ID:             uuid.New(),
			PropertyCode:   prop.PropertyCode,
			Price:          price,
			PreviousPrices: models.PriceHistory{},
			AllFieldsJSON:  prop.Data,
		}
		if err := r.store.CreateListing(ctx, listing, details); err != nil {
			return 0, fmt.Errorf("create listing: %w", err)
		}
		r.log.Info().Str("property_code", prop.PropertyCode).Int("price", price).Msg("new_listing")
		return actionNew, nil
	}

	act := actionUpdated
	if !listing.IsActive {
		listing.IsActive = true
		listing.SoldOrWithdrawnAt = nil
		listing.Republished = true
		republishedAt := now
		listing.RepublishedAt = &republishedAt
		act = actionRepublished
		r.log.Info().Str("property_code", prop.PropertyCode).Msg("listing_republished")
	}

	// Price history holds superseded values only, keyed by the date the
	// stored price was last known to hold, recorded before the overwrite.
	if details.Price != price {
		if details.PreviousPrices == nil {
			details.PreviousPrices = models.PriceHistory{}
		}
		details.PreviousPrices.Record(listing.LastSeenAt, details.Price)
		r.log.Info().
			Str("property_code", prop.PropertyCode).
			Int("old_price", details.Price).
			Int("new_price", price).
			Msg("price_change_detected")
		details.Price = price
	}

	listing.LastSeenAt = now
	details.AllFieldsJSON = prop.Data

	if err := r.store.UpdateListing(ctx, listing, details); err != nil {
		return 0, fmt.Errorf("update listing: %w", err)
	}

	return act, nil
}

// FinalizeFullScan deactivates every active listing whose code was not seen
// anywhere in the full enumeration. Only a full scan is authoritative for
// this conclusion; incremental runs must never call it.
func (r *Reconciler) FinalizeFullScan(ctx context.Context, seen map[string]struct{}) (int64, error) {
	today := r.now().Truncate(24 * time.Hour)
	count, err := r.store.DeactivateMissing(ctx, seen, today)
	if err != nil {
		return 0, fmt.Errorf("deactivate missing: %w", err)
	}
	r.log.Info().Int64("count", count).Msg("listings_deactivated")
	return count, nil
}

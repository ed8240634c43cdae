package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"idealista_collector/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPostgresStore(ctx context.Context, connString string, log zerolog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool, log: log}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		property_code TEXT PRIMARY KEY,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		sold_or_withdrawn_at TIMESTAMPTZ,
		republished BOOLEAN NOT NULL DEFAULT FALSE,
		republished_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS listing_details (
		id UUID PRIMARY KEY,
		property_code TEXT NOT NULL UNIQUE REFERENCES listings(property_code),
		price INTEGER NOT NULL,
		previous_prices JSONB,
		all_fields_json JSONB
	);

	CREATE TABLE IF NOT EXISTS api_requests (
		id UUID PRIMARY KEY,
		request_type TEXT NOT NULL,
		endpoint TEXT,
		status_code INTEGER,
		duration_ms INTEGER,
		request_params JSONB,
		error_message TEXT,
		job_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS collection_runs (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		market TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		error_message TEXT,
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_listings_active ON listings(is_active) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_api_requests_job ON api_requests(job_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_job_id ON collection_runs(job_id);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// Listings
// =============================================================================

// GetListingWithDetails loads a listing and its details row by property code.
// Returns (nil, nil, nil) when the code is unknown.
func (s *PostgresStore) GetListingWithDetails(ctx context.Context, propertyCode string) (*models.Listing, *models.ListingDetails, error) {
	query := `
		SELECT l.property_code, l.first_seen_at, l.last_seen_at, l.is_active,
			l.sold_or_withdrawn_at, l.republished, l.republished_at,
			d.id, d.price, d.previous_prices, d.all_fields_json
		FROM listings l
		JOIN listing_details d ON d.property_code = l.property_code
		WHERE l.property_code = $1`

	var l models.Listing
	var d models.ListingDetails
	var prevPrices []byte

	err := s.pool.QueryRow(ctx, query, propertyCode).Scan(
		&l.PropertyCode, &l.FirstSeenAt, &l.LastSeenAt, &l.IsActive,
		&l.SoldOrWithdrawnAt, &l.Republished, &l.RepublishedAt,
		&d.ID, &d.Price, &prevPrices, &d.AllFieldsJSON,
	)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	d.PropertyCode = l.PropertyCode
	d.PreviousPrices = models.PriceHistory{}
	if len(prevPrices) > 0 {
		if err := json.Unmarshal(prevPrices, &d.PreviousPrices); err != nil {
			return nil, nil, fmt.Errorf("decode previous_prices: %w", err)
		}
	}

	return &l, &d, nil
}

// CreateListing inserts a listing and its details row in one transaction.
func (s *PostgresStore) CreateListing(ctx context.Context, l *models.Listing, d *models.ListingDetails) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO listings (property_code, first_seen_at, last_seen_at, is_active,
			sold_or_withdrawn_at, republished, republished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.PropertyCode, l.FirstSeenAt, l.LastSeenAt, l.IsActive,
		l.SoldOrWithdrawnAt, l.Republished, l.RepublishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	prevPrices, err := marshalPrices(d.PreviousPrices)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO listing_details (id, property_code, price, previous_prices, all_fields_json)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.PropertyCode, d.Price, prevPrices, d.AllFieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert listing details: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdateListing persists reconciled lifecycle and detail state for a known code.
func (s *PostgresStore) UpdateListing(ctx context.Context, l *models.Listing, d *models.ListingDetails) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE listings SET
			last_seen_at = $2, is_active = $3, sold_or_withdrawn_at = $4,
			republished = $5, republished_at = $6
		WHERE property_code = $1`,
		l.PropertyCode, l.LastSeenAt, l.IsActive, l.SoldOrWithdrawnAt,
		l.Republished, l.RepublishedAt,
	)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}

	prevPrices, err := marshalPrices(d.PreviousPrices)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE listing_details SET price = $2, previous_prices = $3, all_fields_json = $4
		WHERE property_code = $1`,
		d.PropertyCode, d.Price, prevPrices, d.AllFieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("update listing details: %w", err)
	}

	return tx.Commit(ctx)
}

// ActivePropertyCodes returns the set of codes currently marked active.
func (s *PostgresStore) ActivePropertyCodes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT property_code FROM listings WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes := make(map[string]struct{})
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes[code] = struct{}{}
	}
	return codes, rows.Err()
}

// DeactivateMissing transitions every active listing whose code is absent from
// seen to inactive, stamping sold_or_withdrawn_at. Only full scans call this.
func (s *PostgresStore) DeactivateMissing(ctx context.Context, seen map[string]struct{}, asOf time.Time) (int64, error) {
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET is_active = FALSE, sold_or_withdrawn_at = $1
		WHERE is_active AND NOT (property_code = ANY($2))`,
		asOf, codes,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func marshalPrices(h models.PriceHistory) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode previous_prices: %w", err)
	}
	return data, nil
}

// =============================================================================
// API request ledger
// =============================================================================

// RecordRequest appends one row to the api_requests ledger. Failures are
// logged, never surfaced: a broken ledger must not fail the call it observes.
func (s *PostgresStore) RecordRequest(ctx context.Context, req *models.APIRequest) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_requests (id, request_type, endpoint, status_code, duration_ms,
			request_params, error_message, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.RequestType, req.Endpoint, req.StatusCode, req.DurationMS,
		req.RequestParams, req.ErrorMessage, req.JobID, req.CreatedAt,
	)
	if err != nil {
		s.log.Warn().Err(err).Str("request_type", req.RequestType).Msg("request_ledger_write_failed")
	}
}

// =============================================================================
// Collection runs
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.CollectionRun) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO collection_runs (job_id, job_type, market, started_at, status, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		run.JobID, run.JobType, run.Market, run.StartedAt, run.Status, run.ErrorMessage, run.Metadata,
	).Scan(&run.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.CollectionRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE collection_runs SET
			finished_at = $2, status = $3, error_message = $4, metadata = $5
		WHERE id = $1`,
		run.ID, run.FinishedAt, run.Status, run.ErrorMessage, run.Metadata,
	)
	return err
}

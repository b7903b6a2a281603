package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"autoscout-watcher/models"
)

// PostgresStore persists listings in PostgreSQL keyed by identity.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return ps, nil
}

func (ps *PostgresStore) migrate() error {
	_, err := ps.db.Exec(`
		CREATE TABLE IF NOT EXISTS listings (
			identity_key      TEXT PRIMARY KEY,
			make              TEXT        NOT NULL DEFAULT '',
			model             TEXT        NOT NULL DEFAULT '',
			price_cents       BIGINT,
			price_text        TEXT        NOT NULL DEFAULT '',
			transmission      VARCHAR(16) NOT NULL DEFAULT 'unknown',
			mileage_km        INTEGER,
			registration_year INTEGER,
			features          TEXT        NOT NULL DEFAULT '[]',
			url               TEXT        NOT NULL DEFAULT '',
			image_url         TEXT        NOT NULL DEFAULT '',
			first_seen_at     TIMESTAMPTZ NOT NULL,
			last_seen_at      TIMESTAMPTZ NOT NULL,
			raw_fingerprint   TEXT        NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_listings_last_seen ON listings(last_seen_at);
		CREATE INDEX IF NOT EXISTS idx_listings_make      ON listings(make);
	`)
	return err
}

// Get returns the stored listing for the key, or (nil, nil) when absent.
func (ps *PostgresStore) Get(ctx context.Context, identityKey string) (*models.Listing, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT identity_key, make, model, price_cents, price_text, transmission,
		       mileage_km, registration_year, features, url, image_url,
		       first_seen_at, last_seen_at, raw_fingerprint
		FROM listings
		WHERE identity_key = $1
	`, identityKey)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %q: %w", identityKey, err)
	}
	return l, nil
}

// UpsertAll writes the cycle's listings in one transaction, last write wins
// per identity key. first_seen_at is only ever written on insert.
func (ps *PostgresStore) UpsertAll(ctx context.Context, listings []*models.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listings (
			identity_key, make, model, price_cents, price_text, transmission,
			mileage_km, registration_year, features, url, image_url,
			first_seen_at, last_seen_at, raw_fingerprint
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (identity_key) DO UPDATE SET
			make              = EXCLUDED.make,
			model             = EXCLUDED.model,
			price_cents       = EXCLUDED.price_cents,
			price_text        = EXCLUDED.price_text,
			transmission      = EXCLUDED.transmission,
			mileage_km        = EXCLUDED.mileage_km,
			registration_year = EXCLUDED.registration_year,
			features          = EXCLUDED.features,
			url               = EXCLUDED.url,
			image_url         = EXCLUDED.image_url,
			last_seen_at      = EXCLUDED.last_seen_at,
			raw_fingerprint   = EXCLUDED.raw_fingerprint
	`)
	if err != nil {
		return fmt.Errorf("postgres: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, l := range listings {
		features, err := json.Marshal(l.Features)
		if err != nil {
			return fmt.Errorf("postgres: marshal features for %q: %w", l.IdentityKey, err)
		}
		_, err = stmt.ExecContext(ctx,
			l.IdentityKey, l.Make, l.Model,
			nullInt64(l.PriceCents), l.PriceText, string(l.Transmission),
			nullInt(l.MileageKm), nullInt(l.RegistrationYear), string(features),
			l.URL, l.ImageURL, l.FirstSeenAt, l.LastSeenAt, l.RawFingerprint,
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert %q: %w", l.IdentityKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// DeleteOlderThan removes listings last seen before now-retention and
// returns the number removed.
func (ps *PostgresStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := ps.db.ExecContext(ctx,
		`DELETE FROM listings WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: prune rows affected: %w", err)
	}
	return n, nil
}

// Count returns the total number of stored listings.
func (ps *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := ps.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count: %w", err)
	}
	return n, nil
}

// FetchAll retrieves all stored listings — used by the inventory summary.
func (ps *PostgresStore) FetchAll(ctx context.Context) ([]*models.Listing, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT identity_key, make, model, price_cents, price_text, transmission,
		       mileage_km, registration_year, features, url, image_url,
		       first_seen_at, last_seen_at, raw_fingerprint
		FROM listings
		ORDER BY identity_key
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch all: %w", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var (
		l            models.Listing
		priceCents   sql.NullInt64
		mileage      sql.NullInt64
		regYear      sql.NullInt64
		transmission string
		features     string
	)
	err := row.Scan(
		&l.IdentityKey, &l.Make, &l.Model, &priceCents, &l.PriceText,
		&transmission, &mileage, &regYear, &features, &l.URL, &l.ImageURL,
		&l.FirstSeenAt, &l.LastSeenAt, &l.RawFingerprint,
	)
	if err != nil {
		return nil, err
	}

	l.Transmission = models.Transmission(transmission)
	if priceCents.Valid {
		v := priceCents.Int64
		l.PriceCents = &v
	}
	if mileage.Valid {
		v := int(mileage.Int64)
		l.MileageKm = &v
	}
	if regYear.Valid {
		v := int(regYear.Int64)
		l.RegistrationYear = &v
	}
	if err := json.Unmarshal([]byte(features), &l.Features); err != nil {
		l.Features = nil
	}
	return &l, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

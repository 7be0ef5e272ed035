package tariff

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. Categories live in a
// JSONB column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, merchantID string) (*Tariff, error) {
	t := &Tariff{MerchantID: merchantID}
	var categoriesJSON []byte

	err := p.db.QueryRowContext(ctx, `
		SELECT currency, default_rate_cents_per_min, probe_amount_cents, categories, updated_at
		FROM tariffs WHERE merchant_id = $1
	`, merchantID).Scan(&t.Currency, &t.DefaultRateCentsPerMin, &t.ProbeAmountCents, &categoriesJSON, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tariff: %w", err)
	}

	if len(categoriesJSON) > 0 {
		if err := json.Unmarshal(categoriesJSON, &t.Categories); err != nil {
			return nil, fmt.Errorf("corrupt categories for merchant %s: %w", merchantID, err)
		}
	}
	return t, nil
}

func (p *PostgresStore) Put(ctx context.Context, t *Tariff) error {
	categoriesJSON, err := json.Marshal(t.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tariffs (merchant_id, currency, default_rate_cents_per_min, probe_amount_cents, categories, updated_at)
		VALUES ($1, $2, $3, $4, $5::JSONB, $6)
		ON CONFLICT (merchant_id) DO UPDATE SET
			currency                   = EXCLUDED.currency,
			default_rate_cents_per_min = EXCLUDED.default_rate_cents_per_min,
			probe_amount_cents         = EXCLUDED.probe_amount_cents,
			categories                 = EXCLUDED.categories,
			updated_at                 = EXCLUDED.updated_at
	`, t.MerchantID, t.Currency, t.DefaultRateCentsPerMin, t.ProbeAmountCents, categoriesJSON, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert tariff: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

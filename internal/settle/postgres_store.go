package settle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore persists payment records in PostgreSQL. The UNIQUE
// constraint on session_id enforces at-most-one record per session;
// Create translates its violation into ErrPaymentExists.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, session_id, user_id, merchant_id, rail, amount_cents, currency,
	status, tx_hash, payer_addr, receipt_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *PaymentRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, session_id, user_id, merchant_id, rail, amount_cents, currency,
			status, tx_hash, payer_addr, receipt_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13
		)`,
		r.ID, r.SessionID, r.UserID, r.MerchantID, string(r.Rail), r.AmountCents, r.Currency,
		r.Status, r.TxHash, r.PayerAddr, r.ReceiptID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "unique constraint") {
		return ErrPaymentExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)

	r, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return r, err
}

func (p *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE session_id = $1`, sessionID)

	r, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return r, err
}

func (p *PostgresStore) MarkConfirmed(ctx context.Context, id, txHash, receiptID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = 'confirmed',
			tx_hash = COALESCE(NULLIF($2, ''), tx_hash),
			receipt_id = COALESCE(NULLIF($3, ''), receipt_id),
			updated_at = NOW()
		WHERE id = $1
	`, id, txHash, receiptID)
	if err != nil {
		return fmt.Errorf("failed to confirm payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListUnconfirmed(ctx context.Context, limit int) ([]*PaymentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'unconfirmed'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentRecord
	for rows.Next() {
		r, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(sc scanner) (*PaymentRecord, error) {
	r := &PaymentRecord{}
	var (
		rail      string
		txHash    sql.NullString
		payerAddr sql.NullString
		receiptID sql.NullString
	)

	err := sc.Scan(
		&r.ID, &r.SessionID, &r.UserID, &r.MerchantID, &rail, &r.AmountCents, &r.Currency,
		&r.Status, &txHash, &payerAddr, &receiptID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Rail = Rail(rail)
	r.TxHash = txHash.String
	r.PayerAddr = payerAddr.String
	r.ReceiptID = receiptID.String
	return r, nil
}

var _ Store = (*PostgresStore)(nil)

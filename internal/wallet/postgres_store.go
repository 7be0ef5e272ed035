package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
//
// Schema lives in migrations/. The invariants the store depends on:
//   - wallets.balance_cents has a CHECK (balance_cents >= 0) backstop
//   - wallet_entries has a partial unique index on (session_id, seq)
//     WHERE type = 'tick'
//   - wallet_entries has a partial unique index on (reference)
//     WHERE type = 'credit'
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a user's balance, zero-valued when the wallet has
// never been credited.
func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT balance_cents, total_in_cents, total_out_cents, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&bal.BalanceCents, &bal.TotalInCents, &bal.TotalOutCents, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return bal, nil
}

// Credit upserts the wallet and records the entry in one transaction. The
// partial unique index on credit references turns double-applied top-ups
// into ErrDuplicateCredit.
func (p *PostgresStore) Credit(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount_cents, reference, created_at)
		VALUES ($1, $2, 'credit', $3, NULLIF($4, ''), $5)
		ON CONFLICT (reference) WHERE type = 'credit' DO NOTHING
	`, e.ID, e.UserID, e.AmountCents, e.Reference, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record credit entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check credit insert: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateCredit
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance_cents, total_in_cents, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance_cents  = wallets.balance_cents  + $2,
			total_in_cents = wallets.total_in_cents + $2,
			updated_at     = NOW()
	`, e.UserID, e.AmountCents)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return tx.Commit()
}

// HasCredit reports whether a credit with this reference was recorded.
func (p *PostgresStore) HasCredit(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_entries WHERE type = 'credit' AND reference = $1
		)
	`, reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check credit reference: %w", err)
	}
	return exists, nil
}

// DebitForTick inserts the tick entry and conditionally decrements the
// balance in one transaction. Either both happen or neither does.
func (p *PostgresStore) DebitForTick(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Entry first: the (session_id, seq) unique index makes replayed ticks
	// visible before any money moves.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, session_id, merchant_id, type, seq, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, 'tick', $5, $6, $7)
		ON CONFLICT (session_id, seq) WHERE type = 'tick' DO NOTHING
	`, e.ID, e.UserID, e.SessionID, e.MerchantID, e.Seq, e.AmountCents, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record tick entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check tick insert: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateTick
	}

	if err := p.debitBalance(ctx, tx, e.UserID, e.AmountCents); err != nil {
		return err
	}

	return tx.Commit()
}

// DebitForSettlement inserts the settlement entry and conditionally
// decrements the balance in one transaction.
func (p *PostgresStore) DebitForSettlement(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, session_id, merchant_id, type, amount_cents, reference, created_at)
		VALUES ($1, $2, $3, $4, 'settlement', $5, NULLIF($6, ''), $7)
	`, e.ID, e.UserID, e.SessionID, e.MerchantID, e.AmountCents, e.Reference, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record settlement entry: %w", err)
	}

	if err := p.debitBalance(ctx, tx, e.UserID, e.AmountCents); err != nil {
		return err
	}

	return tx.Commit()
}

// debitBalance decrements only when the balance covers the amount. Zero
// rows means either no wallet or not enough money; a follow-up read tells
// them apart.
func (p *PostgresStore) debitBalance(ctx context.Context, tx *sql.Tx, userID string, amountCents int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance_cents   = balance_cents   - $2,
			total_out_cents = total_out_cents + $2,
			updated_at      = NOW()
		WHERE user_id = $1 AND balance_cents >= $2
	`, userID, amountCents)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check debit: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)
		`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check wallet existence: %w", err)
		}
		if !exists {
			return ErrWalletNotFound
		}
		return ErrInsufficientFunds
	}
	return nil
}

// SumTicksBySession returns the tick total and highest sequence for a
// session straight from the entries table.
func (p *PostgresStore) SumTicksBySession(ctx context.Context, sessionID string) (int64, int64, error) {
	var sum, maxSeq int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0), COALESCE(MAX(seq), 0)
		FROM wallet_entries
		WHERE session_id = $1 AND type = 'tick'
	`, sessionID).Scan(&sum, &maxSeq)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum session ticks: %w", err)
	}
	return sum, maxSeq, nil
}

// ListBySession returns a session's entries, ticks in sequence order
// followed by settlements in time order.
func (p *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(session_id, ''), COALESCE(merchant_id, ''), type,
		       COALESCE(seq, 0), amount_cents, COALESCE(reference, ''), created_at
		FROM wallet_entries
		WHERE session_id = $1
		ORDER BY (type != 'tick'), seq, created_at
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByUser returns a user's entries, newest first.
func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(session_id, ''), COALESCE(merchant_id, ''), type,
		       COALESCE(seq, 0), amount_cents, COALESCE(reference, ''), created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list user entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.MerchantID, &e.Type,
			&e.Seq, &e.AmountCents, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)

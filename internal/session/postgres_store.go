package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists sessions in PostgreSQL.
//
// The partial unique index on (user_id, merchant_id) WHERE status IN
// ('active','paused_low_balance') enforces pair-uniqueness at the DB level;
// Create translates its violation into ErrSessionExists.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `
	id, user_id, merchant_id, category, rate_cents_per_min, tick_interval_secs,
	status, tick_seq, accumulated_cents, pause_count,
	final_amount_cents, used_fallback, stop_reason,
	started_at, last_tick_at, paused_at, stopped_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, merchant_id, category, rate_cents_per_min, tick_interval_secs,
			status, tick_seq, accumulated_cents, pause_count,
			used_fallback, started_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		s.ID, s.UserID, s.MerchantID, nullString(s.Category), s.RateCentsPerMin, s.TickIntervalSec,
		string(s.Status), s.TickSeq, s.AccumulatedCents, s.PauseCount,
		s.UsedFallback, s.StartedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "unique constraint") {
		return ErrSessionExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) GetRunningByPair(ctx context.Context, userID, merchantID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND merchant_id = $2
		  AND status IN ('active', 'paused_low_balance')
		LIMIT 1`, userID, merchantID)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) GetLatestTerminalByPair(ctx context.Context, userID, merchantID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND merchant_id = $2
		  AND status IN ('stopped', 'paid')
		ORDER BY COALESCE(stopped_at, updated_at) DESC
		LIMIT 1`, userID, merchantID)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) RecordTick(ctx context.Context, id string, seq, accumulatedCents int64, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			tick_seq = $2, accumulated_cents = $3, last_tick_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND tick_seq = $2 - 1
	`, id, seq, accumulatedCents, at)
	if err != nil {
		return fmt.Errorf("failed to record tick: %w", err)
	}
	return p.explainGuardMiss(ctx, result, id, seq-1)
}

func (p *PostgresStore) RepairTick(ctx context.Context, id string, seq, accumulatedCents int64, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			tick_seq = $2, accumulated_cents = $3, last_tick_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id, seq, accumulatedCents, at)
	if err != nil {
		return fmt.Errorf("failed to repair tick: %w", err)
	}
	return p.explainGuardMiss(ctx, result, id, -1)
}

func (p *PostgresStore) Pause(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'paused_low_balance', paused_at = $2,
			pause_count = pause_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to pause session: %w", err)
	}
	return p.explainGuardMiss(ctx, result, id, -1)
}

func (p *PostgresStore) Resume(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'active', last_tick_at = $2, paused_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'paused_low_balance'
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	return p.explainGuardMiss(ctx, result, id, -1)
}

func (p *PostgresStore) Stop(ctx context.Context, id string, at time.Time, reason string, finalCents int64, usedFallback bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'stopped', stopped_at = $2, stop_reason = $3,
			final_amount_cents = $4, used_fallback = $5, updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'paused_low_balance')
	`, id, at, nullString(reason), finalCents, usedFallback)
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	return p.explainGuardMiss(ctx, result, id, -1)
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'paid', updated_at = NOW()
		WHERE id = $1 AND status = 'stopped'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark session paid: %w", err)
	}
	return p.explainGuardMiss(ctx, result, id, -1)
}

// explainGuardMiss distinguishes why a guarded UPDATE hit zero rows:
// missing row, wrong status, or (when wantSeq >= 0) a stale tick cursor.
func (p *PostgresStore) explainGuardMiss(ctx context.Context, result sql.Result, id string, wantSeq int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 0 {
		return nil
	}

	var status string
	var tickSeq int64
	err = p.db.QueryRowContext(ctx,
		`SELECT status, tick_seq FROM sessions WHERE id = $1`, id).Scan(&status, &tickSeq)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if wantSeq >= 0 && Status(status) == StatusActive && tickSeq != wantSeq {
		return ErrStaleTick
	}
	return ErrInvalidStatus
}

func (p *PostgresStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active'
		  AND (
		    (last_tick_at IS NOT NULL AND last_tick_at + (tick_interval_secs || ' seconds')::INTERVAL <= $1)
		    OR
		    (last_tick_at IS NULL AND started_at + (tick_interval_secs || ' seconds')::INTERVAL <= $1)
		  )
		ORDER BY COALESCE(last_tick_at, started_at)
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('active', 'paused_low_balance')
		  AND COALESCE(paused_at, last_tick_at, started_at) < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, merchantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// --- scanners ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		category    sql.NullString
		status      string
		finalAmount sql.NullInt64
		stopReason  sql.NullString
		lastTickAt  sql.NullTime
		pausedAt    sql.NullTime
		stoppedAt   sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.UserID, &s.MerchantID, &category, &s.RateCentsPerMin, &s.TickIntervalSec,
		&status, &s.TickSeq, &s.AccumulatedCents, &s.PauseCount,
		&finalAmount, &s.UsedFallback, &stopReason,
		&s.StartedAt, &lastTickAt, &pausedAt, &stoppedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.Category = category.String
	s.FinalAmountCents = finalAmount.Int64
	s.StopReason = stopReason.String
	if lastTickAt.Valid {
		s.LastTickAt = &lastTickAt.Time
	}
	if pausedAt.Valid {
		s.PausedAt = &pausedAt.Time
	}
	if stoppedAt.Valid {
		s.StoppedAt = &stoppedAt.Time
	}

	return s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

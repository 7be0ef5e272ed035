// Package session implements the metered session lifecycle.
//
// Flow:
//  1. Start → session is active, rate snapshotted from request or tariff
//  2. The tick engine converts elapsed time into wallet debits, one tick
//     at a time, advancing tickSeq
//  3. An uncovered tick pauses the session (paused_low_balance); top-up
//     plus resume reactivates it, and paused time is never billed
//  4. Stop freezes the final amount; settlement moves stopped → paid
//
// Legal transitions:
//
//	active             → paused_low_balance, stopped
//	paused_low_balance → active, stopped
//	stopped            → paid
//
// A user has at most one running session per merchant. Stopped sessions
// free the pair but still settle.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrInvalidStatus   = errors.New("session: invalid status for this operation")
	ErrInvalidRate     = errors.New("session: rate must be positive")
	ErrSessionExists   = errors.New("session: user already has a running session with this merchant")
	ErrStaleTick       = errors.New("session: tick sequence out of date")
)

// Status represents the state of a session.
type Status string

const (
	StatusActive    Status = "active"             // Ticking, wallet debited per tick
	StatusPausedLow Status = "paused_low_balance" // Wallet could not cover a tick; clock stopped
	StatusStopped   Status = "stopped"            // Final amount frozen, awaiting settlement
	StatusPaid      Status = "paid"               // Settled
)

// Stop reasons recorded on the session.
const (
	ReasonUserRequest     = "user_request"
	ReasonMerchantRequest = "merchant_request"
	ReasonStale           = "stale"
	ReasonAdmin           = "admin"
)

var transitions = map[Status][]Status{
	StatusActive:    {StatusPausedLow, StatusStopped},
	StatusPausedLow: {StatusActive, StatusStopped},
	StatusStopped:   {StatusPaid},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one metered usage run: a user consuming a merchant's service
// by the minute.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	MerchantID       string     `json:"merchantId"`
	Category         string     `json:"category,omitempty"`
	RateCentsPerMin  int64      `json:"rateCentsPerMin"`
	TickIntervalSec  int64      `json:"tickIntervalSecs"`
	Status           Status     `json:"status"`
	TickSeq          int64      `json:"tickSeq"`
	AccumulatedCents int64      `json:"accumulatedCents"`
	PauseCount       int64      `json:"pauseCount"`
	FinalAmountCents int64      `json:"finalAmountCents,omitempty"`
	UsedFallback     bool       `json:"usedFallback,omitempty"`
	StopReason       string     `json:"stopReason,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	LastTickAt       *time.Time `json:"lastTickAt,omitempty"`
	PausedAt         *time.Time `json:"pausedAt,omitempty"`
	StoppedAt        *time.Time `json:"stoppedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsRunning reports whether the session still occupies its (user, merchant)
// pair.
func (s *Session) IsRunning() bool {
	return s.Status == StatusActive || s.Status == StatusPausedLow
}

// IsTerminal reports whether the session has left the metering loop.
// Stopped counts as terminal for pair-uniqueness even though settlement
// still moves it to paid.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusStopped || s.Status == StatusPaid
}

// LastActivity returns the most recent moment anything happened to the
// session. The staleness sweep keys off this.
func (s *Session) LastActivity() time.Time {
	switch {
	case s.PausedAt != nil:
		return *s.PausedAt
	case s.LastTickAt != nil:
		return *s.LastTickAt
	default:
		return s.StartedAt
	}
}

// Store persists sessions.
type Store interface {
	// Create inserts a new session, failing with ErrSessionExists when the
	// (user, merchant) pair already has a running one.
	Create(ctx context.Context, s *Session) error

	Get(ctx context.Context, id string) (*Session, error)

	// GetRunningByPair returns the running session for a (user, merchant)
	// pair, ErrSessionNotFound when there is none.
	GetRunningByPair(ctx context.Context, userID, merchantID string) (*Session, error)

	// GetLatestTerminalByPair returns the pair's most recently ended
	// session, ErrSessionNotFound when the pair never had one. A retried
	// stop resolves against it after the first stop freed the pair.
	GetLatestTerminalByPair(ctx context.Context, userID, merchantID string) (*Session, error)

	// RecordTick advances the tick cursor. Guarded on status = active and
	// tick_seq = seq−1: a stale guess fails with ErrStaleTick and changes
	// nothing.
	RecordTick(ctx context.Context, id string, seq, accumulatedCents int64, at time.Time) error

	// RepairTick force-sets the tick cursor to ledger-derived values after
	// a detected gap. Guarded on status = active only.
	RepairTick(ctx context.Context, id string, seq, accumulatedCents int64, at time.Time) error

	// Pause moves active → paused_low_balance and bumps pauseCount.
	Pause(ctx context.Context, id string, at time.Time) error

	// Resume moves paused_low_balance → active and restarts the billing
	// clock at `at` so paused time is never billed.
	Resume(ctx context.Context, id string, at time.Time) error

	// Stop moves a running session to stopped with its frozen final amount.
	Stop(ctx context.Context, id string, at time.Time, reason string, finalCents int64, usedFallback bool) error

	// MarkPaid moves stopped → paid.
	MarkPaid(ctx context.Context, id string) error

	// ListDue returns active sessions whose next tick is due as of asOf.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]*Session, error)

	// ListStaleRunning returns running sessions with no activity since
	// before. The sweeper stops these.
	ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]*Session, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Session, error)
}

// StartRequest contains the parameters for starting a session.
type StartRequest struct {
	UserID          string `json:"userId" binding:"required"`
	MerchantID      string `json:"merchantId" binding:"required"`
	Category        string `json:"category"`
	RateCentsPerMin int64  `json:"rateCentsPerMin"` // 0 = resolve from the merchant's tariff
}

// StopRequest contains optional stop parameters.
type StopRequest struct {
	Reason string `json:"reason"`
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/idgen"
	"github.com/paymeter/paymeter/internal/logging"
	"github.com/paymeter/paymeter/internal/money"
	"github.com/paymeter/paymeter/internal/syncutil"
	"github.com/paymeter/paymeter/internal/tariff"
	"github.com/paymeter/paymeter/internal/traces"
)

// DefaultTickInterval is the billing quantum used when the service isn't
// configured with one.
const DefaultTickInterval = time.Second

// WalletService is the slice of the wallet the lifecycle needs: the
// ledger-derived session total at stop, and an advisory balance check at
// resume.
type WalletService interface {
	SessionTotal(ctx context.Context, sessionID string) (sumCents int64, maxSeq int64, err error)
	CanCover(ctx context.Context, userID string, amountCents int64) (bool, error)
}

// RateResolver resolves a merchant's per-minute rate when the start request
// doesn't carry one.
type RateResolver interface {
	Resolve(ctx context.Context, merchantID, category string) (int64, error)
}

// Publisher fans session events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Service implements the session lifecycle.
type Service struct {
	store   Store
	wallet  WalletService
	tariffs RateResolver
	bus     Publisher
	locks   *syncutil.ContextShardedMutex

	tickIntervalSec int64
}

// NewService creates a new session lifecycle service. locks serializes
// per-session work and must be the same instance the tick engine and the
// settlement mediator use; pass nil to allocate a private one.
func NewService(store Store, wallet WalletService, locks *syncutil.ContextShardedMutex) *Service {
	if locks == nil {
		locks = syncutil.NewContextShardedMutex()
	}
	return &Service{
		store:           store,
		wallet:          wallet,
		locks:           locks,
		tickIntervalSec: int64(DefaultTickInterval.Seconds()),
	}
}

// WithTariffs adds rate-card resolution for start requests without a rate.
func (s *Service) WithTariffs(t RateResolver) *Service {
	s.tariffs = t
	return s
}

// WithBus adds event publication.
func (s *Service) WithBus(b Publisher) *Service {
	s.bus = b
	return s
}

// WithTickInterval sets the billing quantum snapshotted onto new sessions.
func (s *Service) WithTickInterval(d time.Duration) *Service {
	if d >= time.Second {
		s.tickIntervalSec = int64(d.Seconds())
	}
	return s
}

// Locks exposes the per-session lock set for the tick engine and the
// settlement mediator.
func (s *Service) Locks() *syncutil.ContextShardedMutex {
	return s.locks
}

// Store exposes the underlying store for the tick engine, which shares the
// service's per-session locks instead of going through it.
func (s *Service) Store() Store {
	return s.store
}

// Start creates an active session, snapshotting the rate from the request
// or the merchant's tariff. When the (user, merchant) pair already has a
// running session it is returned unchanged with created == false.
func (s *Service) Start(ctx context.Context, req StartRequest) (_ *Session, created bool, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Start",
		traces.UserID(req.UserID),
		traces.MerchantID(req.MerchantID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	rate := req.RateCentsPerMin
	if rate <= 0 {
		if s.tariffs == nil {
			return nil, false, fmt.Errorf("%w: no rate given", ErrInvalidRate)
		}
		resolved, err := s.tariffs.Resolve(ctx, req.MerchantID, req.Category)
		if errors.Is(err, tariff.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: no rate given and merchant has no rate card", ErrInvalidRate)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve tariff: %w", err)
		}
		rate = resolved
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:              idgen.WithPrefix(idgen.PrefixSession),
		UserID:          req.UserID,
		MerchantID:      req.MerchantID,
		Category:        req.Category,
		RateCentsPerMin: rate,
		TickIntervalSec: s.tickIntervalSec,
		Status:          StatusActive,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrSessionExists) {
			existing, gerr := s.store.GetRunningByPair(ctx, req.UserID, req.MerchantID)
			if gerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	sessionsStarted.Inc()
	s.publish(ctx, events.KindSessionStart, sess, map[string]any{
		"rateCentsPerMin":  rate,
		"tickIntervalSecs": sess.TickIntervalSec,
		"category":         req.Category,
	})

	return sess, true, nil
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// Stop freezes a running session's final amount and moves it to stopped.
// Stopping an already stopped or paid session returns it unchanged.
func (s *Service) Stop(ctx context.Context, id, reason string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Stop",
		traces.SessionID(id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	// Serialize against the tick engine so no debit lands mid-stop. A
	// cancelled request gives up instead of queueing behind a tick.
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return sess, nil
	}

	if reason == "" {
		reason = ReasonUserRequest
	}
	now := time.Now().UTC()
	final, usedFallback := s.finalAmount(ctx, sess, now)

	if err := s.store.Stop(ctx, id, now, reason, final, usedFallback); err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			if cur, gerr := s.store.Get(ctx, id); gerr == nil && cur.IsTerminal() {
				return cur, nil
			}
		}
		return nil, fmt.Errorf("failed to stop session: %w", err)
	}

	if !usedFallback && sess.PauseCount == 0 {
		s.crossCheck(ctx, sess, final, now)
	}

	sessionsStopped.WithLabelValues(reason).Inc()
	sessionDuration.Observe(now.Sub(sess.StartedAt).Seconds())
	sessionFinalAmount.Observe(float64(final))

	stopped, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.KindSessionStop, stopped, map[string]any{
		"reason":           reason,
		"finalAmountCents": final,
		"usedFallback":     usedFallback,
		"tickSeq":          stopped.TickSeq,
	})
	return stopped, nil
}

// finalAmount computes what the session is worth: the ledger tick sum, or
// the time-based amount only when the sum query itself fails.
func (s *Service) finalAmount(ctx context.Context, sess *Session, now time.Time) (int64, bool) {
	sum, _, err := s.wallet.SessionTotal(ctx, sess.ID)
	if err == nil {
		return sum, false
	}

	elapsedSec := int64(now.Sub(sess.StartedAt) / time.Second)
	fallback := money.TickAmount(sess.RateCentsPerMin, elapsedSec, 1)
	logging.L(ctx).Warn("ledger sum unavailable at stop, using time-based final amount",
		"sessionId", sess.ID,
		"elapsedSecs", elapsedSec,
		"fallbackCents", fallback,
		"pauseCount", sess.PauseCount,
		"error", err,
	)
	finalAmountFallbacks.Inc()
	return fallback, true
}

// crossCheck compares the ledger-derived final amount against rate ×
// elapsed for sessions that never paused. Disagreement beyond one tick's
// worth means lost or duplicated debits somewhere.
func (s *Service) crossCheck(ctx context.Context, sess *Session, final int64, now time.Time) {
	elapsedSec := int64(now.Sub(sess.StartedAt) / time.Second)
	expected := money.TickAmount(sess.RateCentsPerMin, elapsedSec, 1)
	tolerance := money.TickAmount(sess.RateCentsPerMin, sess.TickIntervalSec, 1) + 1

	diff := final - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		logging.L(ctx).Error("session integrity fault: ledger sum and elapsed-time amount disagree",
			"sessionId", sess.ID,
			"ledgerCents", final,
			"expectedCents", expected,
			"toleranceCents", tolerance,
			"tickSeq", sess.TickSeq,
		)
		integrityFaults.Inc()
	}
}

// PauseLowBalance moves an active session to paused_low_balance after an
// uncovered tick. Runs on the tick path: the caller already holds the
// session lock.
func (s *Service) PauseLowBalance(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if err := s.store.Pause(ctx, sess.ID, now); err != nil {
		return err
	}

	sessionsPaused.Inc()
	s.publish(ctx, events.KindSessionPaused, sess, map[string]any{
		"reason":           "insufficient_funds",
		"tickSeq":          sess.TickSeq,
		"accumulatedCents": sess.AccumulatedCents,
	})
	return nil
}

// Resume reactivates a paused session once the wallet covers at least one
// tick again. The billing clock restarts at the resume moment, so paused
// time costs nothing.
func (s *Service) Resume(ctx context.Context, id string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Resume",
		traces.SessionID(id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusPausedLow {
		return nil, ErrInvalidStatus
	}

	quantum := money.TickAmount(sess.RateCentsPerMin, sess.TickIntervalSec, 1)
	if quantum > 0 {
		covered, err := s.wallet.CanCover(ctx, sess.UserID, quantum)
		if err != nil {
			return nil, fmt.Errorf("failed to check balance for resume: %w", err)
		}
		if !covered {
			return nil, fmt.Errorf("%w: balance below one tick (%d cents)", ErrInvalidStatus, quantum)
		}
	}

	now := time.Now().UTC()
	if err := s.store.Resume(ctx, id, now); err != nil {
		return nil, err
	}

	sessionsResumed.Inc()
	resumed, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.KindSessionUpdate, resumed, map[string]any{
		"resumed":          true,
		"tickSeq":          resumed.TickSeq,
		"accumulatedCents": resumed.AccumulatedCents,
	})
	return resumed, nil
}

// MarkPaid moves a stopped session to paid. The settlement mediator calls
// this after recording the payment; it holds the session lock.
func (s *Service) MarkPaid(ctx context.Context, id string) error {
	return s.store.MarkPaid(ctx, id)
}

// ListByUser returns a user's sessions, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByMerchant returns a merchant's sessions, newest first.
func (s *Service) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByMerchant(ctx, merchantID, limit)
}

// ListByStatus returns sessions in one status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

func (s *Service) publish(ctx context.Context, kind events.Kind, sess *Session, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.New(kind, sess.ID, sess.UserID, sess.MerchantID, data))
}

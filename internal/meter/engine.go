// Package meter runs the tick engine: the loop that converts elapsed time
// on active sessions into wallet debits.
//
// Each sweep lists the sessions whose next tick is due, then processes
// every one under its session lock: compute the cumulative amount owed,
// debit the wallet, advance the session's tick cursor. A wallet that
// cannot cover a tick pauses the session instead of debiting it.
//
// Ticks are quantized cumulatively: the amount for tick n is
// round(rate × tickInterval × n / 60) minus what the session has already
// accumulated, so the running total never drifts from rate × elapsed no
// matter how the per-tick rounding falls.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/money"
	"github.com/paymeter/paymeter/internal/session"
	"github.com/paymeter/paymeter/internal/syncutil"
	"github.com/paymeter/paymeter/internal/traces"
	"github.com/paymeter/paymeter/internal/wallet"
)

const (
	// sweepBatch bounds how many due sessions one sweep picks up.
	sweepBatch = 500

	// maxCatchUpTicks bounds how many missed ticks one sweep bills on a
	// single session, so a long engine outage never produces an unbounded
	// burst of debits.
	maxCatchUpTicks = 120
)

// Clock abstracts time for the engine. Tests inject a fake; production uses
// the wall clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Publisher fans tick events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Engine is the tick loop. It shares the session service's per-session
// locks so a tick never interleaves with a stop or settle on the same
// session.
type Engine struct {
	lifecycle *session.Service
	store     session.Store
	wallet    *wallet.Service
	locks     *syncutil.ContextShardedMutex
	bus       Publisher
	logger    *slog.Logger
	clock     Clock

	interval   time.Duration
	maxWorkers int

	mu       sync.Mutex
	inFlight map[string]struct{}

	stop    chan struct{}
	running atomic.Bool
}

// NewEngine creates a tick engine over the session lifecycle and wallet
// services. The engine takes its store and lock set from the lifecycle
// service so all three agree on serialization.
func NewEngine(lifecycle *session.Service, w *wallet.Service, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		lifecycle:  lifecycle,
		store:      lifecycle.Store(),
		wallet:     w,
		locks:      lifecycle.Locks(),
		logger:     logger,
		clock:      realClock{},
		interval:   session.DefaultTickInterval,
		maxWorkers: 32,
		inFlight:   make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

// WithInterval sets how often the engine sweeps for due sessions.
func (e *Engine) WithInterval(d time.Duration) *Engine {
	if d >= time.Second {
		e.interval = d
	}
	return e
}

// WithMaxWorkers bounds concurrent per-session tick work within a sweep.
func (e *Engine) WithMaxWorkers(n int) *Engine {
	if n > 0 {
		e.maxWorkers = n
	}
	return e
}

// WithClock injects a clock. Tests use this to drive time.
func (e *Engine) WithClock(c Clock) *Engine {
	if c != nil {
		e.clock = c
	}
	return e
}

// WithBus adds event publication.
func (e *Engine) WithBus(b Publisher) *Engine {
	e.bus = b
	return e
}

// Running reports whether the sweep loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("tick engine started",
		"interval", e.interval.String(),
		"maxWorkers", e.maxWorkers,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (e *Engine) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *Engine) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in tick sweep", "panic", fmt.Sprint(r))
		}
	}()
	e.Sweep(ctx)
}

// Sweep processes one round of due sessions and waits for all per-session
// work to finish. Exported so tests and operator tooling can drive ticks
// deterministically.
func (e *Engine) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.clock.Now().UTC()
	due, err := e.store.ListDue(ctx, now, sweepBatch)
	if err != nil {
		e.logger.Warn("failed to list due sessions", "error", err)
		return
	}
	sessionsDue.Set(float64(len(due)))
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, e.maxWorkers)
	var wg sync.WaitGroup
	for _, s := range due {
		if !e.claim(s.ID) {
			inFlightSkips.Inc()
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(s *session.Session) {
			defer func() {
				e.release(s.ID)
				<-sem
				wg.Done()
			}()
			e.tickSession(ctx, s.ID)
		}(s)
	}
	wg.Wait()
}

// claim marks a session as being ticked; false means a previous sweep is
// still working on it.
func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

// tickSession bills every tick due on one session. Runs under the session
// lock, so stop and settle cannot interleave with it.
func (e *Engine) tickSession(ctx context.Context, id string) {
	ctx, span := traces.StartSpan(ctx, "meter.Tick", traces.SessionID(id))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		// Engine shutting down mid-sweep; the session stays due.
		return
	}
	defer unlock()

	// Re-read under the lock: the session may have stopped or paused since
	// ListDue saw it.
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.Warn("failed to load due session", "sessionId", id, "error", err)
		return
	}
	if sess.Status != session.StatusActive {
		return
	}

	interval := time.Duration(sess.TickIntervalSec) * time.Second
	now := e.clock.Now().UTC()
	next := sess.LastActivity().Add(interval)

	var charged int64
	processed := 0
	for !next.After(now) && processed < maxCatchUpTicks {
		seq := sess.TickSeq + 1
		amount := money.TickDelta(sess.RateCentsPerMin, sess.TickIntervalSec, seq, sess.AccumulatedCents)

		if amount > 0 {
			_, err := e.wallet.DebitTick(ctx, sess.ID, sess.UserID, sess.MerchantID, seq, amount)
			if err != nil {
				e.handleDebitError(ctx, sess, seq, amount, err)
				break
			}
		}

		if err := e.store.RecordTick(ctx, sess.ID, seq, sess.AccumulatedCents+amount, next); err != nil {
			// The debit landed but the cursor didn't move. The ledger is
			// the source of truth; realign the cursor to it.
			ticksTotal.WithLabelValues("cursor_miss").Inc()
			e.logger.Warn("tick debited but cursor not advanced, repairing",
				"sessionId", sess.ID,
				"seq", seq,
				"error", err,
			)
			e.repair(ctx, sess)
			break
		}

		sess.TickSeq = seq
		sess.AccumulatedCents += amount
		tickAt := next
		sess.LastTickAt = &tickAt
		charged += amount
		processed++

		if amount > 0 {
			ticksTotal.WithLabelValues("ok").Inc()
		} else {
			ticksTotal.WithLabelValues("zero").Inc()
		}
		next = next.Add(interval)
	}

	if processed > 0 {
		if processed > 1 {
			catchUpTicks.Add(float64(processed - 1))
		}
		e.publishUpdate(ctx, sess, charged, processed)
	}
}

// handleDebitError routes a failed tick debit: an uncovered wallet pauses
// the session, a replayed sequence realigns the cursor, anything else is
// logged and retried next sweep.
func (e *Engine) handleDebitError(ctx context.Context, sess *session.Session, seq, amount int64, err error) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds), errors.Is(err, wallet.ErrWalletNotFound):
		ticksTotal.WithLabelValues("insufficient").Inc()
		if perr := e.lifecycle.PauseLowBalance(ctx, sess); perr != nil {
			e.logger.Error("failed to pause session after uncovered tick",
				"sessionId", sess.ID,
				"seq", seq,
				"error", perr,
			)
			return
		}
		e.logger.Info("session paused, wallet below one tick",
			"sessionId", sess.ID,
			"userId", sess.UserID,
			"seq", seq,
			"neededCents", amount,
		)

	case errors.Is(err, wallet.ErrDuplicateTick):
		// The ledger already holds this sequence: a previous run debited it
		// and crashed before advancing the cursor. Realign from the ledger.
		ticksTotal.WithLabelValues("duplicate").Inc()
		e.logger.Warn("tick sequence already in ledger, repairing cursor",
			"sessionId", sess.ID,
			"seq", seq,
		)
		e.repair(ctx, sess)

	default:
		ticksTotal.WithLabelValues("error").Inc()
		e.logger.Error("tick debit failed",
			"sessionId", sess.ID,
			"seq", seq,
			"amountCents", amount,
			"error", err,
		)
	}
}

// repair force-sets the session's tick cursor to the ledger-derived sum and
// max sequence. Caller holds the session lock.
func (e *Engine) repair(ctx context.Context, sess *session.Session) {
	sum, maxSeq, err := e.wallet.SessionTotal(ctx, sess.ID)
	if err != nil {
		e.logger.Error("failed to read ledger for cursor repair",
			"sessionId", sess.ID,
			"error", err,
		)
		return
	}
	now := e.clock.Now().UTC()
	if err := e.store.RepairTick(ctx, sess.ID, maxSeq, sum, now); err != nil {
		e.logger.Error("failed to repair tick cursor",
			"sessionId", sess.ID,
			"ledgerSeq", maxSeq,
			"ledgerCents", sum,
			"error", err,
		)
		return
	}
	repairsTotal.Inc()
	sess.TickSeq = maxSeq
	sess.AccumulatedCents = sum
	sess.LastTickAt = &now
}

func (e *Engine) publishUpdate(ctx context.Context, sess *session.Session, charged int64, ticks int) {
	if e.bus == nil {
		return
	}
	data := map[string]any{
		"tickSeq":          sess.TickSeq,
		"accumulatedCents": sess.AccumulatedCents,
		"chargedCents":     charged,
		"ticks":            ticks,
	}
	if sess.LastTickAt != nil {
		data["elapsedSecs"] = int64(sess.LastTickAt.Sub(sess.StartedAt) / time.Second)
	}
	if bal, err := e.wallet.GetBalance(ctx, sess.UserID); err == nil {
		data["balanceCents"] = bal.BalanceCents
	}
	e.bus.Publish(ctx, events.New(events.KindSessionUpdate, sess.ID, sess.UserID, sess.MerchantID, data))
}

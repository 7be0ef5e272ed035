package meter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/session"
	"github.com/paymeter/paymeter/internal/wallet"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	lifecycle *session.Service
	wallet    *wallet.Service
	engine    *Engine
	clock     *fakeClock
	pub       *capturePublisher
}

// newFixture wires a full in-memory stack: real lifecycle, real wallet,
// fake clock. tickInterval is snapshotted onto started sessions.
func newFixture(t *testing.T, tickInterval time.Duration) *fixture {
	t.Helper()

	w := wallet.NewService(wallet.NewMemoryStore())
	pub := &capturePublisher{}
	clk := &fakeClock{now: time.Now().UTC()}

	lifecycle := session.NewService(session.NewMemoryStore(), w, nil).
		WithBus(pub).
		WithTickInterval(tickInterval)

	engine := NewEngine(lifecycle, w, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(clk).
		WithBus(pub)

	return &fixture{lifecycle: lifecycle, wallet: w, engine: engine, clock: clk, pub: pub}
}

func (f *fixture) start(t *testing.T, userID string, rate int64) *session.Session {
	t.Helper()
	sess, _, err := f.lifecycle.Start(context.Background(), session.StartRequest{
		UserID:          userID,
		MerchantID:      "gym1",
		RateCentsPerMin: rate,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Anchor the fake clock on the session's start so tick math in the
	// test is exact.
	f.clock.Set(sess.StartedAt)
	return sess
}

func (f *fixture) credit(t *testing.T, userID string, cents int64, ref string) {
	t.Helper()
	if _, err := f.wallet.Credit(context.Background(), userID, cents, ref); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
}

func TestSweep_CumulativeQuantization(t *testing.T) {
	// 200¢/min on a 1s tick: per-tick deltas round to 3 or 4 cents, but 90
	// seconds must cost exactly 300.
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.credit(t, "user1", 1000, "")
	sess := f.start(t, "user1", 200)

	f.clock.Advance(90 * time.Second)
	f.engine.Sweep(ctx)

	got, err := f.lifecycle.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TickSeq != 90 {
		t.Errorf("expected 90 ticks, got %d", got.TickSeq)
	}
	if got.AccumulatedCents != 300 {
		t.Errorf("expected exactly 300 cents after 90s at 200/min, got %d", got.AccumulatedCents)
	}

	bal, _ := f.wallet.GetBalance(ctx, "user1")
	if bal.BalanceCents != 700 {
		t.Errorf("expected balance 700, got %d", bal.BalanceCents)
	}

	sum, maxSeq, err := f.wallet.SessionTotal(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionTotal failed: %v", err)
	}
	if sum != got.AccumulatedCents {
		t.Errorf("ledger sum %d must equal session accumulated %d", sum, got.AccumulatedCents)
	}
	if maxSeq != got.TickSeq {
		t.Errorf("ledger max seq %d must equal session tick seq %d", maxSeq, got.TickSeq)
	}
}

func TestSweep_UpdateEventCarriesBalanceAndElapsed(t *testing.T) {
	// Tick progress events report elapsed billable time and the post-debit
	// wallet balance alongside the cumulative amount.
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.credit(t, "user1", 1000, "")
	f.start(t, "user1", 60) // 1¢ per 1s tick

	f.clock.Advance(10 * time.Second)
	f.engine.Sweep(ctx)

	var update *events.Event
	f.pub.mu.Lock()
	for i := range f.pub.events {
		if f.pub.events[i].Kind == events.KindSessionUpdate {
			update = &f.pub.events[i]
		}
	}
	f.pub.mu.Unlock()
	if update == nil {
		t.Fatal("no session update event published")
	}

	if got, ok := update.Data["elapsedSecs"].(int64); !ok || got != 10 {
		t.Errorf("expected elapsedSecs 10, got %v", update.Data["elapsedSecs"])
	}
	if got, ok := update.Data["balanceCents"].(int64); !ok || got != 990 {
		t.Errorf("expected balanceCents 990, got %v", update.Data["balanceCents"])
	}
	if got, ok := update.Data["accumulatedCents"].(int64); !ok || got != 10 {
		t.Errorf("expected accumulatedCents 10, got %v", update.Data["accumulatedCents"])
	}
}

func TestSweep_PausesOnInsufficientFunds(t *testing.T) {
	// 600¢/min on a 1s tick is 10¢ per tick; 25¢ covers two ticks.
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.credit(t, "user1", 25, "")
	sess := f.start(t, "user1", 600)

	f.clock.Advance(10 * time.Second)
	f.engine.Sweep(ctx)

	got, _ := f.lifecycle.Get(ctx, sess.ID)
	if got.Status != session.StatusPausedLow {
		t.Fatalf("expected paused_low_balance, got %s", got.Status)
	}
	if got.TickSeq != 2 || got.AccumulatedCents != 20 {
		t.Errorf("expected 2 covered ticks for 20 cents, got seq=%d acc=%d", got.TickSeq, got.AccumulatedCents)
	}
	if got.PauseCount != 1 {
		t.Errorf("expected pauseCount 1, got %d", got.PauseCount)
	}

	// The uncovered remainder stays in the wallet.
	bal, _ := f.wallet.GetBalance(ctx, "user1")
	if bal.BalanceCents != 5 {
		t.Errorf("expected 5 cents left, got %d", bal.BalanceCents)
	}

	var sawPause bool
	for _, k := range f.pub.kinds() {
		if k == events.KindSessionPaused {
			sawPause = true
		}
	}
	if !sawPause {
		t.Error("expected session:paused event")
	}
}

func TestSweep_ResumeAfterTopUp(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.credit(t, "user1", 20, "")
	sess := f.start(t, "user1", 600)

	f.clock.Advance(5 * time.Second)
	f.engine.Sweep(ctx)

	got, _ := f.lifecycle.Get(ctx, sess.ID)
	if got.Status != session.StatusPausedLow {
		t.Fatalf("expected paused_low_balance, got %s", got.Status)
	}

	f.credit(t, "user1", 100, "topup-1")
	if _, err := f.lifecycle.Resume(ctx, sess.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// The billing clock restarted at resume, so the paused gap costs
	// nothing and ticking continues from the resume moment.
	resumed, _ := f.lifecycle.Get(ctx, sess.ID)
	f.clock.Set(resumed.LastTickAt.Add(3 * time.Second))
	f.engine.Sweep(ctx)

	after, _ := f.lifecycle.Get(ctx, sess.ID)
	if after.Status != session.StatusActive {
		t.Fatalf("expected active after resume, got %s", after.Status)
	}
	if after.TickSeq != 5 || after.AccumulatedCents != 50 {
		t.Errorf("expected 5 ticks for 50 cents total, got seq=%d acc=%d", after.TickSeq, after.AccumulatedCents)
	}
}

func TestSweep_ZeroDeltaTicksAdvanceCursor(t *testing.T) {
	// 1¢/min on a 1s tick: the first cent is only owed at the 30th tick.
	// Earlier ticks advance the cursor without touching the wallet.
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess := f.start(t, "user1", 1)

	f.clock.Advance(5 * time.Second)
	f.engine.Sweep(ctx)

	got, _ := f.lifecycle.Get(ctx, sess.ID)
	if got.Status != session.StatusActive {
		t.Fatalf("zero-delta ticks must not pause, got %s", got.Status)
	}
	if got.TickSeq != 5 || got.AccumulatedCents != 0 {
		t.Errorf("expected seq 5 with nothing accumulated, got seq=%d acc=%d", got.TickSeq, got.AccumulatedCents)
	}

	entries, _ := f.wallet.SessionLedger(ctx, sess.ID, 10)
	if len(entries) != 0 {
		t.Errorf("expected no ledger entries for zero-delta ticks, got %d", len(entries))
	}
}

func TestSweep_RepairsCursorFromLedger(t *testing.T) {
	// A tick that reached the ledger but never advanced the session cursor
	// (crash between debit and record) shows up as a duplicate; the engine
	// realigns the cursor to the ledger instead of double-billing.
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.credit(t, "user1", 100, "")
	sess := f.start(t, "user1", 600)

	if _, err := f.wallet.DebitTick(ctx, sess.ID, "user1", "gym1", 1, 10); err != nil {
		t.Fatalf("seed DebitTick failed: %v", err)
	}

	f.clock.Advance(time.Second)
	f.engine.Sweep(ctx)

	got, _ := f.lifecycle.Get(ctx, sess.ID)
	if got.TickSeq != 1 || got.AccumulatedCents != 10 {
		t.Errorf("expected cursor realigned to ledger (seq=1, acc=10), got seq=%d acc=%d", got.TickSeq, got.AccumulatedCents)
	}

	// Next sweep continues from the repaired cursor without a gap.
	f.clock.Advance(time.Second)
	f.engine.Sweep(ctx)

	got, _ = f.lifecycle.Get(ctx, sess.ID)
	if got.AccumulatedCents != 20 {
		t.Errorf("expected 20 cents after one more tick, got %d", got.AccumulatedCents)
	}

	bal, _ := f.wallet.GetBalance(ctx, "user1")
	if bal.BalanceCents != 80 {
		t.Errorf("expected balance 80, got %d", bal.BalanceCents)
	}
}

func TestSweep_IgnoresStoppedSessions(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.credit(t, "user1", 100, "")
	sess := f.start(t, "user1", 600)

	f.clock.Advance(3 * time.Second)
	f.engine.Sweep(ctx)

	if _, err := f.lifecycle.Stop(ctx, sess.ID, session.ReasonUserRequest); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	f.clock.Advance(time.Minute)
	f.engine.Sweep(ctx)

	got, _ := f.lifecycle.Get(ctx, sess.ID)
	if got.TickSeq != 3 || got.AccumulatedCents != 30 {
		t.Errorf("stopped session must not tick, got seq=%d acc=%d", got.TickSeq, got.AccumulatedCents)
	}
	if got.FinalAmountCents != 30 {
		t.Errorf("expected final amount 30, got %d", got.FinalAmountCents)
	}
}

func TestSweep_CatchUpIsCapped(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.credit(t, "user1", 100000, "")
	sess := f.start(t, "user1", 600)

	// Far more ticks due than one sweep may bill.
	f.clock.Advance(time.Duration(maxCatchUpTicks+50) * time.Second)
	f.engine.Sweep(ctx)

	got, _ := f.lifecycle.Get(ctx, sess.ID)
	if got.TickSeq != maxCatchUpTicks {
		t.Errorf("expected catch-up capped at %d ticks, got %d", maxCatchUpTicks, got.TickSeq)
	}

	// The remainder is billed on the following sweep.
	f.engine.Sweep(ctx)
	got, _ = f.lifecycle.Get(ctx, sess.ID)
	if got.TickSeq != maxCatchUpTicks+50 {
		t.Errorf("expected %d ticks after second sweep, got %d", maxCatchUpTicks+50, got.TickSeq)
	}
}

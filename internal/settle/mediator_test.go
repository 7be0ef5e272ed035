package settle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/receipts"
	"github.com/paymeter/paymeter/internal/session"
	"github.com/paymeter/paymeter/internal/wallet"
	"github.com/paymeter/paymeter/pkg/x402"
)

const (
	testPayTo  = "0x1111111111111111111111111111111111111111"
	testPayer  = "0x2222222222222222222222222222222222222222"
	testTxHash = "0xabcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
)

// fakeFacilitator scripts verify/settle outcomes.
type fakeFacilitator struct {
	mu          sync.Mutex
	verifyErr   error
	settleErr   error
	txHash      string
	settleCalls int
}

func (f *fakeFacilitator) Verify(_ context.Context, _ *x402.PaymentRequirement, _ *x402.PaymentProof) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeFacilitator) Settle(_ context.Context, _ *x402.PaymentRequirement, proof *x402.PaymentProof) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	if f.settleErr != nil {
		return "", f.settleErr
	}
	if f.txHash != "" {
		return f.txHash, nil
	}
	return proof.TxHash, nil
}

// capturePublisher records events synchronously.
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
	wallet   *wallet.Service
	sessions *session.Service
	payments Store
	issuer   *RequirementIssuer
	fac      *fakeFacilitator
	pub      *capturePublisher
	mediator *Mediator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	w := wallet.NewService(wallet.NewMemoryStore())
	sessions := session.NewService(session.NewMemoryStore(), w, nil)
	pub := &capturePublisher{}
	fac := &fakeFacilitator{}
	issuer := NewRequirementIssuer(testPayTo, "exact", "USD", time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	payments := NewMemoryStore()
	m := NewMediator(sessions, w, payments, logger).
		WithReceipts(receipts.NewService(receipts.NewMemoryStore(), receipts.NewSigner("test-secret"))).
		WithExternalRail(issuer, fac).
		WithBus(pub)

	return &fixture{
		wallet:   w,
		sessions: sessions,
		payments: payments,
		issuer:   issuer,
		fac:      fac,
		pub:      pub,
		mediator: m,
	}
}

// stoppedSession starts a session and freezes it at finalCents directly
// through the store, so tests control the owed amount without simulating
// the tick history behind it.
func (f *fixture) stoppedSession(t *testing.T, finalCents int64) *session.Session {
	t.Helper()
	ctx := context.Background()

	sess, _, err := f.sessions.Start(ctx, session.StartRequest{
		UserID:          "user1",
		MerchantID:      "gym1",
		RateCentsPerMin: 60,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.sessions.Store().Stop(ctx, sess.ID, time.Now().UTC(), session.ReasonUserRequest, finalCents, false); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	stopped, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return stopped
}

func (f *fixture) proofFor(t *testing.T, sess *session.Session) (*x402.PaymentProof, int64) {
	t.Helper()
	requirement, err := f.issuer.Issue(sess.ID, sess.FinalAmountCents)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return x402.NewProof(testTxHash, testPayer, requirement.Nonce), requirement.AmountCents
}

func TestSettleWallet_DebitsRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.wallet.Credit(ctx, "user1", 500, "topup-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	sess := f.stoppedSession(t, 150)

	out, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailWallet}, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if out.Payment == nil || out.Payment.Status != StatusConfirmed {
		t.Fatalf("expected confirmed payment, got %+v", out.Payment)
	}
	if out.Payment.AmountCents != 150 {
		t.Errorf("expected payment of 150, got %d", out.Payment.AmountCents)
	}
	if out.Payment.Rail != RailWallet {
		t.Errorf("expected wallet rail, got %s", out.Payment.Rail)
	}
	if out.Session.Status != session.StatusPaid {
		t.Errorf("expected session paid, got %s", out.Session.Status)
	}
	if out.Receipt == nil {
		t.Error("expected a receipt")
	} else if out.Payment.ReceiptID != out.Receipt.ID {
		t.Errorf("receipt %s not attached to payment (%s)", out.Receipt.ID, out.Payment.ReceiptID)
	}

	balance, err := f.wallet.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.BalanceCents != 350 {
		t.Errorf("expected balance 350 after settlement debit, got %d", balance.BalanceCents)
	}

	kinds := f.pub.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != events.KindPaymentOK {
		t.Errorf("expected payment:success event, got %v", kinds)
	}
}

func TestSettleWallet_TicksAlreadyCollected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.wallet.Credit(ctx, "user1", 100, "topup-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	sess, _, err := f.sessions.Start(ctx, session.StartRequest{
		UserID:          "user1",
		MerchantID:      "gym1",
		RateCentsPerMin: 60,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := f.wallet.DebitTick(ctx, sess.ID, "user1", "gym1", 1, 40); err != nil {
		t.Fatalf("DebitTick failed: %v", err)
	}

	// Real stop path: final amount comes from the ledger sum.
	stopped, err := f.sessions.Stop(ctx, sess.ID, session.ReasonUserRequest)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.FinalAmountCents != 40 {
		t.Fatalf("expected final 40 from ledger, got %d", stopped.FinalAmountCents)
	}

	out, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID}, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if out.Payment.AmountCents != 40 {
		t.Errorf("expected payment of 40, got %d", out.Payment.AmountCents)
	}

	// Ticks covered everything: no further debit.
	balance, _ := f.wallet.GetBalance(ctx, "user1")
	if balance.BalanceCents != 60 {
		t.Errorf("expected balance 60, got %d", balance.BalanceCents)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.wallet.Credit(ctx, "user1", 500, "topup-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	sess := f.stoppedSession(t, 150)

	first, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID}, nil)
	if err != nil {
		t.Fatalf("first Settle failed: %v", err)
	}
	second, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID}, nil)
	if err != nil {
		t.Fatalf("second Settle failed: %v", err)
	}

	if second.Payment.ID != first.Payment.ID {
		t.Errorf("expected the same payment record, got %s then %s", first.Payment.ID, second.Payment.ID)
	}

	balance, _ := f.wallet.GetBalance(ctx, "user1")
	if balance.BalanceCents != 350 {
		t.Errorf("replay changed the balance: %d", balance.BalanceCents)
	}
}

func TestStopAndSettle_RetryAfterPairFreed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.wallet.Credit(ctx, "user1", 500, "topup-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, _, err := f.sessions.Start(ctx, session.StartRequest{
		UserID:          "user1",
		MerchantID:      "gym1",
		RateCentsPerMin: 60,
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	req := StopRequest{UserID: "user1", MerchantID: "gym1", Reason: session.ReasonUserRequest}
	first, err := f.mediator.StopAndSettle(ctx, req, nil)
	if err != nil {
		t.Fatalf("first StopAndSettle failed: %v", err)
	}
	if first.Payment == nil || first.Session.Status != session.StatusPaid {
		t.Fatalf("expected settled session on first stop, got %+v", first)
	}

	// The first stop freed the (user, merchant) pair. The retry must land
	// on the same terminal session and replay its settlement, not 404.
	second, err := f.mediator.StopAndSettle(ctx, req, nil)
	if err != nil {
		t.Fatalf("retried StopAndSettle failed: %v", err)
	}
	if second.Session.ID != first.Session.ID {
		t.Errorf("retry resolved a different session: %s then %s", first.Session.ID, second.Session.ID)
	}
	if second.Payment == nil || second.Payment.ID != first.Payment.ID {
		t.Errorf("expected the same payment record on retry, got %+v", second.Payment)
	}

	// Still no pair for an unrelated merchant.
	_, err = f.mediator.StopAndSettle(ctx, StopRequest{UserID: "user1", MerchantID: "gym2"}, nil)
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for a pair with no history, got %v", err)
	}
}

func TestSettle_RequiresStoppedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, err := f.sessions.Start(ctx, session.StartRequest{
		UserID:          "user1",
		MerchantID:      "gym1",
		RateCentsPerMin: 60,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID}, nil)
	if !errors.Is(err, ErrNotStopped) {
		t.Errorf("expected ErrNotStopped, got %v", err)
	}
}

func TestSettle_ZeroFinalAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.stoppedSession(t, 0)

	out, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID}, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if out.Payment.AmountCents != 0 || out.Payment.Status != StatusConfirmed {
		t.Errorf("expected zero confirmed payment, got %+v", out.Payment)
	}
	if out.Session.Status != session.StatusPaid {
		t.Errorf("expected session paid, got %s", out.Session.Status)
	}
}

func TestSettleWallet_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.wallet.Credit(ctx, "user1", 100, "topup-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	sess := f.stoppedSession(t, 150)

	_, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID}, nil)
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Nothing happened: no record, session still stopped, balance intact.
	if _, err := f.payments.GetBySession(ctx, sess.ID); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected no payment record, got %v", err)
	}
	current, _ := f.sessions.Get(ctx, sess.ID)
	if current.Status != session.StatusStopped {
		t.Errorf("expected session still stopped, got %s", current.Status)
	}
	balance, _ := f.wallet.GetBalance(ctx, "user1")
	if balance.BalanceCents != 100 {
		t.Errorf("expected untouched balance 100, got %d", balance.BalanceCents)
	}
}

func TestSettleExternal_ChallengeThenPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.stoppedSession(t, 250)

	// First call: no proof, expect the 402 challenge.
	out, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, nil)
	if err != nil {
		t.Fatalf("challenge Settle failed: %v", err)
	}
	if out.Requirement == nil {
		t.Fatal("expected a payment requirement")
	}
	if out.Requirement.AmountCents != 250 {
		t.Errorf("expected requirement of 250, got %d", out.Requirement.AmountCents)
	}
	if out.Payment != nil {
		t.Errorf("challenge must not create a payment record, got %+v", out.Payment)
	}

	// Second call: pay the challenge.
	proof := x402.NewProof(testTxHash, testPayer, out.Requirement.Nonce)
	paid, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, proof)
	if err != nil {
		t.Fatalf("paying Settle failed: %v", err)
	}
	if paid.Payment.Status != StatusConfirmed {
		t.Errorf("expected confirmed payment, got %s", paid.Payment.Status)
	}
	if paid.Payment.Rail != RailExternal {
		t.Errorf("expected external rail, got %s", paid.Payment.Rail)
	}
	if paid.Payment.TxHash != testTxHash {
		t.Errorf("expected tx hash on the record, got %q", paid.Payment.TxHash)
	}
	if paid.Payment.PayerAddr != testPayer {
		t.Errorf("expected payer address, got %q", paid.Payment.PayerAddr)
	}
	if paid.Session.Status != session.StatusPaid {
		t.Errorf("expected session paid, got %s", paid.Session.Status)
	}
	if paid.Receipt == nil || paid.Receipt.TxHash != testTxHash {
		t.Errorf("expected receipt carrying the tx hash, got %+v", paid.Receipt)
	}
}

func TestSettleExternal_NonceSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.stoppedSession(t, 100)
	proof, _ := f.proofFor(t, sess)

	// Break the first attempt after the nonce is consumed.
	f.fac.settleErr = errors.New("facilitator timeout")
	if _, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, proof); err != nil {
		t.Fatalf("degraded Settle returned error: %v", err)
	}

	// Replaying the same proof must fail on the nonce, not create records.
	f.fac.settleErr = nil
	_, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, proof)
	if err != nil {
		// The degraded record already exists, so the replay short-circuits
		// on it instead. Either behavior keeps the nonce single-use.
		t.Fatalf("replay Settle returned error: %v", err)
	}
	if f.fac.settleCalls != 1 {
		t.Errorf("expected exactly one settle call, got %d", f.fac.settleCalls)
	}
}

func TestSettleExternal_DegradesOnSettleFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.stoppedSession(t, 100)
	proof, _ := f.proofFor(t, sess)

	f.fac.settleErr = errors.New("facilitator timeout")
	out, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, proof)
	if err != nil {
		t.Fatalf("expected graceful degrade, got error: %v", err)
	}
	if out.Payment.Status != StatusUnconfirmed {
		t.Errorf("expected unconfirmed payment, got %s", out.Payment.Status)
	}
	if out.Payment.TxHash != testTxHash {
		t.Errorf("expected claimed tx hash kept, got %q", out.Payment.TxHash)
	}

	// The session stays stopped until reconciliation confirms the payment.
	current, _ := f.sessions.Get(ctx, sess.ID)
	if current.Status != session.StatusStopped {
		t.Errorf("expected session still stopped, got %s", current.Status)
	}

	pending, err := f.payments.ListUnconfirmed(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnconfirmed failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != out.Payment.ID {
		t.Errorf("expected the degraded record in the unconfirmed list, got %v", pending)
	}
}

func TestSettleExternal_VerifyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.stoppedSession(t, 100)
	proof, _ := f.proofFor(t, sess)

	f.fac.verifyErr = ErrVerifyFailed
	_, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, proof)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
	if _, err := f.payments.GetBySession(ctx, sess.ID); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("rejected payment must not leave a record, got %v", err)
	}
	if f.fac.settleCalls != 0 {
		t.Errorf("settle must not run after a rejected verify, got %d calls", f.fac.settleCalls)
	}
}

func TestSettleExternal_UnknownNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.stoppedSession(t, 100)
	proof := x402.NewProof(testTxHash, testPayer, "never-issued")

	_, err := f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, proof)
	if !errors.Is(err, ErrNonceInvalid) {
		t.Errorf("expected ErrNonceInvalid, got %v", err)
	}
}

func TestSettleExternal_NonceBoundToSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.stoppedSession(t, 100)
	requirement, err := f.issuer.Issue("ses_other", 100)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	proof := x402.NewProof(testTxHash, testPayer, requirement.Nonce)
	_, err = f.mediator.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, proof)
	if !errors.Is(err, ErrNonceInvalid) {
		t.Errorf("expected ErrNonceInvalid for another session's nonce, got %v", err)
	}
}

func TestSettleExternal_RailUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A mediator without the external rail wired.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bare := NewMediator(f.sessions, f.wallet, NewMemoryStore(), logger)

	sess := f.stoppedSession(t, 100)
	_, err := bare.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: RailExternal}, nil)
	if !errors.Is(err, ErrRailUnavailable) {
		t.Errorf("expected ErrRailUnavailable, got %v", err)
	}
}

func TestRequirementIssuer_ConsumeOnce(t *testing.T) {
	issuer := NewRequirementIssuer(testPayTo, "exact", "USD", time.Minute)

	requirement, err := issuer.Issue("ses_1", 500)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if requirement.PayTo != testPayTo || requirement.AmountCents != 500 {
		t.Errorf("unexpected requirement: %+v", requirement)
	}

	amount, ok := issuer.Consume(requirement.Nonce, "ses_1")
	if !ok || amount != 500 {
		t.Fatalf("expected (500, true), got (%d, %v)", amount, ok)
	}
	if _, ok := issuer.Consume(requirement.Nonce, "ses_1"); ok {
		t.Error("nonce consumed twice")
	}
}

func TestRequirementIssuer_Expiry(t *testing.T) {
	issuer := NewRequirementIssuer(testPayTo, "exact", "USD", time.Nanosecond)

	requirement, err := issuer.Issue("ses_1", 500)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, ok := issuer.Consume(requirement.Nonce, "ses_1"); ok {
		t.Error("expired nonce accepted")
	}
}

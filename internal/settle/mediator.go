package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/idgen"
	"github.com/paymeter/paymeter/internal/logging"
	"github.com/paymeter/paymeter/internal/receipts"
	"github.com/paymeter/paymeter/internal/session"
	"github.com/paymeter/paymeter/internal/syncutil"
	"github.com/paymeter/paymeter/internal/traces"
	"github.com/paymeter/paymeter/internal/wallet"
	"github.com/paymeter/paymeter/pkg/x402"
)

// Publisher fans payment events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Outcome is the result of a settlement attempt. Exactly one of the
// following holds:
//
//   - Requirement is set: the caller must pay it and retry with a proof
//   - Payment is set and confirmed: the session is paid
//   - Payment is set and unconfirmed: money likely moved but confirmation
//     is pending; the reconciliation sweep will finish the job
type Outcome struct {
	Session     *session.Session         `json:"session"`
	Payment     *PaymentRecord           `json:"payment,omitempty"`
	Receipt     *receipts.Receipt        `json:"receipt,omitempty"`
	Requirement *x402.PaymentRequirement `json:"requirement,omitempty"`
}

// Mediator settles stopped sessions on the wallet or external rail. It
// shares the session service's per-session locks so settlement never
// interleaves with ticks or a concurrent stop.
type Mediator struct {
	sessions *session.Service
	wallet   *wallet.Service
	payments Store
	receipts *receipts.Service
	issuer   *RequirementIssuer
	fac      Facilitator
	bus      Publisher
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
	currency string
}

// NewMediator creates a settlement mediator over the session and wallet
// services.
func NewMediator(sessions *session.Service, w *wallet.Service, payments Store, logger *slog.Logger) *Mediator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mediator{
		sessions: sessions,
		wallet:   w,
		payments: payments,
		locks:    sessions.Locks(),
		logger:   logger,
		currency: "USD",
	}
}

// WithReceipts adds receipt issuance. Nil-safe downstream.
func (m *Mediator) WithReceipts(r *receipts.Service) *Mediator {
	m.receipts = r
	return m
}

// WithExternalRail enables the x402 pay-to-unlock rail.
func (m *Mediator) WithExternalRail(issuer *RequirementIssuer, fac Facilitator) *Mediator {
	m.issuer = issuer
	m.fac = fac
	return m
}

// WithBus adds event publication.
func (m *Mediator) WithBus(b Publisher) *Mediator {
	m.bus = b
	return m
}

// WithCurrency sets the currency code stamped on records and receipts.
func (m *Mediator) WithCurrency(c string) *Mediator {
	if c != "" {
		m.currency = c
	}
	return m
}

// ExternalRailEnabled reports whether x402 settlement can be offered.
func (m *Mediator) ExternalRailEnabled() bool {
	return m.issuer != nil && m.fac != nil
}

// GetBySession returns a session's payment record.
func (m *Mediator) GetBySession(ctx context.Context, sessionID string) (*PaymentRecord, error) {
	return m.payments.GetBySession(ctx, sessionID)
}

// StopAndSettle stops the running session for a (user, merchant) pair and
// immediately settles it on the requested rail. On the external rail the
// returned Outcome carries the requirement; the client pays it and
// resubmits the proof against the session's settle endpoint.
func (m *Mediator) StopAndSettle(ctx context.Context, req StopRequest, proof *x402.PaymentProof) (*Outcome, error) {
	sess, err := m.sessions.Store().GetRunningByPair(ctx, req.UserID, req.MerchantID)
	if errors.Is(err, session.ErrSessionNotFound) {
		// A retried stop lands here: the first stop freed the pair. Resolve
		// against the pair's latest ended session so the retry returns the
		// same settlement outcome instead of a not-found error.
		prior, perr := m.sessions.Store().GetLatestTerminalByPair(ctx, req.UserID, req.MerchantID)
		if perr != nil {
			return nil, err
		}
		return m.Settle(ctx, SettleRequest{SessionID: prior.ID, Rail: req.Rail}, proof)
	}
	if err != nil {
		return nil, err
	}
	if _, err := m.sessions.Stop(ctx, sess.ID, req.Reason); err != nil {
		return nil, err
	}
	return m.Settle(ctx, SettleRequest{SessionID: sess.ID, Rail: req.Rail}, proof)
}

// Settle collects a stopped session's final amount. proof is nil on the
// first external-rail call; the returned Outcome then carries the
// requirement to pay. Settling an already-paid session returns its
// existing record unchanged.
func (m *Mediator) Settle(ctx context.Context, req SettleRequest, proof *x402.PaymentProof) (_ *Outcome, retErr error) {
	rail := req.Rail
	if rail == "" {
		rail = RailWallet
	}

	ctx, span := traces.StartSpan(ctx, "settle.Settle",
		traces.SessionID(req.SessionID),
		traces.Rail(string(rail)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	// Serialize against the tick engine and stop on the same session,
	// bailing out if the request dies while waiting.
	unlock, err := m.locks.LockContext(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := m.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	// Idempotency: a session that already settled returns its record.
	if existing, err := m.payments.GetBySession(ctx, sess.ID); err == nil {
		return m.existingOutcome(ctx, sess, existing)
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to check existing payment: %w", err)
	}

	if sess.Status != session.StatusStopped {
		return nil, fmt.Errorf("%w: session is %s", ErrNotStopped, sess.Status)
	}

	final := sess.FinalAmountCents
	if final <= 0 {
		// Nothing owed: a session stopped before its first billable tick.
		return m.finalize(ctx, sess, m.newRecord(sess, rail, 0, "", ""))
	}

	switch rail {
	case RailWallet:
		return m.settleWallet(ctx, sess, final)
	case RailExternal:
		return m.settleExternal(ctx, sess, final, proof)
	default:
		return nil, fmt.Errorf("settle: unknown rail %q", rail)
	}
}

// existingOutcome handles the replay path: the record exists, so make sure
// the session status caught up and hand everything back unchanged.
func (m *Mediator) existingOutcome(ctx context.Context, sess *session.Session, p *PaymentRecord) (*Outcome, error) {
	if p.Status == StatusConfirmed && sess.Status == session.StatusStopped {
		// The payment confirmed but the status flip was lost. Finish it.
		if err := m.sessions.MarkPaid(ctx, sess.ID); err != nil {
			m.logger.Error("failed to mark session paid for confirmed payment",
				"sessionId", sess.ID,
				"paymentId", p.ID,
				"error", err,
			)
		} else if fresh, err := m.sessions.Get(ctx, sess.ID); err == nil {
			sess = fresh
		}
	}

	out := &Outcome{Session: sess, Payment: p}
	if p.ReceiptID != "" && m.receipts != nil {
		if r, err := m.receipts.Get(ctx, p.ReceiptID); err == nil {
			out.Receipt = r
		}
	}
	return out, nil
}

// settleWallet collects the remainder the per-tick debits haven't already
// taken from the prepaid wallet.
func (m *Mediator) settleWallet(ctx context.Context, sess *session.Session, final int64) (*Outcome, error) {
	collected, _, err := m.wallet.SessionTotal(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read collected amount: %w", err)
	}

	remainder := final - collected
	if remainder < 0 {
		logging.L(ctx).Warn("ledger collected more than the final amount, collecting nothing further",
			"sessionId", sess.ID,
			"finalCents", final,
			"collectedCents", collected,
		)
		remainder = 0
	}

	record := m.newRecord(sess, RailWallet, final, "", "")
	if remainder > 0 {
		if _, err := m.wallet.DebitSettlement(ctx, sess.ID, sess.UserID, sess.MerchantID, remainder, record.ID); err != nil {
			settlementsTotal.WithLabelValues(string(RailWallet), "failed").Inc()
			return nil, err
		}
	}

	return m.finalize(ctx, sess, record)
}

// settleExternal runs the x402 handshake. Without a proof it issues the
// 402 challenge; with one it verifies and settles through the facilitator.
func (m *Mediator) settleExternal(ctx context.Context, sess *session.Session, final int64, proof *x402.PaymentProof) (*Outcome, error) {
	if !m.ExternalRailEnabled() {
		return nil, ErrRailUnavailable
	}

	if proof == nil {
		requirement, err := m.issuer.Issue(sess.ID, final)
		if err != nil {
			return nil, err
		}
		return &Outcome{Session: sess, Requirement: requirement}, nil
	}

	if err := proof.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	amount, ok := m.issuer.Consume(proof.Nonce, sess.ID)
	if !ok {
		return nil, ErrNonceInvalid
	}
	if age := time.Since(time.Unix(proof.Timestamp, 0)); age > m.issuer.TTL() || age < -30*time.Second {
		return nil, fmt.Errorf("%w: proof expired or has a future timestamp", ErrInvalidProof)
	}

	requirement := m.issuer.Describe(sess.ID, amount, proof.Nonce)

	if err := m.fac.Verify(ctx, requirement, proof); err != nil {
		settlementsTotal.WithLabelValues(string(RailExternal), "rejected").Inc()
		return nil, err
	}

	// Money moved in ticks AND via the external rail would double-bill;
	// external settlement always covers the full final amount, so flag any
	// tick collection loudly.
	if collected, _, err := m.wallet.SessionTotal(ctx, sess.ID); err == nil && collected > 0 {
		logging.L(ctx).Warn("external settlement on a session with tick debits; full amount billed externally",
			"sessionId", sess.ID,
			"collectedCents", collected,
			"finalCents", final,
		)
	}

	txHash, err := m.fac.Settle(ctx, requirement, proof)
	if err != nil {
		// The settle call is never retried: a timeout here means we don't
		// know whether money moved. Keep the claim as an unconfirmed
		// record and let the reconciliation sweep finish or flag it.
		return m.degrade(ctx, sess, proof, amount, err)
	}

	record := m.newRecord(sess, RailExternal, amount, txHash, proof.From)
	return m.finalize(ctx, sess, record)
}

// degrade records an external settlement whose outcome is unknown. The
// session stays stopped and the record stays unconfirmed.
func (m *Mediator) degrade(ctx context.Context, sess *session.Session, proof *x402.PaymentProof, amount int64, cause error) (*Outcome, error) {
	record := m.newRecord(sess, RailExternal, amount, proof.TxHash, proof.From)
	record.Status = StatusUnconfirmed

	if err := m.payments.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("settlement failed and the degraded record could not be written: %v (settle error: %w)", err, cause)
	}

	settlementsTotal.WithLabelValues(string(RailExternal), "unconfirmed").Inc()
	logging.L(ctx).Warn("facilitator settle did not confirm, payment recorded as unconfirmed",
		"sessionId", sess.ID,
		"paymentId", record.ID,
		"txHash", proof.TxHash,
		"amountCents", amount,
		"error", cause,
	)

	return &Outcome{Session: sess, Payment: record}, nil
}

// finalize writes the confirmed record, flips the session to paid, issues
// the receipt, and publishes payment:success.
func (m *Mediator) finalize(ctx context.Context, sess *session.Session, record *PaymentRecord) (*Outcome, error) {
	if err := m.payments.Create(ctx, record); err != nil {
		if record.Rail == RailWallet && record.AmountCents > 0 {
			// The wallet debit landed but the record didn't. The ledger
			// entry referencing the record ID is the audit trail.
			m.logger.Error("CRITICAL: settlement debited but payment record not written",
				"sessionId", sess.ID,
				"paymentId", record.ID,
				"amountCents", record.AmountCents,
				"error", err,
			)
		}
		return nil, fmt.Errorf("failed to write payment record: %w", err)
	}

	if err := m.sessions.MarkPaid(ctx, sess.ID); err != nil {
		// Money is settled; the reconciliation sweep repairs the status
		// from the confirmed record.
		m.logger.Error("CRITICAL: payment confirmed but session not marked paid",
			"sessionId", sess.ID,
			"paymentId", record.ID,
			"error", err,
		)
	}

	var receipt *receipts.Receipt
	if m.receipts != nil {
		r, err := m.receipts.Issue(ctx, receipts.IssueRequest{
			SessionID:   sess.ID,
			UserID:      sess.UserID,
			MerchantID:  sess.MerchantID,
			Rail:        receipts.Rail(record.Rail),
			AmountCents: record.AmountCents,
			Currency:    record.Currency,
			Status:      receipts.StatusConfirmed,
			TxHash:      record.TxHash,
		})
		if err != nil {
			logging.L(ctx).Warn("failed to issue settlement receipt",
				"sessionId", sess.ID,
				"paymentId", record.ID,
				"error", err,
			)
		} else if r != nil {
			receipt = r
			record.ReceiptID = r.ID
			if err := m.payments.MarkConfirmed(ctx, record.ID, record.TxHash, r.ID); err != nil {
				logging.L(ctx).Warn("failed to attach receipt to payment record",
					"paymentId", record.ID,
					"receiptId", r.ID,
					"error", err,
				)
			}
		}
	}

	settlementsTotal.WithLabelValues(string(record.Rail), "confirmed").Inc()
	settlementAmount.Observe(float64(record.AmountCents))

	paid, err := m.sessions.Get(ctx, sess.ID)
	if err != nil {
		paid = sess
	}

	if m.bus != nil {
		data := map[string]any{
			"rail":        string(record.Rail),
			"amountCents": record.AmountCents,
			"paymentId":   record.ID,
		}
		if record.TxHash != "" {
			data["txHash"] = record.TxHash
		}
		if record.ReceiptID != "" {
			data["receiptId"] = record.ReceiptID
		}
		m.bus.Publish(ctx, events.New(events.KindPaymentOK, sess.ID, sess.UserID, sess.MerchantID, data))
	}

	return &Outcome{Session: paid, Payment: record, Receipt: receipt}, nil
}

func (m *Mediator) newRecord(sess *session.Session, rail Rail, amount int64, txHash, payer string) *PaymentRecord {
	now := time.Now().UTC()
	return &PaymentRecord{
		ID:          idgen.WithPrefix(idgen.PrefixPayment),
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		MerchantID:  sess.MerchantID,
		Rail:        rail,
		AmountCents: amount,
		Currency:    m.currency,
		Status:      StatusConfirmed,
		TxHash:      txHash,
		PayerAddr:   payer,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

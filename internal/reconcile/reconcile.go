// Package reconcile is the integrity sweep over sessions and payments.
//
// It never moves money. Each run looks for three kinds of drift and makes
// noise (gauges, error logs) or applies the one safe repair:
//
//   - running sessions whose ledger tick sum disagrees with the session's
//     accumulated counter
//   - running sessions that stopped ticking (engine died, node lost them):
//     stopped with reason "stale" so their money loop can close
//   - external settlements stuck unconfirmed, and stopped sessions whose
//     payment actually confirmed (the status flip was lost mid-settlement)
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/paymeter/paymeter/internal/logging"
	"github.com/paymeter/paymeter/internal/session"
	"github.com/paymeter/paymeter/internal/settle"
	"github.com/paymeter/paymeter/internal/wallet"
)

const sweepLimit = 500

// Report summarizes one reconcile run.
type Report struct {
	At                  time.Time `json:"at"`
	SessionsChecked     int       `json:"sessionsChecked"`
	LedgerMismatches    int       `json:"ledgerMismatches"`
	StaleStopped        int       `json:"staleStopped"`
	UnconfirmedPayments int       `json:"unconfirmedPayments"`
	RepairedPaid        int       `json:"repairedPaid"`
	Errors              int       `json:"errors"`
}

// Checker runs the integrity sweep.
type Checker struct {
	sessions   *session.Service
	wallet     *wallet.Service
	payments   settle.Store
	staleAfter time.Duration
}

// NewChecker creates a reconcile checker. staleAfter bounds how long a
// running session may go without a tick before it is force-stopped.
func NewChecker(sessions *session.Service, w *wallet.Service, payments settle.Store, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Checker{
		sessions:   sessions,
		wallet:     w,
		payments:   payments,
		staleAfter: staleAfter,
	}
}

// Run executes all checks and returns the combined report. Individual
// check failures are counted, logged, and do not abort the run.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{At: start.UTC()}

	c.checkLedgerDrift(ctx, report)
	c.stopStaleSessions(ctx, report)
	c.checkPayments(ctx, report)

	reconcileDuration.Observe(time.Since(start).Seconds())
	reconcileLedgerMismatches.Set(float64(report.LedgerMismatches))
	reconcileUnconfirmedPayments.Set(float64(report.UnconfirmedPayments))

	logging.L(ctx).Info("reconcile run finished",
		"sessionsChecked", report.SessionsChecked,
		"ledgerMismatches", report.LedgerMismatches,
		"staleStopped", report.StaleStopped,
		"unconfirmedPayments", report.UnconfirmedPayments,
		"repairedPaid", report.RepairedPaid,
		"errors", report.Errors,
		"took", time.Since(start),
	)
	return report, nil
}

// checkLedgerDrift compares each running session's accumulated counter
// against the wallet ledger's tick sum. The tick engine self-repairs from
// the ledger, so a persistent mismatch here means it isn't running or
// keeps failing.
func (c *Checker) checkLedgerDrift(ctx context.Context, report *Report) {
	for _, status := range []session.Status{session.StatusActive, session.StatusPausedLow} {
		sessions, err := c.sessions.ListByStatus(ctx, status, sweepLimit)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			logging.L(ctx).Error("reconcile: failed to list sessions", "status", status, "error", err)
			continue
		}

		for _, sess := range sessions {
			report.SessionsChecked++
			sum, maxSeq, err := c.wallet.SessionTotal(ctx, sess.ID)
			if err != nil {
				report.Errors++
				reconcileErrors.Inc()
				continue
			}
			if sum != sess.AccumulatedCents {
				report.LedgerMismatches++
				logging.L(ctx).Error("reconcile: ledger sum disagrees with session counter",
					"sessionId", sess.ID,
					"ledgerCents", sum,
					"ledgerMaxSeq", maxSeq,
					"accumulatedCents", sess.AccumulatedCents,
					"tickSeq", sess.TickSeq,
				)
			}
		}
	}
}

// stopStaleSessions force-stops running sessions with no tick activity
// within the stale window. Stop freezes the final amount from the ledger,
// so nothing the dead ticks never collected gets billed.
func (c *Checker) stopStaleSessions(ctx context.Context, report *Report) {
	cutoff := time.Now().UTC().Add(-c.staleAfter)
	stale, err := c.sessions.Store().ListStaleRunning(ctx, cutoff, sweepLimit)
	if err != nil {
		report.Errors++
		reconcileErrors.Inc()
		logging.L(ctx).Error("reconcile: failed to list stale sessions", "error", err)
		return
	}

	for _, sess := range stale {
		if _, err := c.sessions.Stop(ctx, sess.ID, session.ReasonStale); err != nil {
			report.Errors++
			reconcileErrors.Inc()
			logging.L(ctx).Error("reconcile: failed to stop stale session",
				"sessionId", sess.ID,
				"error", err,
			)
			continue
		}
		report.StaleStopped++
		reconcileStaleStopped.Inc()
		logging.L(ctx).Warn("reconcile: stopped stale session",
			"sessionId", sess.ID,
			"lastActivity", sess.LastActivity(),
		)
	}
}

// checkPayments re-flags unconfirmed settlements and finishes the
// stopped → paid flip for records that did confirm.
func (c *Checker) checkPayments(ctx context.Context, report *Report) {
	pending, err := c.payments.ListUnconfirmed(ctx, sweepLimit)
	if err != nil {
		report.Errors++
		reconcileErrors.Inc()
		logging.L(ctx).Error("reconcile: failed to list unconfirmed payments", "error", err)
	} else {
		report.UnconfirmedPayments = len(pending)
		for _, p := range pending {
			logging.L(ctx).Warn("reconcile: settlement still unconfirmed",
				"paymentId", p.ID,
				"sessionId", p.SessionID,
				"amountCents", p.AmountCents,
				"txHash", p.TxHash,
				"age", time.Since(p.CreatedAt),
			)
		}
	}

	stopped, err := c.sessions.ListByStatus(ctx, session.StatusStopped, sweepLimit)
	if err != nil {
		report.Errors++
		reconcileErrors.Inc()
		return
	}
	for _, sess := range stopped {
		p, err := c.payments.GetBySession(ctx, sess.ID)
		if err != nil || p.Status != settle.StatusConfirmed {
			continue
		}
		if err := c.sessions.MarkPaid(ctx, sess.ID); err != nil {
			report.Errors++
			reconcileErrors.Inc()
			logging.L(ctx).Error("reconcile: failed to mark settled session paid",
				"sessionId", sess.ID,
				"paymentId", p.ID,
				"error", err,
			)
			continue
		}
		report.RepairedPaid++
		logging.L(ctx).Warn("reconcile: repaired stopped session with confirmed payment",
			"sessionId", sess.ID,
			"paymentId", p.ID,
		)
	}
}

func (r *Report) String() string {
	return fmt.Sprintf("checked=%d mismatches=%d stale=%d unconfirmed=%d repaired=%d errors=%d",
		r.SessionsChecked, r.LedgerMismatches, r.StaleStopped, r.UnconfirmedPayments, r.RepairedPaid, r.Errors)
}

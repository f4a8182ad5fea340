package reconcile

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/auditlog"
)

// DefaultStuckThreshold is how long a payment may stay pending before it
// counts as stuck.
const DefaultStuckThreshold = 30 * time.Minute

// Fixer applies the single safe corrective action for a discrepancy or
// defers to an operator. Every mutation is conditioned on the prior status.
type Fixer struct {
	payments       repository.PaymentRepository
	stuckThreshold time.Duration
	audit          *logrus.Logger
	now            func() time.Time
	runID          string
}

// NewFixer creates a Fixer. A nil audit logger uses the process audit log.
func NewFixer(payments repository.PaymentRepository, stuckThreshold time.Duration, audit *logrus.Logger) *Fixer {
	if stuckThreshold <= 0 {
		stuckThreshold = DefaultStuckThreshold
	}
	if audit == nil {
		audit = auditlog.GetLogger()
	}
	return &Fixer{
		payments:       payments,
		stuckThreshold: stuckThreshold,
		audit:          audit,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithRunID returns a copy that tags audit lines with runID.
func (f *Fixer) WithRunID(runID string) *Fixer {
	c := *f
	c.runID = runID
	return &c
}

// WithClock returns a copy that reads the time from now.
func (f *Fixer) WithClock(now func() time.Time) *Fixer {
	c := *f
	c.now = now
	return &c
}

// Resolve decides and, when allowed, applies the fix for d.
func (f *Fixer) Resolve(ctx context.Context, d Discrepancy, autoFix bool) FixResult {
	res := FixResult{
		ExternalRef:   d.ExternalRef,
		PaymentID:     d.PaymentID(),
		Kind:          d.Kind,
		Action:        ActionNone,
		Before:        d.LedgerStatus(),
		After:         d.LedgerStatus(),
		GatewayStatus: d.GatewayStatus(),
	}

	var err error
	switch d.Kind {
	case KindStatusMismatch:
		err = f.resolveMismatch(ctx, d, autoFix, &res)
	case KindMissingInLedger:
		// The booking or pass behind a gateway-only payment cannot be
		// reconstructed, so a record is never created.
		severity := models.AlertSeverityWarning
		if moneyMoved(d.GatewayStatus()) {
			severity = models.AlertSeverityCritical
		}
		skipUnsafe(&res, ReasonMissingInLedger, models.AlertTypeMissingInLedger, severity)
	case KindExtraInLedger:
		err = f.resolveExtra(ctx, d, autoFix, &res)
	default:
		skipUnsafe(&res, "unknown_kind", "", "")
	}

	auditlog.FixAttempt(f.audit, auditlog.FixEntry{
		RunID:       f.runID,
		ExternalRef: res.ExternalRef,
		PaymentID:   res.PaymentID,
		Kind:        string(res.Kind),
		Action:      res.Action,
		Outcome:     string(res.Outcome),
		Reason:      res.Reason,
		Before:      string(res.Before),
		After:       string(res.After),
		AutoFix:     autoFix,
		Err:         err,
	})
	return res
}

func (f *Fixer) resolveMismatch(ctx context.Context, d Discrepancy, autoFix bool, res *FixResult) error {
	if d.Ledger == nil || d.Gateway == nil {
		skipUnsafe(res, "incomplete_discrepancy", "", "")
		return nil
	}
	ledger, gw := d.Ledger.Status, d.Gateway.Status

	switch {
	case unsuccessful(ledger) && unsuccessful(gw):
		skipUnsafe(res, ReasonBothUnsuccessful, "", "")
		return nil
	case ledger.IsTerminal():
		skipUnsafe(res, ReasonTerminalLedger, models.AlertTypeStatusMismatch, models.AlertSeverityWarning)
		return nil
	case gw == models.PaymentStatusRefunded:
		skipUnsafe(res, ReasonRefund, models.AlertTypeStatusMismatch, models.AlertSeverityWarning)
		return nil
	}

	switch ledger {
	case models.PaymentStatusPending:
		switch gw {
		case models.PaymentStatusCompleted:
			res.Action = ActionComplete
			return f.apply(ctx, d, autoFix, res, models.PaymentStatusCompleted, models.AlertTypeStatusMismatch)
		case models.PaymentStatusFailed, models.PaymentStatusCancelled:
			res.Action = ActionFail
			return f.failUnlessConsumed(ctx, d, autoFix, res)
		}
	case models.PaymentStatusCompleted:
		if unsuccessful(gw) {
			skipUnsafe(res, ReasonCompletedButFailed, models.AlertTypeStatusMismatch, models.AlertSeverityCritical)
			return nil
		}
		if gw == models.PaymentStatusPending {
			skipUnsafe(res, ReasonGatewayPending, models.AlertTypeStatusMismatch, models.AlertSeverityWarning)
			return nil
		}
	case models.PaymentStatusFailed:
		if gw == models.PaymentStatusCompleted {
			skipUnsafe(res, ReasonMoneyMovedLedger, models.AlertTypeStatusMismatch, models.AlertSeverityCritical)
			return nil
		}
		if gw == models.PaymentStatusPending {
			skipUnsafe(res, ReasonGatewayPending, models.AlertTypeStatusMismatch, models.AlertSeverityWarning)
			return nil
		}
	}

	skipUnsafe(res, "unsupported_transition", models.AlertTypeStatusMismatch, models.AlertSeverityWarning)
	return nil
}

func (f *Fixer) resolveExtra(ctx context.Context, d Discrepancy, autoFix bool, res *FixResult) error {
	if d.Ledger == nil {
		skipUnsafe(res, "incomplete_discrepancy", "", "")
		return nil
	}

	switch d.Ledger.Status {
	case models.PaymentStatusPending:
		if f.now().Sub(d.Ledger.CreatedAt) <= f.stuckThreshold {
			skipUnsafe(res, ReasonNotStuckYet, "", "")
			return nil
		}
		// Marking an unseen pending payment failed is reversible and has
		// no cascade.
		res.Action = ActionFail
		return f.apply(ctx, d, autoFix, res, models.PaymentStatusFailed, models.AlertTypeExtraInLedger)
	case models.PaymentStatusCompleted, models.PaymentStatusRefunded:
		skipUnsafe(res, ReasonMoneyClaimed, models.AlertTypeExtraInLedger, models.AlertSeverityCritical)
		return nil
	default:
		skipUnsafe(res, ReasonAlreadyClosed, "", "")
		return nil
	}
}

// apply runs the compare-and-swap for a fix the policy considers safe.
func (f *Fixer) apply(ctx context.Context, d Discrepancy, autoFix bool, res *FixResult, target models.PaymentStatus, alertType models.AlertType) error {
	if !autoFix {
		res.Outcome = OutcomeSkippedDisabled
		res.Reason = ReasonAutoFixDisabled
		res.AlertType = alertType
		res.Severity = models.AlertSeverityWarning
		return nil
	}

	var (
		ok  bool
		err error
	)
	from := d.Ledger.Status
	if target == models.PaymentStatusCompleted {
		ok, err = f.payments.CompleteWithCascade(ctx, d.Ledger.ID, from)
	} else {
		ok, err = f.payments.TransitionStatus(ctx, d.Ledger.ID, from, target)
	}
	return settle(res, target, ok, err)
}

// failUnlessConsumed fails a pending payment the gateway reports as
// unsuccessful, unless its booking or pass was already used. With auto-fix
// on, the usage check and the update commit together.
func (f *Fixer) failUnlessConsumed(ctx context.Context, d Discrepancy, autoFix bool, res *FixResult) error {
	target := models.PaymentStatusFailed
	if !autoFix {
		consumed, err := f.payments.LinkedItemConsumed(ctx, d.Ledger)
		if err != nil {
			storeFailure(res, err)
			return err
		}
		if consumed {
			skipUnsafe(res, ReasonLinkedItemConsumed, models.AlertTypeStatusMismatch, models.AlertSeverityCritical)
			return nil
		}
		return f.apply(ctx, d, autoFix, res, target, models.AlertTypeStatusMismatch)
	}

	ok, consumed, err := f.payments.TransitionUnlessConsumed(ctx, d.Ledger.ID, d.Ledger.Status, target)
	if err == nil && consumed {
		skipUnsafe(res, ReasonLinkedItemConsumed, models.AlertTypeStatusMismatch, models.AlertSeverityCritical)
		return nil
	}
	return settle(res, target, ok, err)
}

func settle(res *FixResult, target models.PaymentStatus, ok bool, err error) error {
	if err != nil {
		storeFailure(res, err)
		return err
	}
	if !ok {
		// Someone else moved the record first. The next run re-evaluates it.
		res.Outcome = OutcomeSkippedUnsafe
		res.Reason = ReasonConcurrentUpdate
		return nil
	}

	res.Outcome = OutcomeApplied
	res.After = target
	return nil
}

func skipUnsafe(res *FixResult, reason string, alertType models.AlertType, severity string) {
	res.Outcome = OutcomeSkippedUnsafe
	res.Reason = reason
	res.AlertType = alertType
	res.Severity = severity
}

func storeFailure(res *FixResult, err error) {
	res.Outcome = OutcomeFailed
	res.Reason = ReasonStoreError
	res.Error = err.Error()
	res.AlertType = models.AlertTypeFixFailed
	res.Severity = models.AlertSeverityCritical
}

func unsuccessful(s models.PaymentStatus) bool {
	return s == models.PaymentStatusFailed || s == models.PaymentStatusCancelled
}

func moneyMoved(s models.PaymentStatus) bool {
	return s == models.PaymentStatusCompleted || s == models.PaymentStatusRefunded
}

package paymentsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

// ErrUnknownPayment means a notification names a reference the ledger does
// not know (yet). The next reconciliation reports it as missing.
var ErrUnknownPayment = errors.New("no payment with this external reference")

// Reasons a notification did not change the ledger.
const (
	NotificationStale        = "stale_notification"
	NotificationStillPending = "still_pending"
)

// NotificationOutcome describes what a gateway notification did.
type NotificationOutcome struct {
	PaymentID uint                 `json:"payment_id"`
	Before    models.PaymentStatus `json:"before"`
	After     models.PaymentStatus `json:"after"`
	Applied   bool                 `json:"applied"`
	Reason    string               `json:"reason,omitempty"`
}

// ApplyNotification advances a pending payment to the status a gateway
// notification reports, through the same compare-and-swap and cascade as the
// fixer. Only pending payments move: a notification for a payment that has
// already left pending is stale or out of order and changes nothing.
func (s *Service) ApplyNotification(ctx context.Context, tx gateway.Transaction) (*NotificationOutcome, error) {
	ref := strings.TrimSpace(tx.ExternalRef)
	if ref == "" {
		return nil, errors.New("notification has no external reference")
	}
	p, err := s.repos.Payment.GetByExternalRef(ctx, ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, ref)
		}
		return nil, err
	}

	out := &NotificationOutcome{PaymentID: p.ID, Before: p.Status, After: p.Status}
	switch {
	case p.Status != models.PaymentStatusPending:
		out.Reason = NotificationStale
		log.Infof("[PaymentSync] Ignoring %s notification for %s: payment %d is already %s", tx.Status, ref, p.ID, p.Status)
		return out, nil
	case tx.Status == models.PaymentStatusPending:
		out.Reason = NotificationStillPending
		return out, nil
	}

	d := reconcile.Discrepancy{
		Kind:        reconcile.KindStatusMismatch,
		ExternalRef: ref,
		Ledger:      p,
		Gateway:     &tx,
	}
	fixer := s.fixer.WithRunID("webhook").WithClock(s.now)
	fix := fixer.Resolve(ctx, d, true)

	var errs []reconcile.RunError
	s.recordFix(ctx, fix, &errs)
	if in, ok := alerting.FromFix("", d, fix); ok {
		s.emit(ctx, in, &errs)
	}

	out.After = fix.After
	out.Applied = fix.Outcome == reconcile.OutcomeApplied
	out.Reason = fix.Reason
	if fix.Outcome == reconcile.OutcomeFailed {
		return out, fmt.Errorf("failed to apply notification for %s: %s", ref, fix.Error)
	}
	if out.Applied {
		s.resolveAlerts(ctx, ref, fixedTypes, "resolved by gateway notification", &errs)
		log.Infof("[PaymentSync] Notification moved payment %d (%s) %s -> %s", p.ID, ref, out.Before, out.After)
	}
	return out, nil
}

package paymentsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

// Reasons a payment is flagged as stuck.
const (
	StuckNoReference    = "no_external_reference"
	StuckNotAtGateway   = "not_found_at_gateway"
	StuckGatewayPending = "pending_at_gateway"
	StuckLookupFailed   = "gateway_lookup_failed"
)

// StuckPayment is a pending payment past the stuck threshold that could not
// be resolved automatically.
type StuckPayment struct {
	Payment models.PaymentRecord `json:"payment"`
	Reason  string               `json:"reason"`
}

// StuckOutcome is the structured result of a stuck detection run.
type StuckOutcome struct {
	RunID      string                `json:"run_id"`
	SyncLogID  uint                  `json:"sync_log_id"`
	Considered int                   `json:"considered"`
	Flagged    []StuckPayment        `json:"flagged"`
	Fixes      []reconcile.FixResult `json:"fixes"`
	Alerts     int                   `json:"alerts_raised"`
	Resolved   int64                 `json:"alerts_resolved"`
	Errors     []reconcile.RunError  `json:"errors"`
}

// Summary maps the outcome onto the shared summary shape.
func (o *StuckOutcome) Summary() reconcile.Summary {
	fixed := 0
	for _, f := range o.Fixes {
		if f.Outcome == reconcile.OutcomeApplied {
			fixed++
		}
	}
	return reconcile.Summary{
		TotalConsidered: o.Considered,
		Mismatches:      len(o.Fixes),
		Fixed:           fixed,
		ErrorCount:      len(o.Errors),
	}
}

// RunStuckDetection flags pending payments older than the stuck threshold.
// A stuck payment is never failed on age alone: it is either resolved from
// a definitive gateway answer or handed to an operator via a stuck_payment
// alert.
func (s *Service) RunStuckDetection(ctx context.Context, trigger models.SyncTrigger) (*StuckOutcome, error) {
	r := s.startRun(models.SyncRunTypeStuckDetection, trigger)
	out := &StuckOutcome{
		RunID:   r.id,
		Flagged: []StuckPayment{},
		Fixes:   []reconcile.FixResult{},
		Errors:  []reconcile.RunError{},
	}

	stuck, err := s.repos.Payment.ListPending(ctx, repository.PendingFilter{
		CreatedBefore: r.started.Add(-s.cfg.StuckThreshold),
		Limit:         s.cfg.StuckLimit,
	})
	if err != nil {
		return out, s.fail(ctx, r, "load stuck payments", err, runCounts{})
	}
	out.Considered = len(stuck)

	results := s.lookupAll(ctx, stuck)
	for i, p := range stuck {
		res := results[i]
		switch {
		case !p.HasExternalRef():
			s.flagStuck(ctx, r, out, p, StuckNoReference, nil)
		case errors.Is(res.err, gateway.ErrNotFound):
			s.flagStuck(ctx, r, out, p, StuckNotAtGateway, nil)
		case res.err != nil:
			out.Errors = append(out.Errors, lookupError(p, res.err))
			s.flagStuck(ctx, r, out, p, StuckLookupFailed, res.err)
		case res.tx.Status == models.PaymentStatusPending:
			s.flagStuck(ctx, r, out, p, StuckGatewayPending, nil)
		default:
			ledger := p
			d := reconcile.Discrepancy{
				Kind:        reconcile.KindStatusMismatch,
				ExternalRef: p.Ref(),
				Ledger:      &ledger,
				Gateway:     res.tx,
			}
			fix := r.fixer.Resolve(ctx, d, true)
			out.Fixes = append(out.Fixes, fix)
			s.recordFix(ctx, fix, &out.Errors)
			if in, ok := alerting.FromFix(r.id, d, fix); ok && s.emit(ctx, in, &out.Errors) {
				out.Alerts++
			}
			if fix.Outcome == reconcile.OutcomeApplied {
				out.Resolved += s.resolveAlerts(ctx, d.ExternalRef, fixedTypes, "fixed by run "+r.id, &out.Errors)
			}
		}
	}

	summary := out.Summary()
	entry, err := s.finish(ctx, r, runCounts{
		considered:   out.Considered,
		fixed:        summary.Fixed,
		alertsRaised: out.Alerts,
		errorCount:   len(out.Errors),
	}, summary, nil)
	if entry != nil {
		out.SyncLogID = entry.ID
	}
	if err != nil {
		return out, err
	}

	log.Infof("[PaymentSync] Stuck detection %s done: considered=%d flagged=%d fixed=%d errors=%d",
		r.id, out.Considered, len(out.Flagged), summary.Fixed, len(out.Errors))
	return out, nil
}

func (s *Service) flagStuck(ctx context.Context, r *run, out *StuckOutcome, p models.PaymentRecord, reason string, lookupErr error) {
	out.Flagged = append(out.Flagged, StuckPayment{Payment: p, Reason: reason})

	age := r.started.Sub(p.CreatedAt).Round(time.Second)
	msg := fmt.Sprintf("payment %d pending for %s (%s)", p.ID, age, reason)
	if lookupErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lookupErr)
	}
	in := alerting.AlertInput{
		Type:        models.AlertTypeStuckPayment,
		ExternalRef: p.Ref(),
		PaymentID:   p.ID,
		Severity:    models.AlertSeverityWarning,
		Message:     msg,
		Payload: map[string]interface{}{
			"reason":           reason,
			"created_at":       p.CreatedAt,
			"amount":           p.Amount,
			"currency":         p.Currency,
			"linked_item_type": p.LinkedItemType,
			"linked_item_id":   p.LinkedItemID,
		},
		RunID: r.id,
	}
	if s.emit(ctx, in, &out.Errors) {
		out.Alerts++
	}
}

package paymentsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

// SyncOutcome is the structured result of a pending sync run.
type SyncOutcome struct {
	RunID      string                `json:"run_id"`
	SyncLogID  uint                  `json:"sync_log_id"`
	Considered int                   `json:"considered"`
	Unchanged  int                   `json:"unchanged"`
	Updated    int                   `json:"updated"`
	NotFound   int                   `json:"not_found"`
	Unknown    int                   `json:"unknown"`
	Alerts     int                   `json:"alerts_raised"`
	Resolved   int64                 `json:"alerts_resolved"`
	Fixes      []reconcile.FixResult `json:"fixes"`
	Errors     []reconcile.RunError  `json:"errors"`
}

// Summary maps the outcome onto the shared summary shape.
func (o *SyncOutcome) Summary() reconcile.Summary {
	return reconcile.Summary{
		TotalConsidered: o.Considered,
		Matched:         o.Unchanged,
		Mismatches:      len(o.Fixes),
		Fixed:           o.Updated,
		ErrorCount:      len(o.Errors),
	}
}

// lookup is the gateway answer for one ledger record.
type lookup struct {
	tx  *gateway.Transaction
	err error
}

// lookupAll queries the gateway for every record with a reference, at most
// MaxConcurrentLookups at a time. The result is indexed like records.
func (s *Service) lookupAll(ctx context.Context, records []models.PaymentRecord) []lookup {
	results := make([]lookup, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(len(records), s.cfg.MaxConcurrentLookups)))
	for i := range records {
		i := i
		ref := records[i].Ref()
		if ref == "" {
			continue
		}
		g.Go(func() error {
			tx, err := s.gateway.FetchByReference(gctx, ref)
			results[i] = lookup{tx: tx, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.tx != nil || r.err != nil {
			s.counters.Inc(ctx, counter.GatewayLookups)
		}
		switch {
		case r.err == nil, errors.Is(r.err, gateway.ErrNotFound):
		case errors.Is(r.err, gateway.ErrUnknown):
			s.counters.Inc(ctx, counter.GatewayUnknown)
		default:
			s.counters.Inc(ctx, counter.GatewayErrors)
		}
	}
	return results
}

// lookupError turns a failed lookup into a run error.
func lookupError(p models.PaymentRecord, err error) reconcile.RunError {
	class := reconcile.ErrorMalformed
	if gateway.IsTransient(err) {
		class = reconcile.ErrorTransient
	}
	return reconcile.RunError{
		Class:       class,
		ExternalRef: p.Ref(),
		PaymentID:   p.ID,
		Message:     fmt.Sprintf("gateway lookup failed: %v", err),
	}
}

// RunPendingSync looks up recent pending payments and applies the
// transitions the gateway confirms. maxAge and limit fall back to the
// configured defaults when zero.
func (s *Service) RunPendingSync(ctx context.Context, maxAge time.Duration, limit int, trigger models.SyncTrigger) (*SyncOutcome, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.PendingMaxAge
	}
	if limit <= 0 {
		limit = s.cfg.PendingLimit
	}
	r := s.startRun(models.SyncRunTypeSync, trigger)
	out := &SyncOutcome{RunID: r.id, Fixes: []reconcile.FixResult{}, Errors: []reconcile.RunError{}}

	pending, err := s.repos.Payment.ListPending(ctx, repository.PendingFilter{
		CreatedAfter: r.started.Add(-maxAge),
		RequireRef:   true,
		Limit:        limit,
	})
	if err != nil {
		return out, s.fail(ctx, r, "load pending payments", err, runCounts{})
	}
	out.Considered = len(pending)
	log.Infof("[PaymentSync] Pending sync %s: %d payment(s) within %s", r.id, len(pending), maxAge)

	results := s.lookupAll(ctx, pending)

	// Mutations are applied one by one, in the order the records were listed.
	for i, p := range pending {
		res := results[i]
		switch {
		case res.err == nil && res.tx != nil:
		case errors.Is(res.err, gateway.ErrNotFound):
			out.NotFound++
			continue
		case errors.Is(res.err, gateway.ErrUnknown):
			// Outcome unknown: nothing is concluded until the next run.
			out.Unknown++
			log.Warnf("[PaymentSync] Lookup for %s timed out, leaving payment %d untouched", p.Ref(), p.ID)
			out.Errors = append(out.Errors, lookupError(p, res.err))
			continue
		default:
			out.Errors = append(out.Errors, lookupError(p, res.err))
			continue
		}

		if res.tx.Status == p.Status {
			out.Unchanged++
			continue
		}

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
		if fix.Outcome == reconcile.OutcomeApplied {
			out.Updated++
			out.Resolved += s.resolveAlerts(ctx, d.ExternalRef, fixedTypes, "fixed by run "+r.id, &out.Errors)
		}
		if in, ok := alerting.FromFix(r.id, d, fix); ok && s.emit(ctx, in, &out.Errors) {
			out.Alerts++
		}
	}

	entry, err := s.finish(ctx, r, runCounts{
		considered:   out.Considered,
		fixed:        out.Updated,
		alertsRaised: out.Alerts,
		errorCount:   len(out.Errors),
	}, out.Summary(), nil)
	if entry != nil {
		out.SyncLogID = entry.ID
	}
	if err != nil {
		return out, err
	}

	log.Infof("[PaymentSync] Pending sync %s done: considered=%d updated=%d unchanged=%d not_found=%d unknown=%d errors=%d",
		r.id, out.Considered, out.Updated, out.Unchanged, out.NotFound, out.Unknown, len(out.Errors))
	return out, nil
}

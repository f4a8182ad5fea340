package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/paymentsync"
)

// ErrNotRetryable marks job failures a retry cannot fix, such as a report
// that does not parse.
var ErrNotRetryable = errors.New("job cannot be retried")

// Runner executes sync and reconciliation runs. *paymentsync.Service
// implements it.
type Runner interface {
	RunReconciliation(ctx context.Context, req paymentsync.ReconcileRequest, trigger models.SyncTrigger) (*paymentsync.ReconcileOutcome, error)
	RunPendingSync(ctx context.Context, maxAge time.Duration, limit int, trigger models.SyncTrigger) (*paymentsync.SyncOutcome, error)
	RunStuckDetection(ctx context.Context, trigger models.SyncTrigger) (*paymentsync.StuckOutcome, error)
}

// runJob dispatches a job to the runner and condenses the outcome.
func runJob(ctx context.Context, runner Runner, job *Job) (*JobResult, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: no runner configured", ErrNotRetryable)
	}

	switch job.Type {
	case JobTypeReconcile:
		payload, err := ReconcileJobPayloadFromMap(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid reconcile payload: %v", ErrNotRetryable, err)
		}
		out, err := runner.RunReconciliation(ctx, paymentsync.ReconcileRequest{
			DaysBack: payload.DaysBack,
			AutoFix:  payload.AutoFix,
		}, models.SyncTriggerQueued)
		if err != nil {
			return nil, classify(err)
		}
		return reconcileResult(out), nil

	case JobTypeReconcileReport:
		payload, err := ReconcileReportJobPayloadFromMap(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid report payload: %v", ErrNotRetryable, err)
		}
		if len(payload.Content) == 0 {
			return nil, fmt.Errorf("%w: report job without content", ErrNotRetryable)
		}
		out, err := runner.RunReconciliation(ctx, paymentsync.ReconcileRequest{
			ReportContent: payload.Content,
			Format:        payload.Format,
			AutoFix:       payload.AutoFix,
		}, models.SyncTriggerQueued)
		if err != nil {
			return nil, classify(err)
		}
		return reconcileResult(out), nil

	case JobTypeSyncPending:
		payload, err := SyncPendingJobPayloadFromMap(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid sync payload: %v", ErrNotRetryable, err)
		}
		out, err := runner.RunPendingSync(ctx, time.Duration(payload.MaxAgeMinutes)*time.Minute, payload.Limit, models.SyncTriggerQueued)
		if err != nil {
			return nil, classify(err)
		}
		return &JobResult{RunID: out.RunID, SyncLogID: out.SyncLogID, Summary: out.Summary()}, nil

	case JobTypeDetectStuck:
		out, err := runner.RunStuckDetection(ctx, models.SyncTriggerQueued)
		if err != nil {
			return nil, classify(err)
		}
		return &JobResult{
			RunID:     out.RunID,
			SyncLogID: out.SyncLogID,
			Flagged:   len(out.Flagged),
			Summary:   out.Summary(),
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown job type: %s", ErrNotRetryable, job.Type)
}

func reconcileResult(out *paymentsync.ReconcileOutcome) *JobResult {
	return &JobResult{
		RunID:     out.RunID,
		SyncLogID: out.SyncLogID,
		ReportID:  out.ReportID,
		Summary:   out.Summary(),
	}
}

// classify marks input errors as permanent. Everything else, an unreachable
// gateway or ledger included, is worth another attempt.
func classify(err error) error {
	switch {
	case errors.Is(err, gateway.ErrUnparseableReport),
		errors.Is(err, gateway.ErrWindowUnsupported),
		errors.Is(err, paymentsync.ErrNoGatewayInput):
		return fmt.Errorf("%w: %w", ErrNotRetryable, err)
	}
	return err
}

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository/memory"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

func TestEmitDeduplicatesActiveAlerts(t *testing.T) {
	store := memory.New()
	emitter := NewEmitter(store.Repositories().Alert)
	ctx := context.Background()

	in := AlertInput{Type: models.AlertTypeMissingInLedger, ExternalRef: "TX2", Severity: models.AlertSeverityCritical, RunID: "run-1"}
	created, first, err := emitter.Emit(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, first)

	in.RunID = "run-2"
	created, second, err := emitter.Emit(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "run-1", second.RunID)
	assert.Len(t, store.ActiveAlerts(), 1)

	// A different type for the same reference is its own alert.
	created, _, err = emitter.Emit(ctx, AlertInput{Type: models.AlertTypeAmountDrift, ExternalRef: "TX2"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, store.ActiveAlerts(), 2)
}

func TestEmitDefaultsAndPayload(t *testing.T) {
	store := memory.New()
	emitter := NewEmitter(store.Repositories().Alert)

	_, alert, err := emitter.Emit(context.Background(), AlertInput{
		Type:      models.AlertTypeStuckPayment,
		PaymentID: 42,
		Payload:   map[string]string{"status": "pending"},
	})
	require.NoError(t, err)
	assert.Equal(t, "payment:42", alert.ExternalRef)
	assert.Equal(t, models.AlertSeverityWarning, alert.Severity)
	require.NotNil(t, alert.PaymentID)
	assert.Equal(t, uint(42), *alert.PaymentID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(alert.Payload, &payload))
	assert.Equal(t, "pending", payload["status"])
}

func TestEmitRequiresType(t *testing.T) {
	emitter := NewEmitter(memory.New().Repositories().Alert)
	_, _, err := emitter.Emit(context.Background(), AlertInput{ExternalRef: "TX1"})
	assert.Error(t, err)
}

func TestEmitStoreError(t *testing.T) {
	store := memory.New()
	store.SetErrors(nil, errors.New("db down"))
	emitter := NewEmitter(store.Repositories().Alert)

	_, _, err := emitter.Emit(context.Background(), AlertInput{Type: models.AlertTypeFixFailed, ExternalRef: "TX1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestResolveForReferenceAllowsNewAlert(t *testing.T) {
	store := memory.New()
	emitter := NewEmitter(store.Repositories().Alert)
	ctx := context.Background()

	_, _, err := emitter.Emit(ctx, AlertInput{Type: models.AlertTypeStatusMismatch, ExternalRef: "TX3"})
	require.NoError(t, err)
	_, _, err = emitter.Emit(ctx, AlertInput{Type: models.AlertTypeAmountDrift, ExternalRef: "TX3"})
	require.NoError(t, err)

	n, err := emitter.ResolveForReference(ctx, "TX3", []models.AlertType{models.AlertTypeStatusMismatch}, "matched")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, store.ActiveAlerts(), 1)

	for _, a := range store.Alerts() {
		if a.Type == models.AlertTypeStatusMismatch {
			assert.Equal(t, models.AlertStatusResolved, a.Status)
			assert.Equal(t, ResolvedBySystem, a.ResolvedBy)
		}
	}

	// The discrepancy comes back on a later run.
	created, _, err := emitter.Emit(ctx, AlertInput{Type: models.AlertTypeStatusMismatch, ExternalRef: "TX3"})
	require.NoError(t, err)
	assert.True(t, created)

	n, err = emitter.ResolveForReference(ctx, "  ", nil, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolveByOperator(t *testing.T) {
	store := memory.New()
	emitter := NewEmitter(store.Repositories().Alert)
	ctx := context.Background()

	_, alert, err := emitter.Emit(ctx, AlertInput{Type: models.AlertTypeExtraInLedger, ExternalRef: "TX5"})
	require.NoError(t, err)

	resolved, err := emitter.Resolve(ctx, alert.ID, "", "refunded manually")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
	assert.Equal(t, "operator", resolved.ResolvedBy)
	assert.Equal(t, "refunded manually", resolved.ResolutionNote)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = emitter.Resolve(ctx, alert.ID, "ops", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = emitter.Resolve(ctx, 999, "ops", "")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestFromFix(t *testing.T) {
	ref := "TX9"
	d := reconcile.Discrepancy{
		Kind:        reconcile.KindStatusMismatch,
		ExternalRef: ref,
		Ledger:      &models.PaymentRecord{ID: 7, ExternalRef: &ref, Status: models.PaymentStatusCompleted},
		Gateway:     &gateway.Transaction{ExternalRef: ref, Status: models.PaymentStatusFailed, Amount: decimal.NewFromInt(10)},
	}

	tests := []struct {
		name  string
		fix   reconcile.FixResult
		want  bool
		check func(t *testing.T, in AlertInput)
	}{
		{
			name: "no alert needed",
			fix:  reconcile.FixResult{Outcome: reconcile.OutcomeApplied, PaymentID: 7},
			want: false,
		},
		{
			name: "critical mismatch",
			fix: reconcile.FixResult{
				PaymentID: 7,
				Outcome:   reconcile.OutcomeSkippedUnsafe,
				Reason:    reconcile.ReasonCompletedButFailed,
				AlertType: models.AlertTypeStatusMismatch,
				Severity:  models.AlertSeverityCritical,
			},
			want: true,
			check: func(t *testing.T, in AlertInput) {
				assert.Equal(t, models.AlertTypeStatusMismatch, in.Type)
				assert.Equal(t, models.AlertSeverityCritical, in.Severity)
				assert.Equal(t, uint(7), in.PaymentID)
				assert.Contains(t, in.Message, "ledger completed, gateway failed")
			},
		},
		{
			name: "fix failed",
			fix: reconcile.FixResult{
				PaymentID: 7,
				Outcome:   reconcile.OutcomeFailed,
				Error:     "db down",
				AlertType: models.AlertTypeFixFailed,
				Severity:  models.AlertSeverityCritical,
			},
			want: true,
			check: func(t *testing.T, in AlertInput) {
				assert.Equal(t, models.AlertTypeFixFailed, in.Type)
				assert.Contains(t, in.Message, "db down")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, ok := FromFix("run-1", d, tt.fix)
			assert.Equal(t, tt.want, ok)
			if tt.check != nil {
				assert.Equal(t, "run-1", in.RunID)
				tt.check(t, in)
			}
		})
	}
}

func TestFromDrift(t *testing.T) {
	in := FromDrift("run-1", reconcile.AmountDrift{
		ExternalRef:     "TX4",
		PaymentID:       4,
		LedgerAmount:    decimal.RequireFromString("100"),
		LedgerCurrency:  "EUR",
		GatewayAmount:   decimal.RequireFromString("99.5"),
		GatewayCurrency: "EUR",
	})
	assert.Equal(t, models.AlertTypeAmountDrift, in.Type)
	assert.Equal(t, "amount differs: ledger 100.00 EUR, gateway 99.50 EUR", in.Message)
}

type recordingNotifier struct {
	alerts []*models.Alert
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	n.alerts = append(n.alerts, alert)
	return n.err
}

func TestEmitNotifiesNewAlertsOnly(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	emitter := NewEmitter(store.Repositories().Alert).WithNotifier(notifier)
	ctx := context.Background()

	in := AlertInput{Type: models.AlertTypeFixFailed, ExternalRef: "TX5", Severity: models.AlertSeverityCritical}
	created, _, err := emitter.Emit(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	created, _, err = emitter.Emit(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "TX5", notifier.alerts[0].ExternalRef)
}

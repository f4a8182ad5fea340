package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

var (
	ErrAlertNotFound   = errors.New("alert not found")
	ErrAlreadyResolved = errors.New("alert is already resolved")
)

// ResolvedBySystem marks alerts closed by a later run instead of an operator.
const ResolvedBySystem = "system"

// AlertInput describes an alert to raise.
type AlertInput struct {
	Type        models.AlertType
	ExternalRef string
	PaymentID   uint
	Severity    string
	Message     string
	Payload     interface{}
	RunID       string
}

// Notifier forwards newly raised alerts to operators.
type Notifier interface {
	Notify(ctx context.Context, alert *models.Alert) error
}

// Emitter raises deduplicated alerts. At most one active alert exists per
// reference and type; repeating a discrepancy on later runs is a no-op.
type Emitter struct {
	alerts   repository.AlertRepository
	notifier Notifier
	now      func() time.Time
}

// NewEmitter creates an Emitter on top of the alert repository.
func NewEmitter(alerts repository.AlertRepository) *Emitter {
	return &Emitter{
		alerts: alerts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier sets the notifier newly raised alerts are passed to. A nil
// notifier disables notifications.
func (e *Emitter) WithNotifier(n Notifier) *Emitter {
	e.notifier = n
	return e
}

// Reference returns the key alerts for a payment are grouped under. Records
// without a gateway reference fall back to their ledger id.
func Reference(ref string, paymentID uint) string {
	ref = strings.TrimSpace(ref)
	if ref != "" {
		return ref
	}
	return fmt.Sprintf("payment:%d", paymentID)
}

// Emit stores the alert unless an active one already exists. It returns
// whether a new alert was created and the active alert.
func (e *Emitter) Emit(ctx context.Context, in AlertInput) (bool, *models.Alert, error) {
	if in.Type == "" {
		return false, nil, errors.New("alert type is required")
	}
	alert := &models.Alert{
		Type:        in.Type,
		ExternalRef: Reference(in.ExternalRef, in.PaymentID),
		Severity:    in.Severity,
		Message:     truncate(in.Message, 500),
		RunID:       in.RunID,
	}
	if alert.Severity == "" {
		alert.Severity = models.AlertSeverityWarning
	}
	if in.PaymentID != 0 {
		id := in.PaymentID
		alert.PaymentID = &id
	}
	if in.Payload != nil {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			return false, nil, fmt.Errorf("failed to encode alert payload: %w", err)
		}
		alert.Payload = datatypes.JSON(raw)
	}

	created, stored, err := e.alerts.CreateIfNotActive(ctx, alert)
	if err != nil {
		return false, nil, fmt.Errorf("failed to store %s alert for %s: %w", in.Type, alert.ExternalRef, err)
	}
	if created {
		log.Infof("[Alerting] Raised %s alert (%s) for %s", in.Type, alert.Severity, alert.ExternalRef)
		if e.notifier != nil {
			// Delivery failures never fail the run.
			if err := e.notifier.Notify(ctx, stored); err != nil {
				log.Warnf("[Alerting] Failed to notify %s alert for %s: %v", in.Type, alert.ExternalRef, err)
			}
		}
	}
	return created, stored, nil
}

// ResolveForReference closes the active alerts of ref. With no types given
// every active alert of the reference is resolved.
func (e *Emitter) ResolveForReference(ctx context.Context, ref string, types []models.AlertType, note string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, nil
	}
	n, err := e.alerts.ResolveByRef(ctx, ref, types, ResolvedBySystem, note, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve alerts for %s: %w", ref, err)
	}
	if n > 0 {
		log.Infof("[Alerting] Auto-resolved %d alert(s) for %s", n, ref)
	}
	return n, nil
}

// Resolve is the operator action on a single alert.
func (e *Emitter) Resolve(ctx context.Context, id uint, resolvedBy, note string) (*models.Alert, error) {
	alert, err := e.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if !alert.IsActive() {
		return alert, ErrAlreadyResolved
	}
	if strings.TrimSpace(resolvedBy) == "" {
		resolvedBy = "operator"
	}

	ok, err := e.alerts.Resolve(ctx, id, resolvedBy, note, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return alert, ErrAlreadyResolved
	}
	log.Infof("[Alerting] Alert %d (%s %s) resolved by %s", id, alert.Type, alert.ExternalRef, resolvedBy)
	return e.alerts.GetByID(ctx, id)
}

// FromFix builds the alert a FixResult asks for. ok is false when the
// decision needs no operator.
func FromFix(runID string, d reconcile.Discrepancy, fix reconcile.FixResult) (AlertInput, bool) {
	if !fix.NeedsAlert() {
		return AlertInput{}, false
	}
	return AlertInput{
		Type:        fix.AlertType,
		ExternalRef: d.ExternalRef,
		PaymentID:   fix.PaymentID,
		Severity:    fix.Severity,
		Message:     fixMessage(d, fix),
		Payload: fixPayload{
			Kind:          d.Kind,
			LedgerStatus:  d.LedgerStatus(),
			GatewayStatus: d.GatewayStatus(),
			Outcome:       fix.Outcome,
			Reason:        fix.Reason,
			Error:         fix.Error,
			Gateway:       d.Gateway,
		},
		RunID: runID,
	}, true
}

// FromDrift builds the amount_drift warning for a matched pair.
func FromDrift(runID string, drift reconcile.AmountDrift) AlertInput {
	return AlertInput{
		Type:        models.AlertTypeAmountDrift,
		ExternalRef: drift.ExternalRef,
		PaymentID:   drift.PaymentID,
		Severity:    models.AlertSeverityWarning,
		Message: fmt.Sprintf("amount differs: ledger %s %s, gateway %s %s",
			drift.LedgerAmount.StringFixed(2), drift.LedgerCurrency,
			drift.GatewayAmount.StringFixed(2), drift.GatewayCurrency),
		Payload: drift,
		RunID:   runID,
	}
}

type fixPayload struct {
	Kind          reconcile.Kind       `json:"kind"`
	LedgerStatus  models.PaymentStatus `json:"ledger_status,omitempty"`
	GatewayStatus models.PaymentStatus `json:"gateway_status,omitempty"`
	Outcome       reconcile.FixOutcome `json:"outcome"`
	Reason        string               `json:"reason,omitempty"`
	Error         string               `json:"error,omitempty"`
	Gateway       *gateway.Transaction `json:"gateway,omitempty"`
}

func fixMessage(d reconcile.Discrepancy, fix reconcile.FixResult) string {
	switch d.Kind {
	case reconcile.KindMissingInLedger:
		return fmt.Sprintf("gateway reports %s (%s) but the ledger has no payment", d.ExternalRef, d.GatewayStatus())
	case reconcile.KindExtraInLedger:
		return fmt.Sprintf("ledger payment %d is %s but the gateway has no transaction (%s)", fix.PaymentID, d.LedgerStatus(), fix.Reason)
	}
	if fix.Outcome == reconcile.OutcomeFailed {
		return fmt.Sprintf("fixing %s failed: %s", d.ExternalRef, fix.Error)
	}
	return fmt.Sprintf("ledger %s, gateway %s: %s", d.LedgerStatus(), d.GatewayStatus(), fix.Reason)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

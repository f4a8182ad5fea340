package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
)

// Kind is the discrepancy category.
type Kind string

const (
	KindStatusMismatch  Kind = "status_mismatch"
	KindMissingInLedger Kind = "missing_in_ledger"
	KindExtraInLedger   Kind = "extra_in_ledger"
)

// Discrepancy is a reference on which ledger and gateway disagree.
// Ledger is nil for missing-in-ledger, Gateway is nil for extra-in-ledger.
type Discrepancy struct {
	Kind        Kind                  `json:"kind"`
	ExternalRef string                `json:"external_ref"`
	Ledger      *models.PaymentRecord `json:"ledger,omitempty"`
	Gateway     *gateway.Transaction  `json:"gateway,omitempty"`
}

// LedgerStatus returns the ledger status or "" when there is no record.
func (d Discrepancy) LedgerStatus() models.PaymentStatus {
	if d.Ledger == nil {
		return ""
	}
	return d.Ledger.Status
}

// GatewayStatus returns the mapped gateway status or "".
func (d Discrepancy) GatewayStatus() models.PaymentStatus {
	if d.Gateway == nil {
		return ""
	}
	return d.Gateway.Status
}

// PaymentID returns the ledger id or 0.
func (d Discrepancy) PaymentID() uint {
	if d.Ledger == nil {
		return 0
	}
	return d.Ledger.ID
}

// Match is a reference both sides agree on.
type Match struct {
	ExternalRef string               `json:"external_ref"`
	PaymentID   uint                 `json:"payment_id"`
	Status      models.PaymentStatus `json:"status"`
	Amount      decimal.Decimal      `json:"amount"`
	Currency    string               `json:"currency"`
}

// AmountDrift is a matched pair whose amount or currency differs.
type AmountDrift struct {
	ExternalRef     string          `json:"external_ref"`
	PaymentID       uint            `json:"payment_id"`
	LedgerAmount    decimal.Decimal `json:"ledger_amount"`
	LedgerCurrency  string          `json:"ledger_currency"`
	GatewayAmount   decimal.Decimal `json:"gateway_amount"`
	GatewayCurrency string          `json:"gateway_currency"`
}

// FixOutcome is the result of one AutoFixer decision.
type FixOutcome string

const (
	OutcomeApplied         FixOutcome = "applied"
	OutcomeSkippedDisabled FixOutcome = "skipped-disabled"
	OutcomeSkippedUnsafe   FixOutcome = "skipped-unsafe"
	OutcomeFailed          FixOutcome = "failed"
)

// Fix actions.
const (
	ActionNone     = "none"
	ActionComplete = "complete"
	ActionFail     = "fail"
)

// Reasons recorded on skipped and failed fixes.
const (
	ReasonConcurrentUpdate   = "concurrent_update"
	ReasonAutoFixDisabled    = "auto_fix_disabled"
	ReasonMissingInLedger    = "missing_in_ledger"
	ReasonTerminalLedger     = "terminal_ledger_status"
	ReasonLinkedItemConsumed = "linked_item_consumed"
	ReasonCompletedButFailed = "ledger_completed_gateway_unsuccessful"
	ReasonMoneyMovedLedger   = "gateway_completed_ledger_unsuccessful"
	ReasonRefund             = "refund_outside_engine"
	ReasonGatewayPending     = "gateway_still_pending"
	ReasonBothUnsuccessful   = "both_unsuccessful"
	ReasonNotStuckYet        = "pending_within_stuck_threshold"
	ReasonMoneyClaimed       = "ledger_claims_unseen_money"
	ReasonAlreadyClosed      = "already_unsuccessful"
	ReasonStoreError         = "store_error"
)

// FixResult records one AutoFixer decision. AlertType is set when the
// decision needs an operator.
type FixResult struct {
	ExternalRef   string               `json:"external_ref"`
	PaymentID     uint                 `json:"payment_id,omitempty"`
	Kind          Kind                 `json:"kind"`
	Outcome       FixOutcome           `json:"outcome"`
	Action        string               `json:"action"`
	Reason        string               `json:"reason,omitempty"`
	Before        models.PaymentStatus `json:"before,omitempty"`
	After         models.PaymentStatus `json:"after,omitempty"`
	GatewayStatus models.PaymentStatus `json:"gateway_status,omitempty"`
	AlertType     models.AlertType     `json:"alert_type,omitempty"`
	Severity      string               `json:"severity,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// NeedsAlert reports whether the decision must be surfaced to an operator.
func (r FixResult) NeedsAlert() bool {
	return r.AlertType != ""
}

// ErrorClass is the run error taxonomy.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorMalformed ErrorClass = "malformed"
	ErrorPolicy    ErrorClass = "policy"
	ErrorFatal     ErrorClass = "fatal"
)

// RunError is a per-record problem that did not abort the run.
type RunError struct {
	Class       ErrorClass `json:"class"`
	ExternalRef string     `json:"external_ref,omitempty"`
	PaymentID   uint       `json:"payment_id,omitempty"`
	Row         int        `json:"row,omitempty"`
	Message     string     `json:"message"`
}

// Result is the outcome of one reconciliation run. It is built once and
// persisted as an immutable report.
type Result struct {
	RunID           string        `json:"run_id"`
	Source          string        `json:"source"`
	AutoFix         bool          `json:"auto_fix"`
	WindowStart     time.Time     `json:"window_start"`
	WindowEnd       time.Time     `json:"window_end"`
	TotalConsidered int           `json:"total_considered"`
	TooRecent       int           `json:"too_recent"`
	Matched         []Match       `json:"matched"`
	Missing         []Discrepancy `json:"missing"`
	Extra           []Discrepancy `json:"extra"`
	Mismatches      []Discrepancy `json:"mismatches"`
	Fixes           []FixResult   `json:"fixes"`
	Drifts          []AmountDrift `json:"drifts"`
	Errors          []RunError    `json:"errors"`
}

// Discrepancies returns mismatches, missing and extra in that order.
func (r *Result) Discrepancies() []Discrepancy {
	out := make([]Discrepancy, 0, len(r.Mismatches)+len(r.Missing)+len(r.Extra))
	out = append(out, r.Mismatches...)
	out = append(out, r.Missing...)
	out = append(out, r.Extra...)
	return out
}

// FixedCount is the number of applied fixes.
func (r *Result) FixedCount() int {
	n := 0
	for _, f := range r.Fixes {
		if f.Outcome == OutcomeApplied {
			n++
		}
	}
	return n
}

// Summary is the structured outcome every admin operation returns.
type Summary struct {
	TotalConsidered int `json:"total_considered"`
	Matched         int `json:"matched"`
	Missing         int `json:"missing"`
	Extra           int `json:"extra"`
	Mismatches      int `json:"mismatches"`
	Fixed           int `json:"fixed"`
	ErrorCount      int `json:"error_count"`
}

// Summary returns the counts of the result.
func (r *Result) Summary() Summary {
	return Summary{
		TotalConsidered: r.TotalConsidered,
		Matched:         len(r.Matched),
		Missing:         len(r.Missing),
		Extra:           len(r.Extra),
		Mismatches:      len(r.Mismatches),
		Fixed:           r.FixedCount(),
		ErrorCount:      len(r.Errors),
	}
}

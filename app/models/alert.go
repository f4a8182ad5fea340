package models

import (
	"time"

	"gorm.io/datatypes"
)

// AlertType is the discrepancy class an alert was raised for.
type AlertType string

const (
	AlertTypeMissingInLedger AlertType = "missing_in_ledger"
	AlertTypeStatusMismatch  AlertType = "status_mismatch"
	AlertTypeExtraInLedger   AlertType = "extra_in_ledger"
	AlertTypeStuckPayment    AlertType = "stuck_payment"
	AlertTypeFixFailed       AlertType = "fix_failed"
	AlertTypeAmountDrift     AlertType = "amount_drift"
)

const (
	AlertStatusActive   = "active"
	AlertStatusResolved = "resolved"
)

const (
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)

// Alert is an operator-facing signal for a discrepancy that needs a human.
//
// ActiveKey is "<ref>|<type>" while the alert is active and NULL once it is
// resolved, so the unique index allows only one active alert per reference
// and type while keeping any number of resolved ones.
type Alert struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Type           AlertType      `gorm:"type:varchar(32);not null;index:idx_alerts_ref_type,priority:2" json:"type"`
	ExternalRef    string         `gorm:"type:varchar(191);not null;index:idx_alerts_ref_type,priority:1" json:"external_ref"`
	PaymentID      *uint          `gorm:"default:null;index" json:"payment_id,omitempty"`
	Status         string         `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	Severity       string         `gorm:"type:varchar(16);not null;default:'warning'" json:"severity"`
	Message        string         `gorm:"type:varchar(500)" json:"message"`
	Payload        datatypes.JSON `json:"payload"`
	ActiveKey      *string        `gorm:"type:varchar(255);uniqueIndex:ux_alerts_active_key" json:"-"`
	RunID          string         `gorm:"type:varchar(36);index" json:"run_id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	ResolvedAt     *time.Time     `gorm:"default:null" json:"resolved_at,omitempty"`
	ResolvedBy     string         `gorm:"type:varchar(100)" json:"resolved_by,omitempty"`
	ResolutionNote string         `gorm:"type:text" json:"resolution_note,omitempty"`
}

// AlertActiveKey builds the dedup key used while an alert is active.
func AlertActiveKey(ref string, t AlertType) string {
	return ref + "|" + string(t)
}

// IsActive reports whether the alert still needs attention.
func (a *Alert) IsActive() bool {
	return a.Status == AlertStatusActive
}

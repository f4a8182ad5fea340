package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the ledger status of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// PaymentStatuses lists every valid status in state machine order.
var PaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusCompleted,
	PaymentStatusFailed,
	PaymentStatusRefunded,
	PaymentStatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed,
		PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may leave s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusRefunded || s == PaymentStatusCancelled
}

// CanTransitionTo reports whether the state machine allows s -> next.
// A transition to the same status is allowed and means "no-op".
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed
	case PaymentStatusCompleted:
		return next == PaymentStatusRefunded
	default:
		return false
	}
}

const (
	LinkedItemBooking = "booking"
	LinkedItemPass    = "pass"
	LinkedItemOther   = "other"
)

// PaymentRecord is the internal ledger entry for one payment.
type PaymentRecord struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	ExternalRef    *string         `gorm:"type:varchar(191);index:ux_payments_external_ref,unique" json:"external_ref"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency       string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status         PaymentStatus   `gorm:"type:varchar(20);not null;default:'pending';index:idx_payments_status_created,priority:1" json:"status"`
	LinkedItemType string          `gorm:"type:varchar(20);not null;default:'other';index:idx_payments_linked_item,priority:1" json:"linked_item_type"`
	LinkedItemID   uint            `gorm:"not null;default:0;index:idx_payments_linked_item,priority:2" json:"linked_item_id"`
	CreatedAt      time.Time       `gorm:"index:idx_payments_status_created,priority:2" json:"created_at"`
	CompletedAt    *time.Time      `gorm:"default:null" json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName keeps the ledger table name stable.
func (PaymentRecord) TableName() string {
	return "payments"
}

// Ref returns the external reference or an empty string when not yet known.
func (p *PaymentRecord) Ref() string {
	if p == nil || p.ExternalRef == nil {
		return ""
	}
	return *p.ExternalRef
}

// HasExternalRef reports whether the gateway reference is known.
func (p *PaymentRecord) HasExternalRef() bool {
	return p.Ref() != ""
}

package models

import "time"

const (
	PassStatusPending   = "pending"
	PassStatusActive    = "active"
	PassStatusExpired   = "expired"
	PassStatusCancelled = "cancelled"
)

// Pass is a multi-entry venue pass activated by a completed payment.
type Pass struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Status       string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	EntriesTotal int        `gorm:"not null;default:0" json:"entries_total"`
	EntriesUsed  int        `gorm:"not null;default:0" json:"entries_used"`
	ActivatedAt  *time.Time `gorm:"default:null" json:"activated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsConsumed reports whether at least one entry was already used.
func (p *Pass) IsConsumed() bool {
	return p.EntriesUsed > 0
}

package models

import "time"

const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCancelled = "cancelled"
)

// Booking is the slice of a venue booking the payment engine writes to.
// Everything else about bookings belongs to the booking domain.
type Booking struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Status      string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ConfirmedAt *time.Time `gorm:"default:null" json:"confirmed_at,omitempty"`
	CheckedInAt *time.Time `gorm:"default:null" json:"checked_in_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsConsumed reports whether the booking already had a real-world effect.
func (b *Booking) IsConsumed() bool {
	return b.CheckedInAt != nil
}

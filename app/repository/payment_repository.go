package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidTransition is returned for status changes the payment state
// machine does not allow.
var ErrInvalidTransition = errors.New("payment status transition not allowed")

// refBatchSize caps the IN list of ListByExternalRefs.
const refBatchSize = 500

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create inserts a new ledger entry
func (r *paymentRepository) Create(ctx context.Context, payment *models.PaymentRecord) error {
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}
	if payment.LinkedItemType == "" {
		payment.LinkedItemType = models.LinkedItemOther
	}
	return r.db.WithContext(ctx).Create(payment).Error
}

// GetByID retrieves a payment by its ID
func (r *paymentRepository) GetByID(ctx context.Context, id uint) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	if err := r.db.WithContext(ctx).First(&payment, id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetByExternalRef retrieves a payment by its gateway reference
func (r *paymentRepository) GetByExternalRef(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	if err := r.db.WithContext(ctx).Where("external_ref = ?", ref).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListCreatedBetween returns every payment created inside [start, end]
func (r *paymentRepository) ListCreatedBetween(ctx context.Context, start, end time.Time) ([]models.PaymentRecord, error) {
	var payments []models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Order("created_at ASC, id ASC").
		Find(&payments).Error
	return payments, err
}

// ListByExternalRefs returns the payments owning any of the given references
func (r *paymentRepository) ListByExternalRefs(ctx context.Context, refs []string) ([]models.PaymentRecord, error) {
	var payments []models.PaymentRecord
	for start := 0; start < len(refs); start += refBatchSize {
		end := start + refBatchSize
		if end > len(refs) {
			end = len(refs)
		}
		var batch []models.PaymentRecord
		if err := r.db.WithContext(ctx).Where("external_ref IN ?", refs[start:end]).Find(&batch).Error; err != nil {
			return nil, err
		}
		payments = append(payments, batch...)
	}
	return payments, nil
}

// ListPending returns pending payments, oldest first
func (r *paymentRepository) ListPending(ctx context.Context, filter PendingFilter) ([]models.PaymentRecord, error) {
	query := r.db.WithContext(ctx).Where("status = ?", models.PaymentStatusPending)
	if filter.RequireRef {
		query = query.Where("external_ref IS NOT NULL AND external_ref <> ''")
	}
	if !filter.CreatedAfter.IsZero() {
		query = query.Where("created_at >= ?", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		query = query.Where("created_at < ?", filter.CreatedBefore)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var payments []models.PaymentRecord
	err := query.Order("created_at ASC, id ASC").Find(&payments).Error
	return payments, err
}

// TransitionStatus performs the compare-and-swap status update
func (r *paymentRepository) TransitionStatus(ctx context.Context, id uint, from, to models.PaymentStatus) (bool, error) {
	if from == to {
		return false, nil
	}
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	res := r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(statusUpdates(to, time.Now().UTC()))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompleteWithCascade completes the payment and activates its linked item
func (r *paymentRepository) CompleteWithCascade(ctx context.Context, id uint, from models.PaymentStatus) (bool, error) {
	if !from.CanTransitionTo(models.PaymentStatusCompleted) || from == models.PaymentStatusCompleted {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.PaymentStatusCompleted)
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.PaymentRecord
		if err := tx.First(&payment, id).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&models.PaymentRecord{}).
			Where("id = ? AND status = ?", id, from).
			Updates(statusUpdates(models.PaymentStatusCompleted, now))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := activateLinkedItem(tx, &payment, now); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// TransitionUnlessConsumed performs the compare-and-swap only while the linked
// booking or pass is unused. The linked row is locked until the update commits.
func (r *paymentRepository) TransitionUnlessConsumed(ctx context.Context, id uint, from, to models.PaymentStatus) (bool, bool, error) {
	if from == to {
		return false, false, nil
	}
	if !from.CanTransitionTo(to) {
		return false, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	applied, consumed := false, false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.PaymentRecord
		if err := tx.First(&payment, id).Error; err != nil {
			return err
		}
		if payment.Status != from {
			return nil
		}

		var err error
		consumed, err = linkedItemConsumed(tx.Clauses(clause.Locking{Strength: "UPDATE"}), &payment)
		if err != nil || consumed {
			return err
		}

		res := tx.Model(&models.PaymentRecord{}).
			Where("id = ? AND status = ?", id, from).
			Updates(statusUpdates(to, time.Now().UTC()))
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return applied, consumed, nil
}

// LinkedItemConsumed reports whether the linked booking or pass was used
func (r *paymentRepository) LinkedItemConsumed(ctx context.Context, payment *models.PaymentRecord) (bool, error) {
	return linkedItemConsumed(r.db.WithContext(ctx), payment)
}

func linkedItemConsumed(db *gorm.DB, payment *models.PaymentRecord) (bool, error) {
	switch payment.LinkedItemType {
	case models.LinkedItemBooking:
		var booking models.Booking
		if err := db.First(&booking, payment.LinkedItemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, err
		}
		return booking.IsConsumed(), nil
	case models.LinkedItemPass:
		var pass models.Pass
		if err := db.First(&pass, payment.LinkedItemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, err
		}
		return pass.IsConsumed(), nil
	default:
		return false, nil
	}
}

func statusUpdates(to models.PaymentStatus, now time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	if to == models.PaymentStatusCompleted {
		updates["completed_at"] = now
	}
	return updates
}

// activateLinkedItem mirrors the normal payment completion side effect.
// Items that already left pending are left alone.
func activateLinkedItem(tx *gorm.DB, payment *models.PaymentRecord, now time.Time) error {
	switch payment.LinkedItemType {
	case models.LinkedItemBooking:
		return tx.Model(&models.Booking{}).
			Where("id = ? AND status = ?", payment.LinkedItemID, models.BookingStatusPending).
			Updates(map[string]interface{}{
				"status":       models.BookingStatusConfirmed,
				"confirmed_at": now,
				"updated_at":   now,
			}).Error
	case models.LinkedItemPass:
		return tx.Model(&models.Pass{}).
			Where("id = ? AND status = ?", payment.LinkedItemID, models.PassStatusPending).
			Updates(map[string]interface{}{
				"status":       models.PassStatusActive,
				"activated_at": now,
				"updated_at":   now,
			}).Error
	default:
		return nil
	}
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// alertRepository implements the AlertRepository interface
type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates a new alert repository instance
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

// CreateIfNotActive relies on the unique active_key index, so two runs racing
// on the same discrepancy still end up with a single active alert.
func (r *alertRepository) CreateIfNotActive(ctx context.Context, alert *models.Alert) (bool, *models.Alert, error) {
	key := models.AlertActiveKey(alert.ExternalRef, alert.Type)
	alert.ActiveKey = &key
	alert.Status = models.AlertStatusActive
	if alert.Severity == "" {
		alert.Severity = models.AlertSeverityWarning
	}

	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "active_key"}},
		DoNothing: true,
	}).Create(alert)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Alert
	if err := db.Where("active_key = ?", key).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) && created {
			return created, alert, nil
		}
		return false, nil, err
	}
	return created, &stored, nil
}

// GetByID retrieves an alert by its ID
func (r *alertRepository) GetByID(ctx context.Context, id uint) (*models.Alert, error) {
	var alert models.Alert
	if err := r.db.WithContext(ctx).First(&alert, id).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// List returns alerts newest first
func (r *alertRepository) List(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	query := r.db.WithContext(ctx).Model(&models.Alert{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.ExternalRef != "" {
		query = query.Where("external_ref = ?", filter.ExternalRef)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var alerts []models.Alert
	err := query.Order("created_at DESC, id DESC").
		Limit(normalizeLimit(filter.Limit, 100, 1000)).
		Find(&alerts).Error
	return alerts, err
}

// Resolve marks a single active alert resolved
func (r *alertRepository) Resolve(ctx context.Context, id uint, resolvedBy, note string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status = ?", id, models.AlertStatusActive).
		Updates(resolveUpdates(resolvedBy, note, at))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ResolveByRef resolves every active alert of the given types for a reference.
// An empty type list resolves all types.
func (r *alertRepository) ResolveByRef(ctx context.Context, ref string, types []models.AlertType, resolvedBy, note string, at time.Time) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("external_ref = ? AND status = ?", ref, models.AlertStatusActive)
	if len(types) > 0 {
		query = query.Where("type IN ?", types)
	}
	res := query.Updates(resolveUpdates(resolvedBy, note, at))
	return res.RowsAffected, res.Error
}

func resolveUpdates(resolvedBy, note string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":          models.AlertStatusResolved,
		"active_key":      nil,
		"resolved_at":     at,
		"resolved_by":     resolvedBy,
		"resolution_note": note,
		"updated_at":      at,
	}
}

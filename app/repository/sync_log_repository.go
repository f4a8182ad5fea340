package repository

import (
	"context"

	"github.com/ManuelReschke/PayRecon/app/models"
	"gorm.io/gorm"
)

// syncLogRepository implements the SyncLogRepository interface
type syncLogRepository struct {
	db *gorm.DB
}

// NewSyncLogRepository creates a new sync log repository instance
func NewSyncLogRepository(db *gorm.DB) SyncLogRepository {
	return &syncLogRepository{db: db}
}

// Append writes one run record. Existing entries are never touched.
func (r *syncLogRepository) Append(ctx context.Context, entry *models.SyncLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// GetByRunID retrieves the entry of a single run
func (r *syncLogRepository) GetByRunID(ctx context.Context, runID string) (*models.SyncLogEntry, error) {
	var entry models.SyncLogEntry
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns entries newest first
func (r *syncLogRepository) List(ctx context.Context, filter SyncLogFilter) ([]models.SyncLogEntry, error) {
	query := r.db.WithContext(ctx).Model(&models.SyncLogEntry{})
	if filter.RunType != "" {
		query = query.Where("run_type = ?", filter.RunType)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var entries []models.SyncLogEntry
	err := query.Order("started_at DESC, id DESC").
		Limit(normalizeLimit(filter.Limit, 50, 500)).
		Find(&entries).Error
	return entries, err
}

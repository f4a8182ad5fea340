package repository

import (
	"context"

	"github.com/ManuelReschke/PayRecon/app/models"
	"gorm.io/gorm"
)

// reportRepository implements the ReportRepository interface
type reportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a new report repository instance
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db}
}

// Create persists a finished report
func (r *reportRepository) Create(ctx context.Context, report *models.ReconciliationReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// GetByID retrieves a report by its ID
func (r *reportRepository) GetByID(ctx context.Context, id uint) (*models.ReconciliationReport, error) {
	var report models.ReconciliationReport
	if err := r.db.WithContext(ctx).First(&report, id).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// GetByRunID retrieves the report produced by a run
func (r *reportRepository) GetByRunID(ctx context.Context, runID string) (*models.ReconciliationReport, error) {
	var report models.ReconciliationReport
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// List returns reports newest first without their rendered text
func (r *reportRepository) List(ctx context.Context, offset, limit int) ([]models.ReconciliationReport, error) {
	var reports []models.ReconciliationReport
	query := r.db.WithContext(ctx).Omit("rendered_text", "result_json")
	if offset > 0 {
		query = query.Offset(offset)
	}
	err := query.Order("created_at DESC, id DESC").
		Limit(normalizeLimit(limit, 20, 200)).
		Find(&reports).Error
	return reports, err
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ReportSourceGatewayAPI   = "gateway_api"
	ReportSourceReportUpload = "report_upload"
)

// ReconciliationReport is the immutable audit record of one reconciliation run.
type ReconciliationReport struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	RunID           string         `gorm:"type:varchar(36);not null;uniqueIndex:ux_reconciliation_reports_run_id" json:"run_id"`
	Source          string         `gorm:"type:varchar(20);not null" json:"source"`
	AutoFix         bool           `gorm:"not null;default:false" json:"auto_fix"`
	WindowStart     *time.Time     `gorm:"default:null" json:"window_start,omitempty"`
	WindowEnd       *time.Time     `gorm:"default:null" json:"window_end,omitempty"`
	TotalConsidered int            `gorm:"not null;default:0" json:"total_considered"`
	MatchedCount    int            `gorm:"not null;default:0" json:"matched_count"`
	MissingCount    int            `gorm:"not null;default:0" json:"missing_count"`
	ExtraCount      int            `gorm:"not null;default:0" json:"extra_count"`
	MismatchCount   int            `gorm:"not null;default:0" json:"mismatch_count"`
	FixedCount      int            `gorm:"not null;default:0" json:"fixed_count"`
	ErrorCount      int            `gorm:"not null;default:0" json:"error_count"`
	ResultJSON      datatypes.JSON `json:"result"`
	RenderedText    string         `gorm:"size:16777216" json:"rendered_text"`
	ArchiveKey      string         `gorm:"type:varchar(255)" json:"archive_key,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

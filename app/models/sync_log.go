package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncRunType identifies what kind of run produced a sync log entry.
type SyncRunType string

const (
	SyncRunTypeSync           SyncRunType = "sync"
	SyncRunTypeReconciliation SyncRunType = "reconciliation"
	SyncRunTypeStuckDetection SyncRunType = "stuck_detection"
)

// SyncTrigger describes who started a run.
type SyncTrigger string

const (
	SyncTriggerScheduled SyncTrigger = "scheduled"
	SyncTriggerManual    SyncTrigger = "manual"
	SyncTriggerQueued    SyncTrigger = "queued"
)

// SyncLogEntry is the append-only audit row written once per run.
type SyncLogEntry struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	RunID        string         `gorm:"type:varchar(36);not null;uniqueIndex:ux_sync_logs_run_id" json:"run_id"`
	RunType      SyncRunType    `gorm:"type:varchar(32);not null;index:idx_sync_logs_type_started,priority:1" json:"run_type"`
	Trigger      SyncTrigger    `gorm:"type:varchar(20);not null" json:"trigger"`
	Success      bool           `gorm:"not null;default:false;index" json:"success"`
	Considered   int            `gorm:"not null;default:0" json:"considered"`
	Fixed        int            `gorm:"not null;default:0" json:"fixed"`
	AlertsRaised int            `gorm:"not null;default:0" json:"alerts_raised"`
	ErrorCount   int            `gorm:"not null;default:0" json:"error_count"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	Summary      datatypes.JSON `json:"summary"`
	ReportID     *uint          `gorm:"default:null" json:"report_id,omitempty"`
	StartedAt    time.Time      `gorm:"not null;index:idx_sync_logs_type_started,priority:2" json:"started_at"`
	FinishedAt   time.Time      `gorm:"not null" json:"finished_at"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// Duration returns the wall time the run took.
func (e *SyncLogEntry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

package apiv1

import (
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

// Pong is the response of the ping endpoint.
type Pong struct {
	Ping string `json:"ping"`
}

// ReconcileRequest is the body of POST /admin/reconcile.
type ReconcileRequest struct {
	DaysBack int   `json:"days_back" validate:"gte=0,lte=90"`
	AutoFix  *bool `json:"auto_fix"`
	Async    bool  `json:"async"`
}

// SyncPendingRequest is the body of POST /admin/sync/pending.
type SyncPendingRequest struct {
	MaxAgeMinutes int  `json:"max_age_minutes" validate:"gte=0,lte=10080"`
	Limit         int  `json:"limit" validate:"gte=0,lte=1000"`
	Async         bool `json:"async"`
}

// StuckRequest is the optional body of POST /admin/stuck.
type StuckRequest struct {
	Async bool `json:"async"`
}

// ResolveAlertRequest is the optional body of POST /admin/alerts/:id/resolve.
type ResolveAlertRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"max=100"`
	Note       string `json:"note" validate:"max=2000"`
}

// RunResponse is returned by every synchronous run endpoint. Partial
// failures still report success together with the error count.
type RunResponse struct {
	Success        bool                 `json:"success"`
	RunID          string               `json:"run_id"`
	SyncLogID      uint                 `json:"sync_log_id"`
	Summary        reconcile.Summary    `json:"summary"`
	ReportID       uint                 `json:"report_id,omitempty"`
	AlertsRaised   int                  `json:"alerts_raised"`
	AlertsResolved int64                `json:"alerts_resolved,omitempty"`
	ArchiveKey     string               `json:"archive_key,omitempty"`
	Flagged        interface{}          `json:"flagged,omitempty"`
	Errors         []reconcile.RunError `json:"errors,omitempty"`
}

// JobAcceptedResponse is returned when a run was queued instead of executed.
type JobAcceptedResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Type    string `json:"type"`
}

// StatsResponse is the body of GET /admin/stats.
type StatsResponse struct {
	Counters           map[string]int64     `json:"counters"`
	Today              map[string]int64     `json:"today"`
	Queue              map[string]int64     `json:"queue,omitempty"`
	QueueSize          int64                `json:"queue_size"`
	ActiveAlerts       int                  `json:"active_alerts"`
	SchedulerRunning   bool                 `json:"scheduler_running"`
	NextReconciliation *time.Time           `json:"next_reconciliation,omitempty"`
	LastRuns           map[string]time.Time `json:"last_runs,omitempty"`
}

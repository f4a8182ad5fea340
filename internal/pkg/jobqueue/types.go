package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeReconcile       JobType = "reconcile"
	JobTypeReconcileReport JobType = "reconcile_report"
	JobTypeSyncPending     JobType = "sync_pending"
	JobTypeDetectStuck     JobType = "detect_stuck"
)

// Valid reports whether t is a job type the queue can process.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeReconcile, JobTypeReconcileReport, JobTypeSyncPending, JobTypeDetectStuck:
		return true
	}
	return false
}

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	Result      *JobResult             `json:"result,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// JobResult is what a finished run leaves on its job for polling clients.
type JobResult struct {
	RunID     string            `json:"run_id"`
	SyncLogID uint              `json:"sync_log_id"`
	ReportID  uint              `json:"report_id,omitempty"`
	Flagged   int               `json:"flagged,omitempty"`
	Summary   reconcile.Summary `json:"summary"`
}

// ReconcileJobPayload contains the payload for API-window reconciliation jobs
type ReconcileJobPayload struct {
	DaysBack int  `json:"days_back"`
	AutoFix  bool `json:"auto_fix"`
}

// ToMap converts the payload to a map for storage
func (p ReconcileJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"days_back": p.DaysBack,
		"auto_fix":  p.AutoFix,
	}
}

// ReconcileJobPayloadFromMap creates a payload from a map
func ReconcileJobPayloadFromMap(data map[string]interface{}) (*ReconcileJobPayload, error) {
	var payload ReconcileJobPayload
	return &payload, fromMap(data, &payload)
}

// ReconcileReportJobPayload carries an uploaded report. Content is stored
// base64 encoded inside the job document.
type ReconcileReportJobPayload struct {
	Content  []byte `json:"content"`
	Format   string `json:"format"`
	FileName string `json:"file_name,omitempty"`
	AutoFix  bool   `json:"auto_fix"`
}

// ToMap converts the payload to a map for storage
func (p ReconcileReportJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"content":   p.Content,
		"format":    p.Format,
		"file_name": p.FileName,
		"auto_fix":  p.AutoFix,
	}
}

// ReconcileReportJobPayloadFromMap creates a payload from a map
func ReconcileReportJobPayloadFromMap(data map[string]interface{}) (*ReconcileReportJobPayload, error) {
	var payload ReconcileReportJobPayload
	return &payload, fromMap(data, &payload)
}

// SyncPendingJobPayload contains the payload for pending sync jobs
type SyncPendingJobPayload struct {
	MaxAgeMinutes int `json:"max_age_minutes"`
	Limit         int `json:"limit"`
}

func (p SyncPendingJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"max_age_minutes": p.MaxAgeMinutes,
		"limit":           p.Limit,
	}
}

func SyncPendingJobPayloadFromMap(data map[string]interface{}) (*SyncPendingJobPayload, error) {
	var payload SyncPendingJobPayload
	return &payload, fromMap(data, &payload)
}

func fromMap(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted(result *JobResult) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
	j.Result = result
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsPermanentlyFailed fails the job without leaving retries.
func (j *Job) MarkAsPermanentlyFailed(errorMsg string) {
	j.MarkAsFailed(errorMsg)
	if j.RetryCount < j.MaxRetries {
		j.RetryCount = j.MaxRetries
	}
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

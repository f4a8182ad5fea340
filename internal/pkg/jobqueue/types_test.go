package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	tests := []struct {
		name     string
		jobType  JobType
		expected string
		valid    bool
	}{
		{"Reconcile", JobTypeReconcile, "reconcile", true},
		{"Reconcile Report", JobTypeReconcileReport, "reconcile_report", true},
		{"Sync Pending", JobTypeSyncPending, "sync_pending", true},
		{"Detect Stuck", JobTypeDetectStuck, "detect_stuck", true},
		{"Unknown", JobType("image_processing"), "image_processing", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.jobType))
			assert.Equal(t, tt.valid, tt.jobType.Valid())
		})
	}
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{
			name:      "Failed job with retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3},
			retryable: true,
		},
		{
			name:      "Failed job with no retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3},
			retryable: false,
		},
		{
			name:      "Completed job",
			job:       &Job{Status: JobStatusCompleted, RetryCount: 1, MaxRetries: 3},
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_StatusTransitions(t *testing.T) {
	job := &Job{Status: JobStatusPending, MaxRetries: DefaultMaxRetries}
	before := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(before))

	job.MarkAsFailed("gateway down")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.IsRetryable())

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	result := &JobResult{RunID: "run-1", SyncLogID: 4}
	job.MarkAsCompleted(result)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMsg)
	assert.NotNil(t, job.CompletedAt)
	assert.Same(t, result, job.Result)
}

func TestJob_MarkAsPermanentlyFailed(t *testing.T) {
	job := &Job{Status: JobStatusProcessing, MaxRetries: 3}
	job.MarkAsPermanentlyFailed("report has no header row")

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.RetryCount)
	assert.False(t, job.IsRetryable())
}

func TestReportPayloadSurvivesJobDocument(t *testing.T) {
	content := []byte("ref;amount\nTX1;25,00\n\xef\xbb\xbf")
	job := &Job{
		ID:      "job-1",
		Type:    JobTypeReconcileReport,
		Payload: ReconcileReportJobPayload{Content: content, Format: "csv", FileName: "march.csv", AutoFix: true}.ToMap(),
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))

	payload, err := ReconcileReportJobPayloadFromMap(decoded.Payload)
	require.NoError(t, err)
	assert.Equal(t, content, payload.Content)
	assert.Equal(t, "csv", payload.Format)
	assert.Equal(t, "march.csv", payload.FileName)
	assert.True(t, payload.AutoFix)
}

func TestSyncPendingPayloadFromNumbers(t *testing.T) {
	// Decoded job documents carry numbers as float64.
	payload, err := SyncPendingJobPayloadFromMap(map[string]interface{}{
		"max_age_minutes": float64(120),
		"limit":           float64(25),
	})
	require.NoError(t, err)
	assert.Equal(t, 120, payload.MaxAgeMinutes)
	assert.Equal(t, 25, payload.Limit)
}

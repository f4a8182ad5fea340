package apiv1

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/middleware"
	"github.com/ManuelReschke/PayRecon/internal/pkg/paymentsync"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	runTimeout      = 5 * time.Minute
	readTimeout     = 15 * time.Second
)

// JobQueue is the part of the job queue the API needs.
type JobQueue interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
}

// Scheduler reports the state of the scheduled runs.
type Scheduler interface {
	IsRunning() bool
	NextReconciliation() time.Time
}

// Dependencies are the collaborators of the API server. Runner, Alerts and
// Repos are required.
type Dependencies struct {
	Runner         jobqueue.Runner
	Alerts         *alerting.Emitter
	Repos          *repository.Repositories
	Jobs           JobQueue
	Scheduler      Scheduler
	Counters       *counter.Recorder
	LastRun        func(task string) time.Time
	AutoFixDefault bool
}

// APIServer serves the admin API.
type APIServer struct {
	deps     Dependencies
	validate *validator.Validate
	now      func() time.Time
}

// NewAPIServer creates a new API server instance
func NewAPIServer(deps Dependencies) *APIServer {
	return &APIServer{
		deps:     deps,
		validate: validator.New(),
		now:      time.Now,
	}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostReconcile runs a reconciliation against the live gateway API.
func (s *APIServer) PostReconcile(c *fiber.Ctx) error {
	var req ReconcileRequest
	if err := s.bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	autoFix := s.deps.AutoFixDefault
	if req.AutoFix != nil {
		autoFix = *req.AutoFix
	}

	if req.Async {
		return s.enqueue(c, jobqueue.JobTypeReconcile, jobqueue.ReconcileJobPayload{DaysBack: req.DaysBack, AutoFix: autoFix}.ToMap())
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), runTimeout)
	defer cancel()
	out, err := s.deps.Runner.RunReconciliation(ctx, paymentsync.ReconcileRequest{DaysBack: req.DaysBack, AutoFix: autoFix}, models.SyncTriggerManual)
	if err != nil {
		return runFailed(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(reconcileResponse(out))
}

// PostReconcileReport reconciles against an uploaded settlement report. The
// report is read from the multipart field "file" or from the raw body.
func (s *APIServer) PostReconcileReport(c *fiber.Ctx) error {
	content, fileName, err := readReport(c)
	if err != nil {
		return badRequest(c, err)
	}
	if len(content) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_report", "message": "Upload the report as multipart field 'file' or as request body"})
	}

	format := reportFormat(formValue(c, "format"), fileName, c.Get(fiber.HeaderContentType))
	autoFix := s.deps.AutoFixDefault
	if v := formValue(c, "auto_fix"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return badRequest(c, errors.New("auto_fix must be a boolean"))
		}
		autoFix = b
	}

	if async, _ := strconv.ParseBool(formValue(c, "async")); async {
		payload := jobqueue.ReconcileReportJobPayload{Content: content, Format: format, FileName: fileName, AutoFix: autoFix}
		return s.enqueue(c, jobqueue.JobTypeReconcileReport, payload.ToMap())
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), runTimeout)
	defer cancel()
	out, err := s.deps.Runner.RunReconciliation(ctx, paymentsync.ReconcileRequest{
		ReportContent: content,
		Format:        format,
		AutoFix:       autoFix,
	}, models.SyncTriggerManual)
	if err != nil {
		return runFailed(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(reconcileResponse(out))
}

// PostSyncPending refreshes recent pending payments from the gateway.
func (s *APIServer) PostSyncPending(c *fiber.Ctx) error {
	var req SyncPendingRequest
	if err := s.bind(c, &req); err != nil {
		return badRequest(c, err)
	}

	if req.Async {
		return s.enqueue(c, jobqueue.JobTypeSyncPending, jobqueue.SyncPendingJobPayload{MaxAgeMinutes: req.MaxAgeMinutes, Limit: req.Limit}.ToMap())
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), runTimeout)
	defer cancel()
	out, err := s.deps.Runner.RunPendingSync(ctx, time.Duration(req.MaxAgeMinutes)*time.Minute, req.Limit, models.SyncTriggerManual)
	if err != nil {
		return runFailed(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(RunResponse{
		Success:      true,
		RunID:        out.RunID,
		SyncLogID:    out.SyncLogID,
		Summary:      out.Summary(),
		AlertsRaised: out.Alerts,
		Errors:       out.Errors,
	})
}

// PostStuck runs stuck payment detection.
func (s *APIServer) PostStuck(c *fiber.Ctx) error {
	var req StuckRequest
	if err := s.bind(c, &req); err != nil {
		return badRequest(c, err)
	}

	if req.Async {
		return s.enqueue(c, jobqueue.JobTypeDetectStuck, nil)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), runTimeout)
	defer cancel()
	out, err := s.deps.Runner.RunStuckDetection(ctx, models.SyncTriggerManual)
	if err != nil {
		return runFailed(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(RunResponse{
		Success:      true,
		RunID:        out.RunID,
		SyncLogID:    out.SyncLogID,
		Summary:      out.Summary(),
		AlertsRaised: out.Alerts,
		Flagged:      out.Flagged,
		Errors:       out.Errors,
	})
}

// GetSyncLogs lists sync log entries, newest first.
func (s *APIServer) GetSyncLogs(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	ctx, cancel := context.WithTimeout(c.UserContext(), readTimeout)
	defer cancel()

	entries, err := s.deps.Repos.SyncLog.List(ctx, repository.SyncLogFilter{
		RunType: models.SyncRunType(strings.TrimSpace(c.Query("run_type"))),
		Offset:  offset,
		Limit:   limit,
	})
	if err != nil {
		log.Errorf("[AdminAPI] Failed to list sync logs: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to list sync logs"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"items": entries, "offset": offset, "limit": limit})
}

// GetAlerts lists alerts. Without a status filter only active alerts are returned.
func (s *APIServer) GetAlerts(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	status := strings.ToLower(strings.TrimSpace(c.Query("status", models.AlertStatusActive)))
	if status == "all" {
		status = ""
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), readTimeout)
	defer cancel()

	alerts, err := s.deps.Repos.Alert.List(ctx, repository.AlertFilter{
		Status:      status,
		Type:        models.AlertType(strings.TrimSpace(c.Query("type"))),
		ExternalRef: strings.TrimSpace(c.Query("ref")),
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		log.Errorf("[AdminAPI] Failed to list alerts: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to list alerts"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"items": alerts, "offset": offset, "limit": limit})
}

// PostResolveAlert closes an alert on behalf of an operator.
func (s *APIServer) PostResolveAlert(c *fiber.Ctx, id uint) error {
	var req ResolveAlertRequest
	if err := s.bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	resolvedBy := strings.TrimSpace(req.ResolvedBy)
	if resolvedBy == "" {
		resolvedBy = middleware.Operator(c)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), readTimeout)
	defer cancel()
	alert, err := s.deps.Alerts.Resolve(ctx, id, resolvedBy, req.Note)
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Alert not found"})
	case errors.Is(err, alerting.ErrAlreadyResolved):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_resolved", "alert": alert})
	case err != nil:
		log.Errorf("[AdminAPI] Failed to resolve alert %d: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to resolve alert"})
	}
	s.deps.Counters.Inc(ctx, counter.AlertsResolved)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "alert": alert})
}

// GetReport returns a stored reconciliation report as JSON, or its rendered
// text with ?format=text.
func (s *APIServer) GetReport(c *fiber.Ctx, id uint) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readTimeout)
	defer cancel()

	rep, err := s.deps.Repos.Report.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Report not found"})
		}
		log.Errorf("[AdminAPI] Failed to load report %d: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load report"})
	}

	if strings.EqualFold(c.Query("format"), "text") {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(fiber.StatusOK).SendString(rep.RenderedText)
	}
	return c.Status(fiber.StatusOK).JSON(rep)
}

// GetJob returns the state of a queued run.
func (s *APIServer) GetJob(c *fiber.Ctx, id string) error {
	if s.deps.Jobs == nil {
		return queueUnavailable(c)
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), readTimeout)
	defer cancel()

	job, err := s.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
		}
		log.Errorf("[AdminAPI] Failed to load job %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load job"})
	}
	return c.Status(fiber.StatusOK).JSON(job)
}

// GetStats returns counters, queue state and scheduler state.
func (s *APIServer) GetStats(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readTimeout)
	defer cancel()

	resp := StatsResponse{}
	var err error
	if resp.Counters, err = s.deps.Counters.Snapshot(ctx); err != nil {
		log.Warnf("[AdminAPI] Failed to read counters: %v", err)
	}
	if resp.Today, err = s.deps.Counters.Day(ctx, s.now()); err != nil {
		log.Warnf("[AdminAPI] Failed to read today's counters: %v", err)
	}

	if s.deps.Jobs != nil {
		if stats, err := s.deps.Jobs.GetJobStats(ctx); err == nil {
			resp.Queue = make(map[string]int64, len(stats))
			for status, n := range stats {
				resp.Queue[string(status)] = n
			}
		} else {
			log.Warnf("[AdminAPI] Failed to read job stats: %v", err)
		}
		if size, err := s.deps.Jobs.GetQueueSize(ctx); err == nil {
			resp.QueueSize = size
		}
	}

	if active, err := s.deps.Repos.Alert.List(ctx, repository.AlertFilter{Status: models.AlertStatusActive, Limit: 1000}); err == nil {
		resp.ActiveAlerts = len(active)
	}

	if s.deps.Scheduler != nil {
		resp.SchedulerRunning = s.deps.Scheduler.IsRunning()
		if next := s.deps.Scheduler.NextReconciliation(); !next.IsZero() {
			resp.NextReconciliation = &next
		}
	}
	if s.deps.LastRun != nil {
		resp.LastRuns = make(map[string]time.Time)
		for _, task := range []string{jobqueue.TaskPendingSync, jobqueue.TaskStuckDetection, jobqueue.TaskReconciliation} {
			if t := s.deps.LastRun(task); !t.IsZero() {
				resp.LastRuns[task] = t
			}
		}
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (s *APIServer) enqueue(c *fiber.Ctx, jobType jobqueue.JobType, payload map[string]interface{}) error {
	if s.deps.Jobs == nil {
		return queueUnavailable(c)
	}
	job, err := s.deps.Jobs.EnqueueJob(c.UserContext(), jobType, payload)
	if err != nil {
		log.Errorf("[AdminAPI] Failed to enqueue %s job: %v", jobType, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "enqueue_failed", "message": "Failed to queue the run"})
	}
	return c.Status(fiber.StatusAccepted).JSON(JobAcceptedResponse{
		Success: true,
		JobID:   job.ID,
		Status:  string(job.Status),
		Type:    string(job.Type),
	})
}

// bind decodes an optional JSON body and validates it.
func (s *APIServer) bind(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return errors.New("request body must be JSON")
		}
	}
	if err := s.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.New(strings.ToLower(verrs[0].Field()) + " failed " + verrs[0].Tag())
		}
		return err
	}
	return nil
}

func reconcileResponse(out *paymentsync.ReconcileOutcome) RunResponse {
	return RunResponse{
		Success:        true,
		RunID:          out.RunID,
		SyncLogID:      out.SyncLogID,
		Summary:        out.Summary(),
		ReportID:       out.ReportID,
		AlertsRaised:   out.AlertsRaised,
		AlertsResolved: out.AlertsResolved,
		ArchiveKey:     out.ArchiveKey,
		Errors:         out.Errors,
	}
}

// runFailed maps a failed run to an HTTP error.
func runFailed(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "run_failed"
	switch {
	case errors.Is(err, gateway.ErrUnparseableReport):
		status, code = fiber.StatusUnprocessableEntity, "unparseable_report"
	case errors.Is(err, gateway.ErrWindowUnsupported):
		status, code = fiber.StatusUnprocessableEntity, "window_unsupported"
	case errors.Is(err, paymentsync.ErrNoGatewayInput):
		status, code = fiber.StatusServiceUnavailable, "no_gateway"
	case errors.Is(err, gateway.ErrUnknown), errors.Is(err, context.DeadlineExceeded):
		status, code = fiber.StatusGatewayTimeout, "gateway_timeout"
	case gateway.IsTransient(err):
		status, code = fiber.StatusBadGateway, "gateway_unavailable"
	}

	body := fiber.Map{"success": false, "error": code, "message": err.Error()}
	var fatal *paymentsync.FatalError
	if errors.As(err, &fatal) {
		body["run_id"] = fatal.RunID
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
}

func queueUnavailable(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable", "message": "The job queue is not configured"})
}

func pagination(c *fiber.Ctx) (int, int) {
	offset := max(0, c.QueryInt("offset", 0))
	limit := c.QueryInt("limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	return offset, min(limit, maxPageSize)
}

// formValue reads a multipart form field and falls back to the query string.
func formValue(c *fiber.Ctx, key string) string {
	if v := strings.TrimSpace(c.FormValue(key)); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query(key))
}

func readReport(c *fiber.Ctx) ([]byte, string, error) {
	if strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), fiber.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, "", errors.New("multipart field 'file' is missing")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, "", err
		}
		return content, fh.Filename, nil
	}
	return append([]byte(nil), c.Body()...), strings.TrimSpace(c.Query("filename")), nil
}

// reportFormat picks the parser: explicit format first, then file extension,
// then content type.
func reportFormat(explicit, fileName, contentType string) string {
	if explicit != "" {
		return strings.ToLower(explicit)
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		return paymentsync.FormatXLSX
	case ".csv", ".tsv", ".txt":
		return paymentsync.FormatCSV
	}
	if strings.Contains(strings.ToLower(contentType), "spreadsheetml") {
		return paymentsync.FormatXLSX
	}
	return paymentsync.FormatCSV
}

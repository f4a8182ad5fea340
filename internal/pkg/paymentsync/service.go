// Package paymentsync runs the engine: pending sync, stuck detection, full
// reconciliation and the webhook completion path. Every run leaves exactly
// one sync log entry behind.
package paymentsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/auditlog"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

// Config holds the run parameters.
type Config struct {
	GraceWindow          time.Duration
	StuckThreshold       time.Duration
	MaxConcurrentLookups int
	PendingMaxAge        time.Duration
	PendingLimit         int
	StuckLimit           int
	DefaultDaysBack      int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		GraceWindow:          reconcile.DefaultGraceWindow,
		StuckThreshold:       reconcile.DefaultStuckThreshold,
		MaxConcurrentLookups: 8,
		PendingMaxAge:        24 * time.Hour,
		PendingLimit:         50,
		StuckLimit:           500,
		DefaultDaysBack:      3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GraceWindow < 0 {
		c.GraceWindow = 0
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.MaxConcurrentLookups <= 0 {
		c.MaxConcurrentLookups = d.MaxConcurrentLookups
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = d.PendingMaxAge
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = d.PendingLimit
	}
	if c.StuckLimit <= 0 {
		c.StuckLimit = d.StuckLimit
	}
	if c.DefaultDaysBack <= 0 {
		c.DefaultDaysBack = d.DefaultDaysBack
	}
	return c
}

// Archiver stores run artifacts outside the database.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	ObjectKey(runID, ext string, at time.Time) string
}

// Dependencies are the collaborators of a Service. Repos and Gateway are
// required, everything else is optional.
type Dependencies struct {
	Repos       *repository.Repositories
	Gateway     gateway.Client
	StatusMap   *gateway.StatusMap
	Archiver    Archiver
	Counters    *counter.Recorder
	AuditLogger *logrus.Logger
	Notifier    alerting.Notifier
}

// Service runs the engine against one ledger and one gateway.
type Service struct {
	repos     *repository.Repositories
	gateway   gateway.Client
	statusMap *gateway.StatusMap
	archiver  Archiver
	counters  *counter.Recorder
	fixer     *reconcile.Fixer
	alerts    *alerting.Emitter
	cfg       Config
	now       func() time.Time
}

// NewService wires a Service.
func NewService(deps Dependencies, cfg Config) *Service {
	cfg = cfg.withDefaults()
	statusMap := deps.StatusMap
	if statusMap == nil {
		statusMap = gateway.DefaultStatusMap()
	}
	audit := deps.AuditLogger
	if audit == nil {
		audit = auditlog.GetLogger()
	}
	return &Service{
		repos:     deps.Repos,
		gateway:   deps.Gateway,
		statusMap: statusMap,
		archiver:  deps.Archiver,
		counters:  deps.Counters,
		fixer:     reconcile.NewFixer(deps.Repos.Payment, cfg.StuckThreshold, audit),
		alerts:    alerting.NewEmitter(deps.Repos.Alert).WithNotifier(deps.Notifier),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Alerts exposes the emitter for operator actions.
func (s *Service) Alerts() *alerting.Emitter {
	return s.alerts
}

// FatalError means a run could not produce a usable result. The failed sync
// log entry has been written when it is returned.
type FatalError struct {
	RunID string
	Op    string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("run %s failed: %s: %v", e.RunID, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// run carries the bookkeeping every run type shares.
type run struct {
	id      string
	runType models.SyncRunType
	trigger models.SyncTrigger
	started time.Time
	fixer   *reconcile.Fixer
}

func (s *Service) startRun(runType models.SyncRunType, trigger models.SyncTrigger) *run {
	if trigger == "" {
		trigger = models.SyncTriggerManual
	}
	id := uuid.New().String()
	now := s.now
	return &run{
		id:      id,
		runType: runType,
		trigger: trigger,
		started: s.now(),
		fixer:   s.fixer.WithRunID(id).WithClock(now),
	}
}

// runCounts are the numbers every sync log entry carries.
type runCounts struct {
	considered   int
	fixed        int
	alertsRaised int
	errorCount   int
	reportID     *uint
}

// finish appends the single sync log entry of the run.
func (s *Service) finish(ctx context.Context, r *run, counts runCounts, summary interface{}, runErr error) (*models.SyncLogEntry, error) {
	entry := &models.SyncLogEntry{
		RunID:        r.id,
		RunType:      r.runType,
		Trigger:      r.trigger,
		Success:      runErr == nil,
		Considered:   counts.considered,
		Fixed:        counts.fixed,
		AlertsRaised: counts.alertsRaised,
		ErrorCount:   counts.errorCount,
		ReportID:     counts.reportID,
		StartedAt:    r.started,
		FinishedAt:   s.now(),
	}
	if runErr != nil {
		entry.ErrorMessage = runErr.Error()
	}
	if summary != nil {
		if raw, err := json.Marshal(summary); err == nil {
			entry.Summary = datatypes.JSON(raw)
		}
	}

	// The caller's context may already be cancelled; the audit row is still written.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.repos.SyncLog.Append(appendCtx, entry); err != nil {
		log.Errorf("[PaymentSync] Failed to append sync log for run %s (%s): %v", r.id, r.runType, err)
		return entry, &FatalError{RunID: r.id, Op: "append sync log", Err: err}
	}

	s.counters.Inc(ctx, counter.Run(string(r.runType)))
	if runErr != nil {
		s.counters.Inc(ctx, counter.RunsFailed)
	}
	return entry, nil
}

// fail writes the failed sync log entry and returns the FatalError.
func (s *Service) fail(ctx context.Context, r *run, op string, err error, counts runCounts) error {
	fatal := &FatalError{RunID: r.id, Op: op, Err: err}
	log.Errorf("[PaymentSync] %s run %s failed: %s: %v", r.runType, r.id, op, err)
	_, _ = s.finish(ctx, r, counts, nil, fatal)
	return fatal
}

// emit raises an alert and records emitter failures as run errors.
func (s *Service) emit(ctx context.Context, in alerting.AlertInput, errs *[]reconcile.RunError) bool {
	created, _, err := s.alerts.Emit(ctx, in)
	if err != nil {
		log.Errorf("[PaymentSync] %v", err)
		*errs = append(*errs, reconcile.RunError{
			Class:       reconcile.ErrorTransient,
			ExternalRef: in.ExternalRef,
			PaymentID:   in.PaymentID,
			Message:     err.Error(),
		})
		return false
	}
	if created {
		s.counters.Inc(ctx, counter.AlertsRaised)
	}
	return created
}

// recordFix updates counters for a fixer decision and turns store failures
// into run errors.
func (s *Service) recordFix(ctx context.Context, fix reconcile.FixResult, errs *[]reconcile.RunError) {
	switch fix.Outcome {
	case reconcile.OutcomeApplied:
		s.counters.Inc(ctx, counter.FixesApplied)
	case reconcile.OutcomeFailed:
		s.counters.Inc(ctx, counter.FixesFailed)
		*errs = append(*errs, reconcile.RunError{
			Class:       reconcile.ErrorTransient,
			ExternalRef: fix.ExternalRef,
			PaymentID:   fix.PaymentID,
			Message:     fmt.Sprintf("fix %s failed: %s", fix.Action, fix.Error),
		})
	default:
		s.counters.Inc(ctx, counter.FixesSkipped)
	}
}

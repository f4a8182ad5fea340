package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"gorm.io/gorm"
)

// PendingFilter narrows ListPending. Zero values mean "no bound".
type PendingFilter struct {
	CreatedAfter  time.Time
	CreatedBefore time.Time
	RequireRef    bool
	Limit         int
}

// PaymentRepository defines the ledger operations the engine needs.
// Status changes only happen through the compare-and-swap methods.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.PaymentRecord) error
	GetByID(ctx context.Context, id uint) (*models.PaymentRecord, error)
	GetByExternalRef(ctx context.Context, ref string) (*models.PaymentRecord, error)
	ListCreatedBetween(ctx context.Context, start, end time.Time) ([]models.PaymentRecord, error)
	ListByExternalRefs(ctx context.Context, refs []string) ([]models.PaymentRecord, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]models.PaymentRecord, error)
	// TransitionStatus moves a payment from -> to. It returns false when the
	// payment is no longer in the expected status.
	TransitionStatus(ctx context.Context, id uint, from, to models.PaymentStatus) (bool, error)
	// CompleteWithCascade marks the payment completed and activates the
	// linked booking or pass in the same transaction.
	CompleteWithCascade(ctx context.Context, id uint, from models.PaymentStatus) (bool, error)
	// TransitionUnlessConsumed moves a payment from -> to in one transaction
	// with the LinkedItemConsumed check. consumed is true when the update was
	// refused because of the linked item.
	TransitionUnlessConsumed(ctx context.Context, id uint, from, to models.PaymentStatus) (applied, consumed bool, err error)
	// LinkedItemConsumed reports whether the linked item already had an
	// irreversible real-world effect (checked in, entries used).
	LinkedItemConsumed(ctx context.Context, payment *models.PaymentRecord) (bool, error)
}

// SyncLogFilter narrows sync log listings.
type SyncLogFilter struct {
	RunType models.SyncRunType
	Offset  int
	Limit   int
}

// SyncLogRepository is append-only.
type SyncLogRepository interface {
	Append(ctx context.Context, entry *models.SyncLogEntry) error
	GetByRunID(ctx context.Context, runID string) (*models.SyncLogEntry, error)
	List(ctx context.Context, filter SyncLogFilter) ([]models.SyncLogEntry, error)
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Status      string
	Type        models.AlertType
	ExternalRef string
	Offset      int
	Limit       int
}

// AlertRepository defines alert persistence with one active alert per
// reference and type.
type AlertRepository interface {
	// CreateIfNotActive inserts the alert unless an active alert with the
	// same reference and type exists. It returns the stored alert.
	CreateIfNotActive(ctx context.Context, alert *models.Alert) (bool, *models.Alert, error)
	GetByID(ctx context.Context, id uint) (*models.Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	Resolve(ctx context.Context, id uint, resolvedBy, note string, at time.Time) (bool, error)
	ResolveByRef(ctx context.Context, ref string, types []models.AlertType, resolvedBy, note string, at time.Time) (int64, error)
}

// ReportRepository stores reconciliation reports. Reports are never updated.
type ReportRepository interface {
	Create(ctx context.Context, report *models.ReconciliationReport) error
	GetByID(ctx context.Context, id uint) (*models.ReconciliationReport, error)
	GetByRunID(ctx context.Context, runID string) (*models.ReconciliationReport, error)
	List(ctx context.Context, offset, limit int) ([]models.ReconciliationReport, error)
}

// WebhookEventRepository records gateway notifications idempotently.
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.GatewayWebhookEvent) (bool, *models.GatewayWebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Payment      PaymentRepository
	SyncLog      SyncLogRepository
	Alert        AlertRepository
	Report       ReportRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Payment:      NewPaymentRepository(db),
		SyncLog:      NewSyncLogRepository(db),
		Alert:        NewAlertRepository(db),
		Report:       NewReportRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

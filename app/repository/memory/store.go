// Package memory is an in-process implementation of the repository
// interfaces, used by the engine and handler tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
)

// Store holds every table in maps guarded by one mutex. Status updates are
// compare-and-swap just like the SQL implementation.
type Store struct {
	mu sync.Mutex

	payments      map[uint]*models.PaymentRecord
	bookings      map[uint]*models.Booking
	passes        map[uint]*models.Pass
	syncLogs      []models.SyncLogEntry
	alerts        map[uint]*models.Alert
	reports       map[uint]*models.ReconciliationReport
	webhookEvents map[uint]*models.GatewayWebhookEvent
	nextID        uint

	// ReadErr and WriteErr, when set, are returned by every read or write.
	ReadErr  error
	WriteErr error

	// Transitions counts effective status changes per payment id.
	Transitions map[uint]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		payments:      make(map[uint]*models.PaymentRecord),
		bookings:      make(map[uint]*models.Booking),
		passes:        make(map[uint]*models.Pass),
		alerts:        make(map[uint]*models.Alert),
		reports:       make(map[uint]*models.ReconciliationReport),
		webhookEvents: make(map[uint]*models.GatewayWebhookEvent),
		Transitions:   make(map[uint]int),
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Payment:      &paymentStore{s},
		SyncLog:      &syncLogStore{s},
		Alert:        &alertStore{s},
		Report:       &reportStore{s},
		WebhookEvent: &webhookEventStore{s},
	}
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// SetErrors sets the injected read and write errors.
func (s *Store) SetErrors(readErr, writeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReadErr = readErr
	s.WriteErr = writeErr
}

// AddBooking stores a booking and returns its id.
func (s *Store) AddBooking(b models.Booking) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.id()
	}
	s.bookings[b.ID] = &b
	return b.ID
}

// Booking returns a copy of a stored booking.
func (s *Store) Booking(id uint) (models.Booking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return models.Booking{}, false
	}
	return *b, true
}

// AddPass stores a pass and returns its id.
func (s *Store) AddPass(p models.Pass) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.passes[p.ID] = &p
	return p.ID
}

// Pass returns a copy of a stored pass.
func (s *Store) Pass(id uint) (models.Pass, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passes[id]
	if !ok {
		return models.Pass{}, false
	}
	return *p, true
}

// Payments returns copies of all payments ordered by id.
func (s *Store) Payments() []models.PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaymentRecord, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, copyPayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SyncLogs returns a copy of the sync log in append order.
func (s *Store) SyncLogs() []models.SyncLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SyncLogEntry(nil), s.syncLogs...)
}

// Alerts returns copies of all alerts ordered by id.
func (s *Store) Alerts() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveAlerts returns the active alerts ordered by id.
func (s *Store) ActiveAlerts() []models.Alert {
	var out []models.Alert
	for _, a := range s.Alerts() {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

func copyPayment(p *models.PaymentRecord) models.PaymentRecord {
	c := *p
	if p.ExternalRef != nil {
		ref := *p.ExternalRef
		c.ExternalRef = &ref
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

type paymentStore struct{ s *Store }

func (r *paymentStore) Create(ctx context.Context, payment *models.PaymentRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return r.s.WriteErr
	}
	if ref := payment.Ref(); ref != "" {
		for _, p := range r.s.payments {
			if p.Ref() == ref {
				return fmt.Errorf("duplicate external reference %s", ref)
			}
		}
	}
	if payment.ID == 0 {
		payment.ID = r.s.id()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}
	if payment.LinkedItemType == "" {
		payment.LinkedItemType = models.LinkedItemOther
	}
	now := time.Now().UTC()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	c := copyPayment(payment)
	r.s.payments[payment.ID] = &c
	return nil
}

func (r *paymentStore) GetByID(ctx context.Context, id uint) (*models.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.ReadErr != nil {
		return nil, r.s.ReadErr
	}
	p, ok := r.s.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := copyPayment(p)
	return &c, nil
}

func (r *paymentStore) GetByExternalRef(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.ReadErr != nil {
		return nil, r.s.ReadErr
	}
	for _, p := range r.s.payments {
		if p.Ref() == ref && ref != "" {
			c := copyPayment(p)
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *paymentStore) list(match func(p *models.PaymentRecord) bool) ([]models.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.ReadErr != nil {
		return nil, r.s.ReadErr
	}
	var out []models.PaymentRecord
	for _, p := range r.s.payments {
		if match(p) {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *paymentStore) ListCreatedBetween(ctx context.Context, start, end time.Time) ([]models.PaymentRecord, error) {
	return r.list(func(p *models.PaymentRecord) bool {
		return !p.CreatedAt.Before(start) && !p.CreatedAt.After(end)
	})
}

func (r *paymentStore) ListByExternalRefs(ctx context.Context, refs []string) ([]models.PaymentRecord, error) {
	wanted := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		wanted[ref] = struct{}{}
	}
	return r.list(func(p *models.PaymentRecord) bool {
		_, ok := wanted[p.Ref()]
		return ok && p.HasExternalRef()
	})
}

func (r *paymentStore) ListPending(ctx context.Context, filter repository.PendingFilter) ([]models.PaymentRecord, error) {
	out, err := r.list(func(p *models.PaymentRecord) bool {
		if p.Status != models.PaymentStatusPending {
			return false
		}
		if filter.RequireRef && !p.HasExternalRef() {
			return false
		}
		if !filter.CreatedAfter.IsZero() && p.CreatedAt.Before(filter.CreatedAfter) {
			return false
		}
		if !filter.CreatedBefore.IsZero() && !p.CreatedAt.Before(filter.CreatedBefore) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *paymentStore) TransitionStatus(ctx context.Context, id uint, from, to models.PaymentStatus) (bool, error) {
	if from == to {
		return false, nil
	}
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, from, to)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return false, r.s.WriteErr
	}
	p, ok := r.s.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	if to == models.PaymentStatusCompleted {
		p.CompletedAt = &now
	}
	r.s.Transitions[id]++
	return true, nil
}

func (r *paymentStore) CompleteWithCascade(ctx context.Context, id uint, from models.PaymentStatus) (bool, error) {
	if !from.CanTransitionTo(models.PaymentStatusCompleted) || from == models.PaymentStatusCompleted {
		return false, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, from, models.PaymentStatusCompleted)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return false, r.s.WriteErr
	}
	p, ok := r.s.payments[id]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if p.Status != from {
		return false, nil
	}

	now := time.Now().UTC()
	p.Status = models.PaymentStatusCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
	r.s.Transitions[id]++

	switch p.LinkedItemType {
	case models.LinkedItemBooking:
		if b, ok := r.s.bookings[p.LinkedItemID]; ok && b.Status == models.BookingStatusPending {
			b.Status = models.BookingStatusConfirmed
			b.ConfirmedAt = &now
			b.UpdatedAt = now
		}
	case models.LinkedItemPass:
		if ps, ok := r.s.passes[p.LinkedItemID]; ok && ps.Status == models.PassStatusPending {
			ps.Status = models.PassStatusActive
			ps.ActivatedAt = &now
			ps.UpdatedAt = now
		}
	}
	return true, nil
}

func (r *paymentStore) TransitionUnlessConsumed(ctx context.Context, id uint, from, to models.PaymentStatus) (bool, bool, error) {
	if from == to {
		return false, false, nil
	}
	if !from.CanTransitionTo(to) {
		return false, false, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, from, to)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.ReadErr != nil {
		return false, false, r.s.ReadErr
	}
	if r.s.WriteErr != nil {
		return false, false, r.s.WriteErr
	}
	p, ok := r.s.payments[id]
	if !ok {
		return false, false, gorm.ErrRecordNotFound
	}
	if p.Status != from {
		return false, false, nil
	}
	if r.s.linkedItemConsumed(p) {
		return false, true, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	r.s.Transitions[id]++
	return true, false, nil
}

func (r *paymentStore) LinkedItemConsumed(ctx context.Context, payment *models.PaymentRecord) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.ReadErr != nil {
		return false, r.s.ReadErr
	}
	return r.s.linkedItemConsumed(payment), nil
}

// linkedItemConsumed expects s.mu to be held.
func (s *Store) linkedItemConsumed(payment *models.PaymentRecord) bool {
	switch payment.LinkedItemType {
	case models.LinkedItemBooking:
		if b, ok := s.bookings[payment.LinkedItemID]; ok {
			return b.IsConsumed()
		}
	case models.LinkedItemPass:
		if p, ok := s.passes[payment.LinkedItemID]; ok {
			return p.IsConsumed()
		}
	}
	return false
}

type syncLogStore struct{ s *Store }

func (r *syncLogStore) Append(ctx context.Context, entry *models.SyncLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return r.s.WriteErr
	}
	for _, e := range r.s.syncLogs {
		if e.RunID == entry.RunID {
			return fmt.Errorf("duplicate run id %s", entry.RunID)
		}
	}
	entry.ID = r.s.id()
	entry.CreatedAt = time.Now().UTC()
	r.s.syncLogs = append(r.s.syncLogs, *entry)
	return nil
}

func (r *syncLogStore) GetByRunID(ctx context.Context, runID string) (*models.SyncLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.syncLogs {
		if e.RunID == runID {
			c := e
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *syncLogStore) List(ctx context.Context, filter repository.SyncLogFilter) ([]models.SyncLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.SyncLogEntry
	for i := len(r.s.syncLogs) - 1; i >= 0; i-- {
		e := r.s.syncLogs[i]
		if filter.RunType != "" && e.RunType != filter.RunType {
			continue
		}
		out = append(out, e)
	}
	return page(out, filter.Offset, filter.Limit), nil
}

type alertStore struct{ s *Store }

func (r *alertStore) CreateIfNotActive(ctx context.Context, alert *models.Alert) (bool, *models.Alert, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return false, nil, r.s.WriteErr
	}
	key := models.AlertActiveKey(alert.ExternalRef, alert.Type)
	for _, a := range r.s.alerts {
		if a.ActiveKey != nil && *a.ActiveKey == key {
			c := *a
			return false, &c, nil
		}
	}

	now := time.Now().UTC()
	alert.ID = r.s.id()
	alert.ActiveKey = &key
	alert.Status = models.AlertStatusActive
	if alert.Severity == "" {
		alert.Severity = models.AlertSeverityWarning
	}
	alert.CreatedAt = now
	alert.UpdatedAt = now
	stored := *alert
	r.s.alerts[alert.ID] = &stored
	c := stored
	return true, &c, nil
}

func (r *alertStore) GetByID(ctx context.Context, id uint) (*models.Alert, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.alerts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *a
	return &c, nil
}

func (r *alertStore) List(ctx context.Context, filter repository.AlertFilter) ([]models.Alert, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Alert
	for _, a := range r.s.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.ExternalRef != "" && a.ExternalRef != filter.ExternalRef {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, filter.Offset, filter.Limit), nil
}

func (r *alertStore) Resolve(ctx context.Context, id uint, resolvedBy, note string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return false, r.s.WriteErr
	}
	a, ok := r.s.alerts[id]
	if !ok || !a.IsActive() {
		return false, nil
	}
	resolve(a, resolvedBy, note, at)
	return true, nil
}

func (r *alertStore) ResolveByRef(ctx context.Context, ref string, types []models.AlertType, resolvedBy, note string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return 0, r.s.WriteErr
	}
	var n int64
	for _, a := range r.s.alerts {
		if a.ExternalRef != ref || !a.IsActive() {
			continue
		}
		if len(types) > 0 && !containsType(types, a.Type) {
			continue
		}
		resolve(a, resolvedBy, note, at)
		n++
	}
	return n, nil
}

func resolve(a *models.Alert, resolvedBy, note string, at time.Time) {
	a.Status = models.AlertStatusResolved
	a.ActiveKey = nil
	a.ResolvedAt = &at
	a.ResolvedBy = resolvedBy
	a.ResolutionNote = note
	a.UpdatedAt = at
}

func containsType(types []models.AlertType, t models.AlertType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

type reportStore struct{ s *Store }

func (r *reportStore) Create(ctx context.Context, report *models.ReconciliationReport) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return r.s.WriteErr
	}
	report.ID = r.s.id()
	report.CreatedAt = time.Now().UTC()
	c := *report
	r.s.reports[report.ID] = &c
	return nil
}

func (r *reportStore) GetByID(ctx context.Context, id uint) (*models.ReconciliationReport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rep, ok := r.s.reports[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *rep
	return &c, nil
}

func (r *reportStore) GetByRunID(ctx context.Context, runID string) (*models.ReconciliationReport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rep := range r.s.reports {
		if rep.RunID == runID {
			c := *rep
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *reportStore) List(ctx context.Context, offset, limit int) ([]models.ReconciliationReport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.ReconciliationReport, 0, len(r.s.reports))
	for _, rep := range r.s.reports {
		c := *rep
		c.RenderedText = ""
		c.ResultJSON = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, offset, limit), nil
}

type webhookEventStore struct{ s *Store }

func (r *webhookEventStore) CreateIfNotExists(ctx context.Context, event *models.GatewayWebhookEvent) (bool, *models.GatewayWebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.WriteErr != nil {
		return false, nil, r.s.WriteErr
	}
	for _, e := range r.s.webhookEvents {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			c := *e
			return false, &c, nil
		}
	}
	now := time.Now().UTC()
	event.ID = r.s.id()
	event.CreatedAt = now
	event.UpdatedAt = now
	stored := *event
	r.s.webhookEvents[event.ID] = &stored
	c := stored
	return true, &c, nil
}

func (r *webhookEventStore) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.webhookEvents[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now().UTC()
	e.ProcessedAt = &now
	e.ProcessingError = processingError
	e.UpdatedAt = now
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

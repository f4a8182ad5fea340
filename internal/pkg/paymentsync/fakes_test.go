package paymentsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository/memory"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeGateway serves transactions from maps and tracks concurrency.
type fakeGateway struct {
	mu        sync.Mutex
	byRef     map[string]gateway.Transaction
	refErrs   map[string]error
	window    []gateway.Transaction
	rowErrors []gateway.RowError
	windowErr error
	delay     time.Duration

	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		byRef:   make(map[string]gateway.Transaction),
		refErrs: make(map[string]error),
	}
}

func (g *fakeGateway) add(tx gateway.Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byRef[tx.ExternalRef] = tx
	g.window = append(g.window, tx)
}

func (g *fakeGateway) FetchByWindow(ctx context.Context, since, until time.Time) (*gateway.ParseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.windowErr != nil {
		return nil, g.windowErr
	}
	out := &gateway.ParseResult{RowErrors: append([]gateway.RowError(nil), g.rowErrors...)}
	for _, tx := range g.window {
		if !tx.OccurredAt.Before(since) && !tx.OccurredAt.After(until) {
			out.Transactions = append(out.Transactions, tx)
		}
	}
	return out, nil
}

func (g *fakeGateway) FetchByReference(ctx context.Context, ref string) (*gateway.Transaction, error) {
	g.calls.Add(1)
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.refErrs[ref]; ok {
		return nil, err
	}
	tx, ok := g.byRef[ref]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &tx, nil
}

// fakeArchiver keeps archived objects in memory.
type fakeArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *fakeArchiver) Put(ctx context.Context, key string, body []byte, contentType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[key] = append([]byte(nil), body...)
	return nil
}

func (a *fakeArchiver) ObjectKey(runID, ext string, at time.Time) string {
	return "reports/" + runID + ext
}

type testEnv struct {
	store   *memory.Store
	gateway *fakeGateway
	service *Service
	hook    *test.Hook
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := memory.New()
	gw := newFakeGateway()
	logger, hook := test.NewNullLogger()
	svc := NewService(Dependencies{
		Repos:       store.Repositories(),
		Gateway:     gw,
		AuditLogger: logger,
	}, cfg)
	svc.now = func() time.Time { return testNow }
	return &testEnv{store: store, gateway: gw, service: svc, hook: hook}
}

func (e *testEnv) addPayment(t *testing.T, ref string, status models.PaymentStatus, age time.Duration) *models.PaymentRecord {
	t.Helper()
	return e.addLinkedPayment(t, ref, status, age, models.LinkedItemOther, 0)
}

func (e *testEnv) addLinkedPayment(t *testing.T, ref string, status models.PaymentStatus, age time.Duration, itemType string, itemID uint) *models.PaymentRecord {
	t.Helper()
	p := &models.PaymentRecord{
		Amount:         decimal.RequireFromString("25.00"),
		Currency:       "EUR",
		Status:         status,
		LinkedItemType: itemType,
		LinkedItemID:   itemID,
		CreatedAt:      testNow.Add(-age),
	}
	if ref != "" {
		r := ref
		p.ExternalRef = &r
	}
	require.NoError(t, e.store.Repositories().Payment.Create(context.Background(), p))
	return p
}

func (e *testEnv) payment(t *testing.T, id uint) *models.PaymentRecord {
	t.Helper()
	p, err := e.store.Repositories().Payment.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func gatewayTx(ref string, status models.PaymentStatus, raw string, age time.Duration) gateway.Transaction {
	return gateway.Transaction{
		ExternalRef: ref,
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "EUR",
		RawStatus:   raw,
		Status:      status,
		OccurredAt:  testNow.Add(-age),
	}
}

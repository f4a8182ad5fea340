package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
)

func TestPaymentCompareAndSwap(t *testing.T) {
	store := New()
	repos := store.Repositories()
	ctx := context.Background()

	passID := store.AddPass(models.Pass{Status: models.PassStatusPending, EntriesTotal: 10})
	ref := "TX1"
	p := &models.PaymentRecord{ExternalRef: &ref, Amount: decimal.NewFromInt(10), Currency: "EUR",
		LinkedItemType: models.LinkedItemPass, LinkedItemID: passID}
	require.NoError(t, repos.Payment.Create(ctx, p))
	assert.Equal(t, models.PaymentStatusPending, p.Status)

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repos.Payment.CompleteWithCascade(ctx, p.ID, models.PaymentStatusPending)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	assert.Equal(t, 1, store.Transitions[p.ID])

	pass, ok := store.Pass(passID)
	require.True(t, ok)
	assert.Equal(t, models.PassStatusActive, pass.Status)

	_, err := repos.Payment.TransitionStatus(ctx, p.ID, models.PaymentStatusCompleted, models.PaymentStatusPending)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
}

func TestPaymentLookupsReturnCopies(t *testing.T) {
	store := New()
	repos := store.Repositories()
	ctx := context.Background()

	ref := "TX1"
	p := &models.PaymentRecord{ExternalRef: &ref, Currency: "EUR", CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, repos.Payment.Create(ctx, p))

	got, err := repos.Payment.GetByExternalRef(ctx, "TX1")
	require.NoError(t, err)
	got.Status = models.PaymentStatusRefunded

	again, err := repos.Payment.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, again.Status)

	_, err = repos.Payment.GetByExternalRef(ctx, "missing")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	dup := &models.PaymentRecord{ExternalRef: &ref, Currency: "EUR"}
	assert.Error(t, repos.Payment.Create(ctx, dup))
}

func TestAlertDeduplication(t *testing.T) {
	store := New()
	repos := store.Repositories()
	ctx := context.Background()

	created, first, err := repos.Alert.CreateIfNotActive(ctx, &models.Alert{Type: models.AlertTypeMissingInLedger, ExternalRef: "TX2"})
	require.NoError(t, err)
	assert.True(t, created)

	created, second, err := repos.Alert.CreateIfNotActive(ctx, &models.Alert{Type: models.AlertTypeMissingInLedger, ExternalRef: "TX2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.ActiveAlerts(), 1)

	n, err := repos.Alert.ResolveByRef(ctx, "TX2", nil, "test", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, store.ActiveAlerts())
}

func TestInjectedErrors(t *testing.T) {
	store := New()
	repos := store.Repositories()
	boom := errors.New("db down")
	store.SetErrors(boom, boom)

	_, err := repos.Payment.ListPending(context.Background(), repository.PendingFilter{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, repos.SyncLog.Append(context.Background(), &models.SyncLogEntry{RunID: "x"}), boom)
}

package paymentsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

func TestPendingSyncAppliesGatewayStatus(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	passID := env.store.AddPass(models.Pass{Status: models.PassStatusPending, EntriesTotal: 10})
	completed := env.addLinkedPayment(t, "TX1", models.PaymentStatusPending, time.Hour, models.LinkedItemPass, passID)
	failed := env.addPayment(t, "TX2", models.PaymentStatusPending, time.Hour)
	same := env.addPayment(t, "TX3", models.PaymentStatusPending, time.Hour)
	old := env.addPayment(t, "TX4", models.PaymentStatusPending, 48*time.Hour)

	env.gateway.add(gatewayTx("TX1", models.PaymentStatusCompleted, "settlement", 50*time.Minute))
	env.gateway.add(gatewayTx("TX2", models.PaymentStatusFailed, "deny", 50*time.Minute))
	env.gateway.add(gatewayTx("TX3", models.PaymentStatusPending, "pending", 50*time.Minute))
	env.gateway.add(gatewayTx("TX4", models.PaymentStatusCompleted, "settlement", 47*time.Hour))

	out, err := env.service.RunPendingSync(context.Background(), 0, 0, models.SyncTriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, 3, out.Considered)
	assert.Equal(t, 2, out.Updated)
	assert.Equal(t, 1, out.Unchanged)
	assert.Empty(t, out.Errors)

	assert.Equal(t, models.PaymentStatusCompleted, env.payment(t, completed.ID).Status)
	assert.Equal(t, models.PaymentStatusFailed, env.payment(t, failed.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, env.payment(t, same.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, env.payment(t, old.ID).Status, "older than max age")

	pass, ok := env.store.Pass(passID)
	require.True(t, ok)
	assert.Equal(t, models.PassStatusActive, pass.Status)

	logs := env.store.SyncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncRunTypeSync, logs[0].RunType)
	assert.Equal(t, 2, logs[0].Fixed)
	assert.True(t, logs[0].Success)
}

func TestPendingSyncLeavesUnknownOutcomesAlone(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	missing := env.addPayment(t, "TX1", models.PaymentStatusPending, time.Hour)
	timedOut := env.addPayment(t, "TX2", models.PaymentStatusPending, time.Hour)
	broken := env.addPayment(t, "TX3", models.PaymentStatusPending, time.Hour)
	env.addPayment(t, "", models.PaymentStatusPending, time.Hour)

	env.gateway.refErrs["TX2"] = gateway.ErrUnknown
	env.gateway.refErrs["TX3"] = errors.New("unexpected payload")

	out, err := env.service.RunPendingSync(context.Background(), 0, 0, models.SyncTriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 3, out.Considered, "records without a reference are not synced")
	assert.Equal(t, 1, out.NotFound)
	assert.Equal(t, 1, out.Unknown)
	assert.Equal(t, 0, out.Updated)
	require.Len(t, out.Errors, 2)

	for _, id := range []uint{missing.ID, timedOut.ID, broken.ID} {
		assert.Equal(t, models.PaymentStatusPending, env.payment(t, id).Status)
	}
	assert.Empty(t, env.store.Transitions)
	assert.Empty(t, env.store.Alerts())
}

func TestPendingSyncConcurrentRunsTransitionOnce(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.gateway.delay = 5 * time.Millisecond
	var ids []uint
	for _, ref := range []string{"TX1", "TX2", "TX3", "TX4"} {
		ids = append(ids, env.addPayment(t, ref, models.PaymentStatusPending, time.Hour).ID)
		env.gateway.add(gatewayTx(ref, models.PaymentStatusCompleted, "settlement", 30*time.Minute))
	}

	var wg sync.WaitGroup
	outcomes := make([]*SyncOutcome, 3)
	for i := range outcomes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.service.RunPendingSync(context.Background(), 0, 0, models.SyncTriggerManual)
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	wg.Wait()

	updated := 0
	for _, out := range outcomes {
		require.NotNil(t, out)
		updated += out.Updated
	}
	assert.Equal(t, len(ids), updated)
	for _, id := range ids {
		assert.Equal(t, 1, env.store.Transitions[id])
		assert.Equal(t, models.PaymentStatusCompleted, env.payment(t, id).Status)
	}
	assert.Empty(t, env.store.Alerts(), "a lost race is not an operator problem")
	assert.Len(t, env.store.SyncLogs(), 3)
}

func TestPendingSyncBoundsConcurrentLookups(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentLookups = 3
	env := newTestEnv(t, cfg)
	env.gateway.delay = 10 * time.Millisecond
	for i := 0; i < 12; i++ {
		ref := "TX" + string(rune('A'+i))
		env.addPayment(t, ref, models.PaymentStatusPending, time.Hour)
		env.gateway.add(gatewayTx(ref, models.PaymentStatusPending, "pending", 30*time.Minute))
	}

	out, err := env.service.RunPendingSync(context.Background(), 0, 0, models.SyncTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 12, out.Unchanged)
	assert.Equal(t, int64(12), env.gateway.calls.Load())
	assert.LessOrEqual(t, env.gateway.maxSeen.Load(), int64(3))
}

func TestPendingSyncLedgerUnavailable(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.store.SetErrors(errors.New("too many connections"), nil)

	_, err := env.service.RunPendingSync(context.Background(), 0, 0, models.SyncTriggerManual)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "load pending payments", fatal.Op)

	logs := env.store.SyncLogs()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
}

func TestStuckDetectionFlagsWithoutFailing(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	noRef := env.addPayment(t, "", models.PaymentStatusPending, 25*time.Hour)
	notFound := env.addPayment(t, "TX1", models.PaymentStatusPending, 30*time.Hour)
	stillPending := env.addPayment(t, "TX2", models.PaymentStatusPending, 26*time.Hour)
	lookupFailed := env.addPayment(t, "TX3", models.PaymentStatusPending, 26*time.Hour)
	resolved := env.addPayment(t, "TX4", models.PaymentStatusPending, 26*time.Hour)
	fresh := env.addPayment(t, "TX5", models.PaymentStatusPending, 10*time.Minute)

	env.gateway.add(gatewayTx("TX2", models.PaymentStatusPending, "pending", 26*time.Hour))
	env.gateway.refErrs["TX3"] = gateway.ErrUnknown
	env.gateway.add(gatewayTx("TX4", models.PaymentStatusFailed, "expire", 2*time.Hour))

	out, err := env.service.RunStuckDetection(context.Background(), models.SyncTriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, 5, out.Considered)
	reasons := make(map[uint]string)
	for _, f := range out.Flagged {
		reasons[f.Payment.ID] = f.Reason
	}
	assert.Equal(t, map[uint]string{
		noRef.ID:        StuckNoReference,
		notFound.ID:     StuckNotAtGateway,
		stillPending.ID: StuckGatewayPending,
		lookupFailed.ID: StuckLookupFailed,
	}, reasons)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, reconcile.ErrorTransient, out.Errors[0].Class)

	require.Len(t, out.Fixes, 1)
	assert.Equal(t, reconcile.OutcomeApplied, out.Fixes[0].Outcome)
	assert.Equal(t, models.PaymentStatusFailed, env.payment(t, resolved.ID).Status)

	for _, id := range []uint{noRef.ID, notFound.ID, stillPending.ID, lookupFailed.ID, fresh.ID} {
		assert.Equal(t, models.PaymentStatusPending, env.payment(t, id).Status)
	}

	active := env.store.ActiveAlerts()
	assert.Len(t, active, 4)
	assert.Equal(t, 4, out.Alerts)
	keys := make(map[string]models.AlertType)
	for _, a := range active {
		keys[a.ExternalRef] = a.Type
	}
	assert.Equal(t, models.AlertTypeStuckPayment, keys[fmt.Sprintf("payment:%d", noRef.ID)])
	assert.Equal(t, models.AlertTypeStuckPayment, keys["TX1"])

	// A second run raises no duplicate alerts.
	again, err := env.service.RunStuckDetection(context.Background(), models.SyncTriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Alerts)
	assert.Len(t, env.store.ActiveAlerts(), 4)
}

func TestPendingSyncResolvesStuckAlert(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()
	p := env.addPayment(t, "TX1", models.PaymentStatusPending, 2*time.Hour)

	stuck, err := env.service.RunStuckDetection(ctx, models.SyncTriggerScheduled)
	require.NoError(t, err)
	require.Len(t, stuck.Flagged, 1)
	require.Len(t, env.store.ActiveAlerts(), 1)

	env.gateway.add(gatewayTx("TX1", models.PaymentStatusCompleted, "settlement", time.Hour))

	out, err := env.service.RunPendingSync(ctx, 0, 0, models.SyncTriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, int64(1), out.Resolved)
	assert.Equal(t, models.PaymentStatusCompleted, env.payment(t, p.ID).Status)
	assert.Empty(t, env.store.ActiveAlerts())

	alerts := env.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusResolved, alerts[0].Status)
}

func TestStuckDetectionResolvesEarlierAlert(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()
	p := env.addPayment(t, "TX1", models.PaymentStatusPending, 2*time.Hour)
	env.gateway.refErrs["TX1"] = gateway.ErrUnknown

	first, err := env.service.RunStuckDetection(ctx, models.SyncTriggerScheduled)
	require.NoError(t, err)
	require.Len(t, first.Flagged, 1)
	assert.Equal(t, StuckLookupFailed, first.Flagged[0].Reason)
	require.Len(t, env.store.ActiveAlerts(), 1)

	delete(env.gateway.refErrs, "TX1")
	env.gateway.add(gatewayTx("TX1", models.PaymentStatusFailed, "expire", time.Hour))

	second, err := env.service.RunStuckDetection(ctx, models.SyncTriggerScheduled)
	require.NoError(t, err)
	assert.Empty(t, second.Flagged)
	require.Len(t, second.Fixes, 1)
	assert.Equal(t, reconcile.OutcomeApplied, second.Fixes[0].Outcome)
	assert.Equal(t, int64(1), second.Resolved)
	assert.Equal(t, models.PaymentStatusFailed, env.payment(t, p.ID).Status)
	assert.Empty(t, env.store.ActiveAlerts())
}

func TestApplyNotification(t *testing.T) {
	t.Run("pending payment completes", func(t *testing.T) {
		env := newTestEnv(t, DefaultConfig())
		bookingID := env.store.AddBooking(models.Booking{Status: models.BookingStatusPending})
		p := env.addLinkedPayment(t, "TX1", models.PaymentStatusPending, time.Hour, models.LinkedItemBooking, bookingID)

		out, err := env.service.ApplyNotification(context.Background(), gatewayTx("TX1", models.PaymentStatusCompleted, "settlement", time.Minute))
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, models.PaymentStatusPending, out.Before)
		assert.Equal(t, models.PaymentStatusCompleted, out.After)
		assert.Equal(t, models.PaymentStatusCompleted, env.payment(t, p.ID).Status)

		booking, _ := env.store.Booking(bookingID)
		assert.Equal(t, models.BookingStatusConfirmed, booking.Status)
	})

	t.Run("out of order notification is stale", func(t *testing.T) {
		env := newTestEnv(t, DefaultConfig())
		p := env.addPayment(t, "TX1", models.PaymentStatusCompleted, time.Hour)

		out, err := env.service.ApplyNotification(context.Background(), gatewayTx("TX1", models.PaymentStatusFailed, "expire", time.Minute))
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.Equal(t, NotificationStale, out.Reason)
		assert.Equal(t, models.PaymentStatusCompleted, env.payment(t, p.ID).Status)
		assert.Empty(t, env.store.Transitions)
	})

	t.Run("still pending", func(t *testing.T) {
		env := newTestEnv(t, DefaultConfig())
		env.addPayment(t, "TX1", models.PaymentStatusPending, time.Hour)

		out, err := env.service.ApplyNotification(context.Background(), gatewayTx("TX1", models.PaymentStatusPending, "pending", time.Minute))
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.Equal(t, NotificationStillPending, out.Reason)
	})

	t.Run("unknown reference", func(t *testing.T) {
		env := newTestEnv(t, DefaultConfig())

		_, err := env.service.ApplyNotification(context.Background(), gatewayTx("TX9", models.PaymentStatusCompleted, "settlement", time.Minute))
		assert.ErrorIs(t, err, ErrUnknownPayment)
		assert.Empty(t, env.store.Payments())
	})

	t.Run("clears the stuck alert", func(t *testing.T) {
		env := newTestEnv(t, DefaultConfig())
		env.addPayment(t, "TX1", models.PaymentStatusPending, 30*time.Hour)
		_, err := env.service.RunStuckDetection(context.Background(), models.SyncTriggerManual)
		require.NoError(t, err)
		require.Len(t, env.store.ActiveAlerts(), 1)

		out, err := env.service.ApplyNotification(context.Background(), gatewayTx("TX1", models.PaymentStatusCompleted, "settlement", time.Minute))
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Empty(t, env.store.ActiveAlerts())
	})
}

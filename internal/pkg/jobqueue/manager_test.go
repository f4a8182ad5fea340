package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
)

func offlineClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
}

func newTestManager(t *testing.T, runner Runner, locker *redislock.Client, cfg ManagerConfig) *Manager {
	t.Helper()
	m, err := NewManager(NewQueue(offlineClient(), runner, 1), runner, locker, cfg)
	require.NoError(t, err)
	return m
}

func TestNewManagerDefaults(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, nil, ManagerConfig{})

	assert.Equal(t, 5*time.Minute, m.cfg.PendingSyncInterval)
	assert.Equal(t, 15*time.Minute, m.cfg.StuckInterval)
	assert.Equal(t, 10*time.Minute, m.cfg.LockTTL)
	assert.Equal(t, DefaultReconcileRule, m.schedule.String())
	assert.NotNil(t, m.GetQueue())
	assert.False(t, m.IsRunning())

	next := m.NextReconciliation()
	assert.Equal(t, 3, next.Hour())
	assert.True(t, next.After(time.Now()))
}

func TestNewManagerInvalidSchedule(t *testing.T) {
	_, err := NewManager(NewQueue(offlineClient(), nil, 1), nil, nil, ManagerConfig{ReconcileRule: "FREQ=NEVER"})
	assert.Error(t, err)
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, nil, ManagerConfig{})

	assert.False(t, m.IsRunning())
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManager_RunScheduledWithoutLocker(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner, nil, ManagerConfig{ReconcileDaysBack: 2, ReconcileAutoFix: true})
	ctx := context.Background()

	assert.True(t, m.RunScheduled(ctx, TaskPendingSync))
	assert.True(t, m.RunScheduled(ctx, TaskStuckDetection))
	assert.True(t, m.RunScheduled(ctx, TaskReconciliation))

	require.Len(t, runner.requests, 1)
	assert.Equal(t, 2, runner.requests[0].DaysBack)
	assert.True(t, runner.requests[0].AutoFix)
	assert.Equal(t, 1, runner.stuck)
	assert.Len(t, runner.syncArgs, 1)
	for _, trigger := range runner.triggers {
		assert.Equal(t, models.SyncTriggerScheduled, trigger)
	}
}

func TestManager_RunScheduledRespectsLock(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	locker := redislock.New(client)
	runner := &fakeRunner{}
	m := newTestManager(t, runner, locker, ManagerConfig{})
	ctx := context.Background()

	held, err := locker.Obtain(ctx, lockKeyPrefix+TaskStuckDetection, time.Minute, nil)
	require.NoError(t, err)

	assert.False(t, m.RunScheduled(ctx, TaskStuckDetection), "another replica holds the lock")
	assert.Equal(t, 0, runner.calls())

	require.NoError(t, held.Release(ctx))
	assert.True(t, m.RunScheduled(ctx, TaskStuckDetection))
	assert.Equal(t, 1, runner.calls())

	// The lock is released after the run.
	assert.True(t, m.RunScheduled(ctx, TaskStuckDetection))
	assert.Equal(t, 2, runner.calls())
}

func TestManager_RunScheduledRecordsLastRun(t *testing.T) {
	configureTestCache(t, resolveTestRedis(t))

	m := newTestManager(t, &fakeRunner{}, nil, ManagerConfig{})
	before := time.Now().Add(-time.Second)
	require.True(t, m.RunScheduled(context.Background(), TaskPendingSync))

	last := LastRun(TaskPendingSync)
	assert.True(t, last.After(before), "last run %s", last)
}

func TestManager_StartStopScheduledDisabled(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	m, err := NewManager(NewQueue(client, &fakeRunner{}, 1), &fakeRunner{}, nil, ManagerConfig{ScheduledDisabled: true})
	require.NoError(t, err)

	m.Start()
	assert.True(t, m.IsRunning())
	assert.Nil(t, m.pendingTicker)

	m.Stop()
	assert.False(t, m.IsRunning())

	// Restart cycles are allowed.
	m.Start()
	assert.True(t, m.IsRunning())
	m.Stop()
}

package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/paymentsync"
)

// Names of the scheduled tasks, used for lock keys and last-run markers.
const (
	TaskPendingSync    = "pending_sync"
	TaskStuckDetection = "stuck_detection"
	TaskReconciliation = "reconciliation"

	lockKeyPrefix    = "recon:lock:"
	lastRunKeyPrefix = "recon:last_run:"
)

// ManagerConfig controls the scheduled runs.
type ManagerConfig struct {
	PendingSyncInterval time.Duration
	StuckInterval       time.Duration
	ReconcileRule       string
	ReconcileDaysBack   int
	ReconcileAutoFix    bool
	LockTTL             time.Duration
	// ScheduledDisabled starts only the on-demand queue.
	ScheduledDisabled bool
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.PendingSyncInterval <= 0 {
		c.PendingSyncInterval = 5 * time.Minute
	}
	if c.StuckInterval <= 0 {
		c.StuckInterval = 15 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	return c
}

// Manager owns the job queue and the scheduled background runs.
type Manager struct {
	queue    *Queue
	runner   Runner
	locker   *redislock.Client
	cfg      ManagerConfig
	schedule *Schedule

	pendingTicker *time.Ticker
	stuckTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
	nextRun       time.Time
}

// NewManager wires the queue with the scheduled runs. A nil locker disables
// the cross-replica lock; each replica then runs every tick itself.
func NewManager(queue *Queue, runner Runner, locker *redislock.Client, cfg ManagerConfig) (*Manager, error) {
	cfg = cfg.withDefaults()
	schedule, err := ParseSchedule(cfg.ReconcileRule, time.Now())
	if err != nil {
		return nil, err
	}
	return &Manager{
		queue:    queue,
		runner:   runner,
		locker:   locker,
		cfg:      cfg,
		schedule: schedule,
		stopCh:   make(chan struct{}),
	}, nil
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.cfg.ScheduledDisabled {
		log.Info("[JobQueue Manager] Scheduled runs are disabled")
		return
	}

	m.pendingTicker = time.NewTicker(m.cfg.PendingSyncInterval)
	m.wg.Add(1)
	go m.pendingSyncWorker()

	m.stuckTicker = time.NewTicker(m.cfg.StuckInterval)
	m.wg.Add(1)
	go m.stuckWorker()

	m.wg.Add(1)
	go m.reconcileWorker(m.stopCh)

	log.Infof("[JobQueue Manager] Started (pending sync every %s, stuck detection every %s, reconciliation %s)",
		m.cfg.PendingSyncInterval, m.cfg.StuckInterval, m.schedule)
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.pendingTicker != nil {
		m.pendingTicker.Stop()
	}
	if m.stuckTicker != nil {
		m.stuckTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// NextReconciliation returns when the next scheduled reconciliation is due.
func (m *Manager) NextReconciliation() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.nextRun.IsZero() {
		return m.nextRun
	}
	return m.schedule.Next(time.Now())
}

func (m *Manager) pendingSyncWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Pending sync worker stopping")
			return
		case <-m.pendingTicker.C:
			m.RunScheduled(context.Background(), TaskPendingSync)
		}
	}
}

func (m *Manager) stuckWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Stuck detection worker stopping")
			return
		case <-m.stuckTicker.C:
			m.RunScheduled(context.Background(), TaskStuckDetection)
		}
	}
}

// reconcileWorker sleeps until the next occurrence of the schedule.
func (m *Manager) reconcileWorker(stopCh chan struct{}) {
	defer m.wg.Done()
	for {
		next := m.schedule.Next(time.Now())
		if next.IsZero() {
			log.Warnf("[JobQueue Manager] Schedule %s has no further occurrences", m.schedule)
			return
		}
		m.mu.Lock()
		m.nextRun = next
		m.mu.Unlock()
		log.Infof("[JobQueue Manager] Next reconciliation at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-stopCh:
			timer.Stop()
			log.Info("[JobQueue Manager] Reconciliation worker stopping")
			return
		case <-timer.C:
			m.RunScheduled(context.Background(), TaskReconciliation)
		}
	}
}

// RunScheduled runs one scheduled task unless another replica holds its
// lock. It reports whether the task ran. The lock only avoids duplicate
// work: when Redis is unavailable the task runs anyway.
func (m *Manager) RunScheduled(ctx context.Context, task string) bool {
	if m.locker != nil {
		lock, err := m.locker.Obtain(ctx, lockKeyPrefix+task, m.cfg.LockTTL, nil)
		switch {
		case errors.Is(err, redislock.ErrNotObtained):
			log.Infof("[JobQueue Manager] Skipping %s: another replica is running it", task)
			return false
		case err != nil:
			log.Warnf("[JobQueue Manager] Could not obtain lock for %s, running without it: %v", task, err)
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
					log.Warnf("[JobQueue Manager] Failed to release lock for %s: %v", task, err)
				}
			}()
		}
	}

	if err := m.runTask(ctx, task); err != nil {
		log.Errorf("[JobQueue Manager] Scheduled %s failed: %v", task, err)
	}
	if err := cache.Set(lastRunKeyPrefix+task, time.Now().UTC().Format(time.RFC3339), 0); err != nil {
		log.Warnf("[JobQueue Manager] Failed to record last run of %s: %v", task, err)
	}
	return true
}

func (m *Manager) runTask(ctx context.Context, task string) error {
	var err error
	switch task {
	case TaskPendingSync:
		_, err = m.runner.RunPendingSync(ctx, 0, 0, models.SyncTriggerScheduled)
	case TaskStuckDetection:
		_, err = m.runner.RunStuckDetection(ctx, models.SyncTriggerScheduled)
	case TaskReconciliation:
		_, err = m.runner.RunReconciliation(ctx, paymentsync.ReconcileRequest{
			DaysBack: m.cfg.ReconcileDaysBack,
			AutoFix:  m.cfg.ReconcileAutoFix,
		}, models.SyncTriggerScheduled)
	default:
		err = errors.New("unknown task " + task)
	}
	return err
}

// LastRun returns when a scheduled task last ran on any replica, or the zero
// time when it never ran.
func LastRun(task string) time.Time {
	raw, err := cache.Get(lastRunKeyPrefix + task)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		_ = cache.Delete(lastRunKeyPrefix + task)
		return time.Time{}
	}
	return t
}

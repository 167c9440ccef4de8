/*
Package cron materializes cron-triggered jobs into PENDING tasks when their
schedule fires, and arbitrates what happens when a fire lands while the
previous run's tasks are still active.
*/
package cron

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cuemby/shardsched/pkg/admission"
	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/log"
	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/ports"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/state"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

// DefaultTickInterval is how often the manager checks entries for
// due schedules.
const DefaultTickInterval = time.Second

type cronEntry struct {
	key      types.JobKey
	schedule ports.Schedule
	next     time.Time
}

// Manager registers cron JobConfigurations with a schedule evaluator and
// materializes their shards when a schedule fires.
type Manager struct {
	store *storage.Storage
	state *state.Manager
	sched ports.CronScheduler
	broker *events.Broker
	gate  *admission.Gate

	initialBackoff time.Duration
	maxBackoff     time.Duration
	tickInterval   time.Duration

	mu          sync.Mutex
	entries     map[string]*cronEntry
	pendingRuns map[string]bool

	sub    events.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. initialBackoff/maxBackoff bound the delayed
// re-run poll used by the KILL_EXISTING collision policy. gate validates
// each job's configuration before its schedule is registered; a job that
// fails the gate is treated the same as one with an invalid cron
// expression — skipped, logged, and counted against
// cron_job_launch_failures.
func New(store *storage.Storage, st *state.Manager, sched ports.CronScheduler, broker *events.Broker, gate *admission.Gate, initialBackoff, maxBackoff time.Duration) *Manager {
	return &Manager{
		store:          store,
		state:          st,
		sched:          sched,
		broker:         broker,
		gate:           gate,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		tickInterval:   DefaultTickInterval,
		entries:        make(map[string]*cronEntry),
		pendingRuns:    make(map[string]bool),
		stopCh:         make(chan struct{}),
	}
}

// Start loads every cron JobConfiguration currently in storage, subscribes
// to storage-started so a later recovery reload picks up any change, and
// begins the tick loop that fires due schedules.
func (m *Manager) Start() {
	m.sub = m.broker.Subscribe()
	m.loadJobs()

	m.wg.Add(2)
	go m.handleEvents()
	go m.tickLoop()
}

// Stop stops the tick loop and event subscription. Any in-flight
// KILL_EXISTING re-run poll observes stopCh and exits without inserting.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.broker.Unsubscribe(m.sub)
	m.wg.Wait()
}

func (m *Manager) handleEvents() {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.sub:
			if !ok {
				return
			}
			if ev.Type == events.EventStorageStarted {
				m.loadJobs()
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.fireDue(now)
		case <-m.stopCh:
			return
		}
	}
}

// loadJobs re-reads every JobConfiguration and registers its schedule.
// Jobs with an invalid cron expression increment cron_job_launch_failures
// and are left unscheduled.
func (m *Manager) loadJobs() {
	var jobs []types.JobConfiguration
	err := m.store.ConsistentRead("cron_load_jobs", func(provider storage.StoreProvider) error {
		var err error
		jobs, err = provider.Jobs().FetchJobs()
		return err
	})
	if err != nil {
		log.WithComponent("cron").Error().Err(err).Msg("failed to load jobs")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		if !job.IsCron() {
			continue
		}
		path := job.Key.ToPath()
		if err := m.gate.ValidateJob(job); err != nil {
			metrics.CronJobLaunchFailures.WithLabelValues(path).Inc()
			log.Job("cron", path).Error().Err(err).Msg("job failed admission, not scheduled")
			delete(m.entries, path)
			continue
		}
		schedule, err := m.sched.Parse(job.CronSchedule)
		if err != nil {
			metrics.CronJobLaunchFailures.WithLabelValues(path).Inc()
			log.Job("cron", path).Error().Err(err).Msg("invalid cron schedule, not scheduled")
			delete(m.entries, path)
			continue
		}
		if existing, ok := m.entries[path]; ok {
			existing.schedule = schedule
			continue
		}
		m.entries[path] = &cronEntry{key: job.Key, schedule: schedule, next: schedule.Next(time.Now())}
	}
}

func (m *Manager) fireDue(now time.Time) {
	var due []types.JobKey

	m.mu.Lock()
	for _, e := range m.entries {
		if !now.Before(e.next) {
			due = append(due, e.key)
			e.next = e.schedule.Next(now)
		}
	}
	m.mu.Unlock()

	for _, key := range due {
		if err := m.fire(key); err != nil {
			log.Job("cron", key.ToPath()).Error().Err(err).Msg("cron fire failed")
		}
	}
}

// fire runs one firing of key's schedule: insert fresh shards if nothing is
// active, otherwise defer to the job's collision policy.
func (m *Manager) fire(key types.JobKey) error {
	job, ok, err := m.fetchJob(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	active, err := m.fetchActive(key)
	if err != nil {
		return err
	}

	if len(active) == 0 {
		return m.materializeShards(job, 0, job.ShardCount)
	}

	switch job.EffectiveCollisionPolicy() {
	case types.CronCollisionCancelNew:
		log.Job("cron", key.ToPath()).Info().Msg("cron fire dropped, existing run still active")
		return nil
	case types.CronCollisionRunOverlap:
		return m.runOverlap(job, active)
	default:
		return m.runKillExisting(job, active)
	}
}

func (m *Manager) runKillExisting(job types.JobConfiguration, active []types.ScheduledTask) error {
	path := job.Key.ToPath()

	m.mu.Lock()
	if m.pendingRuns[path] {
		m.mu.Unlock()
		return nil
	}
	m.pendingRuns[path] = true
	m.mu.Unlock()

	for _, t := range active {
		if _, err := m.state.ChangeState(t.ID(), types.ScheduleStatusKilling, "cron collision: kill existing"); err != nil {
			m.clearPending(path)
			return err
		}
	}

	m.wg.Add(1)
	go m.pollUntilTerminalThenInsert(job)
	return nil
}

func (m *Manager) clearPending(path string) {
	m.mu.Lock()
	delete(m.pendingRuns, path)
	m.mu.Unlock()
}

// pollUntilTerminalThenInsert polls with bounded exponential backoff until
// every shard of the previous run has left the active set, then inserts a
// fresh run. Exactly one of these runs per JobKey at a time, guarded by
// pendingRuns.
func (m *Manager) pollUntilTerminalThenInsert(job types.JobConfiguration) {
	defer m.wg.Done()
	defer m.clearPending(job.Key.ToPath())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialBackoff
	b.MaxInterval = m.maxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		select {
		case <-m.stopCh:
			return backoff.Permanent(errors.New("cron: shutting down"))
		default:
		}
		active, err := m.fetchActive(job.Key)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return errors.New("cron: previous run still active")
		}
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return
	}

	select {
	case <-m.stopCh:
		return
	default:
	}
	if err := m.materializeShards(job, 0, job.ShardCount); err != nil {
		log.Job("cron", job.Key.ToPath()).Error().Err(err).Msg("delayed cron re-run insert failed")
	}
}

// runOverlap implements RUN_OVERLAP: suppress the new fire if any existing
// shard is still PENDING, otherwise start the new run's shard numbering
// above the highest shard id currently in use.
//
// Open question (preserved intentionally, not "fixed"): shardOffset grows
// with every overlapping fire and is never reclaimed, so repeated overlaps
// against a slow-draining job produce shard ids past job.ShardCount-1 — the
// nominal shard id space. This mirrors the algorithm's original behavior;
// it is an accepted quirk of RUN_OVERLAP, not a bug to repair here.
func (m *Manager) runOverlap(job types.JobConfiguration, active []types.ScheduledTask) error {
	for _, t := range active {
		if t.Status == types.ScheduleStatusPending {
			log.Job("cron", job.Key.ToPath()).Info().Msg("cron overlap suppressed, a shard is still pending")
			return nil
		}
	}

	maxShard := -1
	for _, t := range active {
		if t.ShardID() > maxShard {
			maxShard = t.ShardID()
		}
	}
	return m.materializeShards(job, maxShard+1, job.ShardCount)
}

func (m *Manager) materializeShards(job types.JobConfiguration, offset, count int) error {
	for i := 0; i < count; i++ {
		cfg := job.TaskConfig.Clone()
		cfg.ShardID = offset + i
		types.ApplyDefaultsIfUnset(&cfg, job.Owner)
		if _, err := m.state.CreateTask(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fetchJob(key types.JobKey) (types.JobConfiguration, bool, error) {
	var job types.JobConfiguration
	var ok bool
	err := m.store.ConsistentRead("cron_fetch_job", func(provider storage.StoreProvider) error {
		var err error
		job, ok, err = provider.Jobs().FetchJob(key)
		return err
	})
	return job, ok, err
}

func (m *Manager) fetchActive(key types.JobKey) ([]types.ScheduledTask, error) {
	var active []types.ScheduledTask
	err := m.store.WeaklyConsistentRead("cron_fetch_active", func(provider storage.StoreProvider) error {
		var err error
		active, err = provider.Tasks().Fetch(query.ByJobKey(key).Active())
		return err
	})
	return active, err
}

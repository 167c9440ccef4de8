/*
Package state implements the task state machine: the single authoritative
place that moves a ScheduledTask between statuses, appends its TaskEvent
history, creates successor tasks on failure/service-restart, and arranges
for the driver to be told when an underlying process needs to be killed.

Every mutation runs inside one pkg/storage write critical section; nothing
in this package ever locks independently of Storage.Write.
*/
package state

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/log"
	"github.com/cuemby/shardsched/pkg/ports"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

// Manager is the task state machine.
type Manager struct {
	storage *storage.Storage
	driver  ports.Driver

	killQueue chan string
	stopCh    chan struct{}
}

// New constructs a Manager. Call Start before any ChangeState call that
// might enqueue a kill, so the dedicated kill-dispatch goroutine is
// running.
func New(store *storage.Storage, driver ports.Driver) *Manager {
	return &Manager{
		storage:   store,
		driver:    driver,
		killQueue: make(chan string, 256),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the kill-dispatch goroutine. Kills are always dispatched
// outside the storage write lock, on a dedicated goroutine, so a slow or
// blocked driver call can never stall a storage writer.
func (m *Manager) Start() {
	go m.runKillDispatch()
}

// Stop stops the kill-dispatch goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) runKillDispatch() {
	for {
		select {
		case id := <-m.killQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.driver.KillTask(ctx, id); err != nil {
				log.Task("state", id).Error().Err(err).Msg("driver kill failed")
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) enqueueKill(id string) {
	select {
	case m.killQueue <- id:
	default:
		log.Task("state", id).Warn().Msg("kill queue full, dropping")
	}
}

// CreateTask inserts a brand new task from cfg, running it through
// INIT -> PENDING, and returns the persisted record. Used by the scheduler
// admission path and by the cron manager when materializing shards; use
// Reschedule instead when creating a successor to an existing task.
func (m *Manager) CreateTask(cfg types.TaskConfig) (types.ScheduledTask, error) {
	var created types.ScheduledTask
	err := m.storage.Write("create_task", func(txn *storage.Txn) error {
		t, err := m.insertLocked(txn, cfg, "", 0)
		if err != nil {
			return err
		}
		created = t
		return nil
	})
	return created, err
}

func (m *Manager) insertLocked(txn *storage.Txn, cfg types.TaskConfig, ancestorID string, failureCount int) (types.ScheduledTask, error) {
	now := time.Now().UnixMilli()
	task := types.ScheduledTask{
		AssignedTask: types.AssignedTask{
			TaskID: uuid.New().String(),
			Task:   cfg,
		},
		Status:         types.ScheduleStatusInit,
		TaskEvents:     []types.TaskEvent{{TimestampMillis: now, Status: types.ScheduleStatusInit, Message: "created"}},
		AncestorTaskID: ancestorID,
		FailureCount:   failureCount,
	}
	task.TaskEvents = append(task.TaskEvents, types.TaskEvent{TimestampMillis: now, Status: types.ScheduleStatusPending})
	task.Status = types.ScheduleStatusPending

	if err := txn.Tasks().Save(task); err != nil {
		return types.ScheduledTask{}, err
	}
	txn.Enqueue(&events.Event{
		Type:     events.EventTaskStateChange,
		TaskID:   task.ID(),
		JobKey:   task.JobKey(),
		OldState: types.ScheduleStatusInit,
		NewState: types.ScheduleStatusPending,
	})
	return task, nil
}

// ChangeState attempts to move taskID to `to`. It returns (false, nil) for
// an unknown task id, an illegal transition, or a no-op KILLING request on
// an already-removed task — matching the "illegal transitions are logged
// and ignored, never fatal" error policy. It returns (true, nil) only when
// a visible change was committed.
func (m *Manager) ChangeState(taskID string, to types.ScheduleStatus, message string) (bool, error) {
	var changed bool
	var kills []string

	err := m.storage.Write("change_state", func(txn *storage.Txn) error {
		tasks, err := txn.Tasks().Fetch(query.ByTaskID(taskID))
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		task := tasks[0]

		// A PENDING task has no underlying process; killing it means
		// deleting it outright rather than transitioning through KILLING.
		if task.Status == types.ScheduleStatusPending && to == types.ScheduleStatusKilling {
			if err := txn.Tasks().Delete(task.ID()); err != nil {
				return err
			}
			txn.Enqueue(&events.Event{Type: events.EventTasksDeleted, TaskIDs: []string{task.ID()}, JobKey: task.JobKey()})
			changed = true
			return nil
		}

		if !isLegalTransition(task.Status, to) {
			log.Task("state", taskID).Warn().
				Str("from", string(task.Status)).
				Str("to", string(to)).
				Msg("illegal transition request ignored")
			return nil
		}

		old := task.Status
		task.Status = to
		task.TaskEvents = append(task.TaskEvents, types.TaskEvent{
			TimestampMillis: time.Now().UnixMilli(),
			Status:          to,
			Message:         message,
		})

		if err := txn.Tasks().Save(task); err != nil {
			return err
		}

		txn.Enqueue(&events.Event{
			Type:     events.EventTaskStateChange,
			TaskID:   task.ID(),
			JobKey:   task.JobKey(),
			OldState: old,
			NewState: to,
		})

		if requiresKill(to) {
			kills = append(kills, task.ID())
		}

		if err := m.maybeReschedule(txn, task, to); err != nil {
			return err
		}

		changed = true
		return nil
	})

	for _, id := range kills {
		m.enqueueKill(id)
	}
	return changed, err
}

// maybeReschedule implements the rescheduling rule: a non-service task that
// fails and has retries left, or a service task that reaches any terminal
// state while its job still exists, gets a fresh PENDING successor.
func (m *Manager) maybeReschedule(txn *storage.Txn, task types.ScheduledTask, to types.ScheduleStatus) error {
	cfg := task.AssignedTask.Task

	shouldRetryFailure := to == types.ScheduleStatusFailed &&
		!cfg.IsService &&
		task.FailureCount < cfg.MaxTaskFailures

	shouldRestartService := false
	if cfg.IsService && types.IsTerminal(to) {
		_, exists, err := txn.Jobs().FetchJob(task.JobKey())
		if err != nil {
			return err
		}
		shouldRestartService = exists
	}

	if !shouldRetryFailure && !shouldRestartService {
		return nil
	}

	failureCount := task.FailureCount
	if to == types.ScheduleStatusFailed {
		failureCount++
	}

	_, err := m.insertLocked(txn, cfg.Clone(), task.ID(), failureCount)
	return err
}

// HandleUnknownStatusUpdate implements the UNKNOWN rule: a driver-reported
// status update for a task id the scheduler does not track is treated as an
// instruction to kill that id, with no storage write.
func (m *Manager) HandleUnknownStatusUpdate(taskID string) {
	m.enqueueKill(taskID)
}

// Exists reports whether taskID is currently tracked.
func (m *Manager) Exists(taskID string) (bool, error) {
	var found bool
	err := m.storage.ConsistentRead("task_exists", func(provider storage.StoreProvider) error {
		tasks, err := provider.Tasks().Fetch(query.ByTaskID(taskID))
		if err != nil {
			return err
		}
		found = len(tasks) > 0
		return nil
	})
	return found, err
}

// AssignTask transitions a PENDING task to ASSIGNED, fixing its host,
// slave id, and allocated ports in the same write. It returns (false, nil)
// if the task is not currently PENDING (a stale or duplicate assignment
// attempt), matching the transition table's illegal-transition policy.
func (m *Manager) AssignTask(taskID, host, slaveID string, allocatedPorts map[string]uint16) (bool, error) {
	var changed bool
	err := m.storage.Write("assign_task", func(txn *storage.Txn) error {
		tasks, err := txn.Tasks().Fetch(query.ByTaskID(taskID))
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		task := tasks[0]
		if !isLegalTransition(task.Status, types.ScheduleStatusAssigned) {
			return nil
		}

		task.AssignedTask.SlaveHost = host
		task.AssignedTask.SlaveID = slaveID
		task.AssignedTask.AssignedPorts = allocatedPorts
		old := task.Status
		task.Status = types.ScheduleStatusAssigned
		task.TaskEvents = append(task.TaskEvents, types.TaskEvent{
			TimestampMillis: time.Now().UnixMilli(),
			Status:          types.ScheduleStatusAssigned,
		})

		if err := txn.Tasks().Save(task); err != nil {
			return err
		}
		txn.Enqueue(&events.Event{
			Type:     events.EventTaskStateChange,
			TaskID:   task.ID(),
			JobKey:   task.JobKey(),
			OldState: old,
			NewState: types.ScheduleStatusAssigned,
		})
		changed = true
		return nil
	})
	return changed, err
}

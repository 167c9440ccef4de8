package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/ports"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

func fetchAll(t *testing.T, store *storage.Storage) []types.ScheduledTask {
	t.Helper()
	var tasks []types.ScheduledTask
	err := store.ConsistentRead("test_fetch_all", func(provider storage.StoreProvider) error {
		var err error
		tasks, err = provider.Tasks().Fetch(query.New())
		return err
	})
	require.NoError(t, err)
	return tasks
}

func newTestManager(t *testing.T) (*Manager, *storage.Storage, *ports.FakeDriver) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store := storage.New(storage.NewMemStore(), broker)
	driver := ports.NewFakeDriver()
	mgr := New(store, driver)
	mgr.Start()
	t.Cleanup(mgr.Stop)
	return mgr, store, driver
}

func sampleTaskConfig() types.TaskConfig {
	return types.TaskConfig{
		Owner:           types.Identity{Role: "role1", User: "user1"},
		Environment:     "prod",
		JobName:         "job1",
		NumCPUs:         1,
		RAMMB:           512,
		DiskMB:          1024,
		IsService:       true,
		IsProduction:    true,
		MaxTaskFailures: 2,
	}
}

func TestCreateTaskStartsPending(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	task, err := mgr.CreateTask(sampleTaskConfig())
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleStatusPending, task.Status)
	assert.Len(t, task.TaskEvents, 2)
	assert.Equal(t, types.ScheduleStatusInit, task.TaskEvents[0].Status)
	assert.Equal(t, types.ScheduleStatusPending, task.TaskEvents[1].Status)
}

func TestChangeStatePendingToKillingDeletesTask(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	task, err := mgr.CreateTask(sampleTaskConfig())
	require.NoError(t, err)

	changed, err := mgr.ChangeState(task.ID(), types.ScheduleStatusKilling, "cancelled")
	require.NoError(t, err)
	assert.True(t, changed)

	exists, err := mgr.Exists(task.ID())
	require.NoError(t, err)
	assert.False(t, exists, "a PENDING task killed outright should be deleted, not transitioned")
}

func TestChangeStateIllegalTransitionIgnored(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	task, err := mgr.CreateTask(sampleTaskConfig())
	require.NoError(t, err)

	// PENDING -> FINISHED is not in the transition table.
	changed, err := mgr.ChangeState(task.ID(), types.ScheduleStatusFinished, "bogus")
	require.NoError(t, err)
	assert.False(t, changed)

	exists, err := mgr.Exists(task.ID())
	require.NoError(t, err)
	assert.True(t, exists, "an illegal transition must be ignored, never delete the task")
}

func TestChangeStateUnknownTaskIDIsNoop(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	changed, err := mgr.ChangeState("does-not-exist", types.ScheduleStatusKilling, "")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAssignTaskFixesPortsAndHost(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	task, err := mgr.CreateTask(sampleTaskConfig())
	require.NoError(t, err)

	allocated := map[string]uint16{"http": 31000}
	changed, err := mgr.AssignTask(task.ID(), "host-1", "slave-1", allocated)
	require.NoError(t, err)
	assert.True(t, changed)

	// A second assignment attempt on an already-ASSIGNED task is illegal.
	changed, err = mgr.AssignTask(task.ID(), "host-2", "slave-2", allocated)
	require.NoError(t, err)
	assert.False(t, changed)

	tasks := fetchAll(t, mgr.storage)
	require.Len(t, tasks, 1)
	assert.Equal(t, "host-1", tasks[0].AssignedTask.SlaveHost)
	assert.Equal(t, allocated, tasks[0].AssignedTask.AssignedPorts)
}

func TestRescheduleOnFailureWithRetriesLeft(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	cfg := sampleTaskConfig()
	cfg.IsService = false
	cfg.MaxTaskFailures = 3
	task, err := mgr.CreateTask(cfg)
	require.NoError(t, err)

	_, err = mgr.AssignTask(task.ID(), "host-1", "slave-1", nil)
	require.NoError(t, err)
	_, err = mgr.ChangeState(task.ID(), types.ScheduleStatusStarting, "")
	require.NoError(t, err)
	_, err = mgr.ChangeState(task.ID(), types.ScheduleStatusRunning, "")
	require.NoError(t, err)
	_, err = mgr.ChangeState(task.ID(), types.ScheduleStatusFailed, "crashed")
	require.NoError(t, err)

	tasks := fetchAll(t, mgr.storage)

	var successor *types.ScheduledTask
	for i := range tasks {
		if tasks[i].AncestorTaskID == task.ID() {
			successor = &tasks[i]
		}
	}
	require.NotNil(t, successor, "a failed non-service task with retries left must get a PENDING successor")
	assert.Equal(t, types.ScheduleStatusPending, successor.Status)
	assert.Equal(t, 1, successor.FailureCount)
}

func TestRescheduleServiceTaskOnTerminalStateWhileJobExists(t *testing.T) {
	mgr, store, _ := newTestManager(t)

	cfg := sampleTaskConfig()
	task, err := mgr.CreateTask(cfg)
	require.NoError(t, err)

	err = store.Write("save_job", func(txn *storage.Txn) error {
		return txn.Jobs().SaveJob(types.JobConfiguration{
			Key:        cfg.JobKey(),
			Owner:      cfg.Owner,
			TaskConfig: cfg,
			ShardCount: 1,
		})
	})
	require.NoError(t, err)

	_, err = mgr.AssignTask(task.ID(), "host-1", "slave-1", nil)
	require.NoError(t, err)
	_, err = mgr.ChangeState(task.ID(), types.ScheduleStatusStarting, "")
	require.NoError(t, err)
	_, err = mgr.ChangeState(task.ID(), types.ScheduleStatusRunning, "")
	require.NoError(t, err)
	_, err = mgr.ChangeState(task.ID(), types.ScheduleStatusFinished, "done")
	require.NoError(t, err)

	tasks := fetchAll(t, store)

	var successor *types.ScheduledTask
	for i := range tasks {
		if tasks[i].AncestorTaskID == task.ID() {
			successor = &tasks[i]
		}
	}
	require.NotNil(t, successor, "a service task reaching a terminal state must be restarted while its job still exists")
	assert.Equal(t, types.ScheduleStatusPending, successor.Status)
}

func TestHandleUnknownStatusUpdateEnqueuesKillWithoutStorageWrite(t *testing.T) {
	mgr, store, driver := newTestManager(t)

	mgr.HandleUnknownStatusUpdate("ghost-task")

	require.Eventually(t, func() bool {
		for _, id := range driver.KilledTaskIDs() {
			if id == "ghost-task" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "unknown task id must be killed via the driver")

	assert.Empty(t, fetchAll(t, store), "handling an unknown status update must never write to storage")
}

package update

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/ports"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/state"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

func newTestUpdateManager(t *testing.T) (*Manager, *storage.Storage, *state.Manager) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store := storage.New(storage.NewMemStore(), broker)
	st := state.New(store, ports.NewFakeDriver())
	st.Start()
	t.Cleanup(st.Stop)

	return New(store, st), store, st
}

func taskConfigFor(key types.JobKey, shard int) types.TaskConfig {
	return types.TaskConfig{
		Owner:       types.Identity{Role: key.Role, User: "u"},
		Environment: key.Environment,
		JobName:     key.Name,
		ShardID:     shard,
		NumCPUs:     1,
		RAMMB:       64,
		DiskMB:      64,
		IsService:   true,
	}
}

func TestRegisterUpdateReturnsUsableToken(t *testing.T) {
	mgr, _, _ := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	oldCfg := taskConfigFor(key, 0)
	newCfg := taskConfigFor(key, 0)
	newCfg.RAMMB = 128

	token, err := mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 0, OldConfig: &oldCfg, NewConfig: &newCfg}})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestModifyShardsForwardKillsOldCreatesNewUpdating(t *testing.T) {
	mgr, store, st := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	oldCfg := taskConfigFor(key, 0)
	newCfg := taskConfigFor(key, 0)
	newCfg.RAMMB = 128

	existing, err := st.CreateTask(oldCfg)
	require.NoError(t, err)
	_, err = st.AssignTask(existing.ID(), "host-1", "slave-1", nil)
	require.NoError(t, err)

	token, err := mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 0, OldConfig: &oldCfg, NewConfig: &newCfg}})
	require.NoError(t, err)

	results, err := mgr.ModifyShards(key, "user1", []int{0}, token, true)
	require.NoError(t, err)
	assert.Equal(t, ShardRestarting, results[0])

	var updated types.ScheduledTask
	err = store.ConsistentRead("check", func(provider storage.StoreProvider) error {
		tasks, err := provider.Tasks().Fetch(query.ByTaskID(existing.ID()))
		if err != nil {
			return err
		}
		require.Len(t, tasks, 1)
		updated = tasks[0]
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleStatusUpdating, updated.Status)
}

func TestModifyShardsAddsMissingShard(t *testing.T) {
	mgr, store, _ := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	newCfg := taskConfigFor(key, 1)

	token, err := mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 1, OldConfig: nil, NewConfig: &newCfg}})
	require.NoError(t, err)

	results, err := mgr.ModifyShards(key, "user1", []int{1}, token, true)
	require.NoError(t, err)
	assert.Equal(t, ShardAdded, results[1])

	active := fetchActiveForTest(t, store, key)
	require.Len(t, active, 1)
	assert.Equal(t, types.ScheduleStatusPending, active[0].Status)
}

func TestModifyShardsRemovesShardOutright(t *testing.T) {
	mgr, store, st := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	oldCfg := taskConfigFor(key, 2)

	existing, err := st.CreateTask(oldCfg)
	require.NoError(t, err)

	token, err := mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 2, OldConfig: &oldCfg, NewConfig: nil}})
	require.NoError(t, err)

	results, err := mgr.ModifyShards(key, "user1", []int{2}, token, true)
	require.NoError(t, err)
	assert.Equal(t, ShardCompleted, results[2])

	exists, err := st.Exists(existing.ID())
	require.NoError(t, err)
	assert.False(t, exists, "removing a shard whose task was PENDING must delete it outright")
	_ = store
}

func TestModifyShardsRejectsTokenMismatch(t *testing.T) {
	mgr, _, _ := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	oldCfg := taskConfigFor(key, 0)
	newCfg := taskConfigFor(key, 0)

	_, err := mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 0, OldConfig: &oldCfg, NewConfig: &newCfg}})
	require.NoError(t, err)

	_, err = mgr.ModifyShards(key, "user1", []int{0}, "wrong-token", true)
	require.Error(t, err)
	var ue *UpdateException
	require.ErrorAs(t, err, &ue)
}

func TestModifyShardsBackwardUsesRollback(t *testing.T) {
	mgr, store, st := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	oldCfg := taskConfigFor(key, 0)
	newCfg := taskConfigFor(key, 0)
	newCfg.RAMMB = 128

	current, err := st.CreateTask(newCfg)
	require.NoError(t, err)
	_, err = st.AssignTask(current.ID(), "host-1", "slave-1", nil)
	require.NoError(t, err)

	token, err := mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 0, OldConfig: &oldCfg, NewConfig: &newCfg}})
	require.NoError(t, err)

	_, err = mgr.ModifyShards(key, "user1", []int{0}, token, false)
	require.NoError(t, err)

	var updated types.ScheduledTask
	err = store.ConsistentRead("check", func(provider storage.StoreProvider) error {
		tasks, err := provider.Tasks().Fetch(query.ByTaskID(current.ID()))
		if err != nil {
			return err
		}
		require.Len(t, tasks, 1)
		updated = tasks[0]
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleStatusRollback, updated.Status)
}

func TestFinishUpdateFailsWhileShardsStillUpdating(t *testing.T) {
	mgr, _, st := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	cfg := taskConfigFor(key, 0)
	task, err := st.CreateTask(cfg)
	require.NoError(t, err)
	_, err = st.AssignTask(task.ID(), "host-1", "slave-1", nil)
	require.NoError(t, err)
	_, err = st.ChangeState(task.ID(), types.ScheduleStatusUpdating, "rolling")
	require.NoError(t, err)

	newCfg := cfg
	_, err = mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 0, OldConfig: &cfg, NewConfig: &newCfg}})
	require.NoError(t, err)

	_, err = mgr.FinishUpdate(key, "user1", "", UpdateSuccess, false)
	require.Error(t, err)
}

func TestFinishUpdateNoOpWhenNoUpdateRegistered(t *testing.T) {
	mgr, _, _ := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}

	finished, err := mgr.FinishUpdate(key, "user1", "", UpdateSuccess, false)
	require.NoError(t, err)
	assert.False(t, finished)
}

func TestFinishUpdateErrorsWhenExpectedButMissing(t *testing.T) {
	mgr, _, _ := newTestUpdateManager(t)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}

	_, err := mgr.FinishUpdate(key, "user1", "", UpdateSuccess, true)
	require.Error(t, err)
}

func TestFinishUpdatePublishesUpdateFinishedEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store := storage.New(storage.NewMemStore(), broker)
	st := state.New(store, ports.NewFakeDriver())
	st.Start()
	t.Cleanup(st.Stop)
	mgr := New(store, st)

	key := types.JobKey{Role: "role1", Environment: "prod", Name: "job1"}
	cfg := taskConfigFor(key, 0)
	_, err := mgr.RegisterUpdate(key, []types.ShardUpdateConfig{{ShardID: 0, OldConfig: &cfg, NewConfig: &cfg}})
	require.NoError(t, err)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	finished, err := mgr.FinishUpdate(key, "user1", "", UpdateSuccess, true)
	require.NoError(t, err)
	assert.True(t, finished)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventUpdateFinished, ev.Type)
		assert.Equal(t, key, ev.JobKey)
		assert.Equal(t, "user1", ev.User)
		assert.Equal(t, string(UpdateSuccess), ev.UpdateResult)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update.finished event")
	}
}

func fetchActiveForTest(t *testing.T, store *storage.Storage, key types.JobKey) []types.ScheduledTask {
	t.Helper()
	var active []types.ScheduledTask
	err := store.ConsistentRead("test_fetch_active", func(provider storage.StoreProvider) error {
		var err error
		active, err = provider.Tasks().Fetch(query.ByJobKey(key).Active())
		return err
	})
	require.NoError(t, err)
	return active
}

package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

func newTestAccountant(t *testing.T) (*Accountant, *storage.Storage) {
	t.Helper()
	store := storage.New(storage.NewMemStore(), nil)
	return New(store), store
}

func TestCheckAvailableNonProductionAlwaysPasses(t *testing.T) {
	a, _ := newTestAccountant(t)

	ok, err := a.CheckAvailable("role1", types.TaskConfig{IsProduction: false, NumCPUs: 1000})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAvailableUnknownRoleRejected(t *testing.T) {
	a, _ := newTestAccountant(t)

	ok, err := a.CheckAvailable("ghost-role", types.TaskConfig{IsProduction: true, NumCPUs: 1})
	require.NoError(t, err)
	assert.False(t, ok, "a role with no quota record must be treated as having none available")
}

func TestCheckAvailableWithinQuotaPasses(t *testing.T) {
	a, store := newTestAccountant(t)

	err := store.Write("seed_quota", func(txn *storage.Txn) error {
		return txn.Quotas().SaveQuota("role1", types.Quota{CPU: 4, RAMMB: 4096, DiskMB: 8192})
	})
	require.NoError(t, err)

	ok, err := a.CheckAvailable("role1", types.TaskConfig{IsProduction: true, NumCPUs: 2, RAMMB: 1024, DiskMB: 2048})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAvailableExceedsQuotaAfterExistingConsumption(t *testing.T) {
	a, store := newTestAccountant(t)

	err := store.Write("seed_quota", func(txn *storage.Txn) error {
		return txn.Quotas().SaveQuota("role1", types.Quota{CPU: 2, RAMMB: 2048, DiskMB: 4096})
	})
	require.NoError(t, err)

	existing := types.ScheduledTask{
		AssignedTask: types.AssignedTask{
			TaskID: "existing",
			Task:   types.TaskConfig{Owner: types.Identity{Role: "role1"}, IsProduction: true, NumCPUs: 1.5, RAMMB: 1024, DiskMB: 1024},
		},
		Status:     types.ScheduleStatusRunning,
		TaskEvents: []types.TaskEvent{{Status: types.ScheduleStatusRunning}},
	}
	err = store.Write("seed_task", func(txn *storage.Txn) error {
		return txn.Tasks().Save(existing)
	})
	require.NoError(t, err)

	ok, err := a.CheckAvailable("role1", types.TaskConfig{Owner: types.Identity{Role: "role1"}, IsProduction: true, NumCPUs: 1, RAMMB: 256, DiskMB: 256})
	require.NoError(t, err)
	assert.False(t, ok, "1.5 already-consumed CPUs + 1 requested CPU exceeds the 2 CPU quota")
}

func TestCheckAvailableIgnoresNonProductionConsumption(t *testing.T) {
	a, store := newTestAccountant(t)

	err := store.Write("seed_quota", func(txn *storage.Txn) error {
		return txn.Quotas().SaveQuota("role1", types.Quota{CPU: 1, RAMMB: 1024, DiskMB: 1024})
	})
	require.NoError(t, err)

	nonProd := types.ScheduledTask{
		AssignedTask: types.AssignedTask{
			TaskID: "non-prod",
			Task:   types.TaskConfig{Owner: types.Identity{Role: "role1"}, IsProduction: false, NumCPUs: 10},
		},
		Status:     types.ScheduleStatusRunning,
		TaskEvents: []types.TaskEvent{{Status: types.ScheduleStatusRunning}},
	}
	err = store.Write("seed_task", func(txn *storage.Txn) error {
		return txn.Tasks().Save(nonProd)
	})
	require.NoError(t, err)

	ok, err := a.CheckAvailable("role1", types.TaskConfig{Owner: types.Identity{Role: "role1"}, IsProduction: true, NumCPUs: 1})
	require.NoError(t, err)
	assert.True(t, ok, "a non-production task's resources must not count against the role's production quota")
}

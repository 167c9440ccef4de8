/*
Package quota implements admission's production-quota check: does this
production task fit under its role's configured ceiling. It deliberately
does not do full quota arithmetic (consumed-vs-granted ledgers, quota
transfer between roles) — that bookkeeping is out of scope for this module;
only a feasibility check in front of admission is provided.
*/
package quota

import (
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

// Accountant answers whether a role has room under its quota for one more
// production task.
type Accountant struct {
	store *storage.Storage
}

// New returns an Accountant backed by store.
func New(store *storage.Storage) *Accountant {
	return &Accountant{store: store}
}

// CheckAvailable reports whether role has enough unused quota to admit
// task. Non-production tasks never consume quota and always pass. A role
// with no quota record configured is treated as having none available,
// so a production task for an unknown role is rejected rather than
// silently admitted.
func (a *Accountant) CheckAvailable(role string, task types.TaskConfig) (bool, error) {
	if !task.IsProduction {
		return true, nil
	}

	quota, ok, err := a.fetchQuota(role)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	used, err := a.consumed(role)
	if err != nil {
		return false, err
	}

	want := types.ResourcesFromTask(task)
	return used.CPU+want.CPU <= quota.CPU &&
		used.RAMMB+want.RAMMB <= quota.RAMMB &&
		used.DiskMB+want.DiskMB <= quota.DiskMB, nil
}

// consumed sums the resources of role's active production tasks.
func (a *Accountant) consumed(role string) (types.Resources, error) {
	var used types.Resources
	err := a.store.WeaklyConsistentRead("quota_consumed", func(provider storage.StoreProvider) error {
		tasks, err := provider.Tasks().Fetch(query.New().WithRole(role).Active())
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.AssignedTask.Task.IsProduction {
				used = addResources(used, types.ResourcesFromTask(t.AssignedTask.Task))
			}
		}
		return nil
	})
	return used, err
}

func addResources(a, b types.Resources) types.Resources {
	return types.Resources{
		CPU:   a.CPU + b.CPU,
		RAMMB: a.RAMMB + b.RAMMB,
		DiskMB: a.DiskMB + b.DiskMB,
		Ports: a.Ports + b.Ports,
	}
}

func (a *Accountant) fetchQuota(role string) (types.Quota, bool, error) {
	var q types.Quota
	var ok bool
	err := a.store.ConsistentRead("quota_fetch", func(provider storage.StoreProvider) error {
		var err error
		q, ok, err = provider.Quotas().FetchQuota(role)
		return err
	})
	return q, ok, err
}

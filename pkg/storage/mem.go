package storage

import (
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/types"
)

// MemStore is a process-lifetime StoreProvider. It keeps every record as a
// plain Go map and hands out deep copies on every read so that a caller
// mutating a returned value can never corrupt the store's own state — the
// same discipline the original in-memory task store used its own copy
// helper for, rather than trusting callers to treat reads as read-only.
//
// MemStore performs no locking of its own: callers reach it only through
// Storage, which already serializes writes and bounds reads to a single
// consistent snapshot.
type MemStore struct {
	tasks      map[string]types.ScheduledTask
	tasksByJob map[types.JobKey]map[string]bool

	jobs map[types.JobKey]types.JobConfiguration

	updates map[types.JobKey]types.UpdateConfiguration

	quotas map[string]types.Quota

	attrs map[string]types.HostAttributes
}

// NewMemStore returns an empty in-memory backend.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:      make(map[string]types.ScheduledTask),
		tasksByJob: make(map[types.JobKey]map[string]bool),
		jobs:       make(map[types.JobKey]types.JobConfiguration),
		updates:    make(map[types.JobKey]types.UpdateConfiguration),
		quotas:     make(map[string]types.Quota),
		attrs:      make(map[string]types.HostAttributes),
	}
}

func (m *MemStore) Tasks() TaskStore           { return (*memTasks)(m) }
func (m *MemStore) Jobs() JobStore             { return (*memJobs)(m) }
func (m *MemStore) Updates() UpdateStore       { return (*memUpdates)(m) }
func (m *MemStore) Quotas() QuotaStore         { return (*memQuotas)(m) }
func (m *MemStore) Attributes() AttributeStore { return (*memAttrs)(m) }
func (m *MemStore) Close() error               { return nil }

type memTasks MemStore

func (m *memTasks) Save(tasks ...types.ScheduledTask) error {
	for _, t := range tasks {
		id := t.ID()
		if old, ok := m.tasks[id]; ok {
			oldKey := old.JobKey()
			newKey := t.JobKey()
			if oldKey != newKey {
				delete(m.tasksByJob[oldKey], id)
			}
		}
		m.tasks[id] = t.Clone()

		key := t.JobKey()
		if m.tasksByJob[key] == nil {
			m.tasksByJob[key] = make(map[string]bool)
		}
		m.tasksByJob[key][id] = true
	}
	return nil
}

func (m *memTasks) Fetch(q *query.Query) ([]types.ScheduledTask, error) {
	var candidates map[string]types.ScheduledTask

	switch {
	// If the query pins specific task ids, look each one up directly in the
	// primary map rather than scanning — the common case for state-change
	// call sites, which operate task-at-a-time or on a small explicit set.
	case q != nil && len(q.TaskIDs) > 0:
		candidates = make(map[string]types.ScheduledTask, len(q.TaskIDs))
		for id := range q.TaskIDs {
			if t, ok := m.tasks[id]; ok {
				candidates[id] = t
			}
		}
	// If the query names exactly one job, scan only that job's index rather
	// than the full task map — the case for the cron manager, the LIMIT
	// constraint filter and the update manager, which query one job's tasks.
	case q != nil && q.OwnerRole != "" && q.Environment != "" && q.JobName != "":
		key := types.JobKey{Role: q.OwnerRole, Environment: q.Environment, Name: q.JobName}
		candidates = make(map[string]types.ScheduledTask, len(m.tasksByJob[key]))
		for id := range m.tasksByJob[key] {
			candidates[id] = m.tasks[id]
		}
	default:
		candidates = m.tasks
	}

	var out []types.ScheduledTask
	for _, t := range candidates {
		if q == nil || q.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *memTasks) Delete(taskIDs ...string) error {
	for _, id := range taskIDs {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		delete(m.tasksByJob[t.JobKey()], id)
		delete(m.tasks, id)
	}
	return nil
}

type memJobs MemStore

func (m *memJobs) SaveJob(job types.JobConfiguration) error {
	m.jobs[job.Key] = job
	return nil
}

func (m *memJobs) FetchJob(key types.JobKey) (types.JobConfiguration, bool, error) {
	job, ok := m.jobs[key]
	return job, ok, nil
}

func (m *memJobs) FetchJobs() ([]types.JobConfiguration, error) {
	out := make([]types.JobConfiguration, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memJobs) DeleteJob(key types.JobKey) error {
	delete(m.jobs, key)
	return nil
}

type memUpdates MemStore

func (m *memUpdates) SaveUpdate(update types.UpdateConfiguration) error {
	m.updates[update.JobKey] = update
	return nil
}

func (m *memUpdates) FetchUpdate(key types.JobKey) (types.UpdateConfiguration, bool, error) {
	u, ok := m.updates[key]
	return u, ok, nil
}

func (m *memUpdates) DeleteUpdate(key types.JobKey) error {
	delete(m.updates, key)
	return nil
}

type memQuotas MemStore

func (m *memQuotas) SaveQuota(role string, quota types.Quota) error {
	m.quotas[role] = quota
	return nil
}

func (m *memQuotas) FetchQuota(role string) (types.Quota, bool, error) {
	q, ok := m.quotas[role]
	return q, ok, nil
}

type memAttrs MemStore

func (m *memAttrs) SaveHostAttributes(attrs types.HostAttributes) error {
	m.attrs[attrs.Host] = attrs.Clone()
	return nil
}

func (m *memAttrs) FetchHostAttributes(host string) (types.HostAttributes, bool, error) {
	a, ok := m.attrs[host]
	return a, ok, nil
}

func (m *memAttrs) FetchAllHostAttributes() ([]types.HostAttributes, error) {
	out := make([]types.HostAttributes, 0, len(m.attrs))
	for _, a := range m.attrs {
		out = append(out, a)
	}
	return out, nil
}

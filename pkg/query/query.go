// Package query defines the filter expression used to select
// ScheduledTasks out of storage. A Query is built up with the fluent
// setters below and interpreted by pkg/storage; it has no behavior of its
// own beyond matching a single task record.
package query

import "github.com/cuemby/shardsched/pkg/types"

// Query selects a subset of tasks. A nil/empty field means "don't filter on
// this dimension" — a zero-value Query matches every task.
type Query struct {
	TaskIDs     map[string]bool
	OwnerRole   string
	Environment string
	JobName     string
	ShardIDs    map[int]bool
	SlaveHost   string
	Statuses    map[types.ScheduleStatus]bool
}

// ByTaskID constrains the query to a single task id.
func ByTaskID(id string) *Query {
	return &Query{TaskIDs: map[string]bool{id: true}}
}

// ByTaskIDs constrains the query to the given task ids.
func ByTaskIDs(ids ...string) *Query {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return &Query{TaskIDs: set}
}

// ByJobKey constrains the query to a single job.
func ByJobKey(key types.JobKey) *Query {
	return &Query{OwnerRole: key.Role, Environment: key.Environment, JobName: key.Name}
}

// New returns an unconstrained query, for callers that build up filters with
// the With* methods directly.
func New() *Query {
	return &Query{}
}

// WithRole scopes the query to a role.
func (q *Query) WithRole(role string) *Query {
	q.OwnerRole = role
	return q
}

// WithEnvironment scopes the query to an environment.
func (q *Query) WithEnvironment(env string) *Query {
	q.Environment = env
	return q
}

// WithJobName scopes the query to a job name.
func (q *Query) WithJobName(name string) *Query {
	q.JobName = name
	return q
}

// WithShardIDs scopes the query to the given shard ordinals.
func (q *Query) WithShardIDs(shards ...int) *Query {
	set := make(map[int]bool, len(shards))
	for _, s := range shards {
		set[s] = true
	}
	q.ShardIDs = set
	return q
}

// WithSlaveHost scopes the query to tasks assigned to a single host.
func (q *Query) WithSlaveHost(host string) *Query {
	q.SlaveHost = host
	return q
}

// WithStatuses scopes the query to the given statuses.
func (q *Query) WithStatuses(statuses ...types.ScheduleStatus) *Query {
	set := make(map[types.ScheduleStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	q.Statuses = set
	return q
}

// Active restricts the query to every non-terminal status. It is the most
// common scoping used by the scheduler and preempter, which never care
// about FINISHED/FAILED/KILLED/LOST tasks.
func (q *Query) Active() *Query {
	return q.WithStatuses(
		types.ScheduleStatusInit,
		types.ScheduleStatusPending,
		types.ScheduleStatusAssigned,
		types.ScheduleStatusStarting,
		types.ScheduleStatusRunning,
		types.ScheduleStatusKilling,
		types.ScheduleStatusPreempting,
		types.ScheduleStatusRestarting,
		types.ScheduleStatusUpdating,
		types.ScheduleStatusRollback,
	)
}

// Matches reports whether task satisfies every constraint set on q.
func (q *Query) Matches(task types.ScheduledTask) bool {
	if len(q.TaskIDs) > 0 && !q.TaskIDs[task.ID()] {
		return false
	}
	if q.OwnerRole != "" && task.AssignedTask.Task.Owner.Role != q.OwnerRole {
		return false
	}
	if q.Environment != "" && task.AssignedTask.Task.Environment != q.Environment {
		return false
	}
	if q.JobName != "" && task.AssignedTask.Task.JobName != q.JobName {
		return false
	}
	if len(q.ShardIDs) > 0 && !q.ShardIDs[task.ShardID()] {
		return false
	}
	if q.SlaveHost != "" && task.AssignedTask.SlaveHost != q.SlaveHost {
		return false
	}
	if len(q.Statuses) > 0 && !q.Statuses[task.Status] {
		return false
	}
	return true
}

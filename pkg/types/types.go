package types

import (
	"fmt"
	"regexp"
)

// ScheduleStatus is the authoritative status of a ScheduledTask.
type ScheduleStatus string

const (
	ScheduleStatusInit       ScheduleStatus = "INIT"
	ScheduleStatusPending    ScheduleStatus = "PENDING"
	ScheduleStatusAssigned   ScheduleStatus = "ASSIGNED"
	ScheduleStatusStarting   ScheduleStatus = "STARTING"
	ScheduleStatusRunning    ScheduleStatus = "RUNNING"
	ScheduleStatusFinished   ScheduleStatus = "FINISHED"
	ScheduleStatusFailed     ScheduleStatus = "FAILED"
	ScheduleStatusKilled     ScheduleStatus = "KILLED"
	ScheduleStatusKilling    ScheduleStatus = "KILLING"
	ScheduleStatusPreempting ScheduleStatus = "PREEMPTING"
	ScheduleStatusRestarting ScheduleStatus = "RESTARTING"
	ScheduleStatusLost       ScheduleStatus = "LOST"
	ScheduleStatusUpdating   ScheduleStatus = "UPDATING"
	ScheduleStatusRollback   ScheduleStatus = "ROLLBACK"
	// ScheduleStatusUnknown is reported by the driver for a task id the
	// scheduler does not track; it is never persisted as a task's status.
	ScheduleStatusUnknown ScheduleStatus = "UNKNOWN"
)

// terminalStatuses have no outgoing transitions except deletion.
var terminalStatuses = map[ScheduleStatus]bool{
	ScheduleStatusFinished: true,
	ScheduleStatusFailed:   true,
	ScheduleStatusKilled:   true,
	ScheduleStatusLost:     true,
}

// IsTerminal reports whether status is one of FINISHED, FAILED, KILLED, LOST.
func IsTerminal(status ScheduleStatus) bool {
	return terminalStatuses[status]
}

// IsActive reports whether status is not terminal.
func IsActive(status ScheduleStatus) bool {
	return !IsTerminal(status)
}

// Identity identifies the owner of a job: the role (service account / posix
// group the job runs as) and the user who submitted it.
type Identity struct {
	Role string
	User string
}

// identifierPattern is the admission identifier pattern.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9._-]{0,254}$`)

// ValidIdentifier reports whether s is an acceptable role/environment/name
// component.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// JobKey uniquely identifies a job by role, environment, and name.
type JobKey struct {
	Role        string
	Environment string
	Name        string
}

// ToPath renders the canonical role/environment/name path form.
func (k JobKey) ToPath() string {
	return fmt.Sprintf("%s/%s/%s", k.Role, k.Environment, k.Name)
}

// Valid reports whether every component of the key is a valid identifier.
func (k JobKey) Valid() bool {
	return ValidIdentifier(k.Role) && ValidIdentifier(k.Environment) && ValidIdentifier(k.Name)
}

// ConstraintVariant distinguishes a VALUE constraint from a LIMIT constraint.
type ConstraintVariant int

const (
	ConstraintValue ConstraintVariant = iota
	ConstraintLimit
)

// Constraint restricts which hosts a task may be placed on. VALUE constraints
// match (or, if Negated, exclude) a host attribute against a value set; LIMIT
// constraints cap how many of the job's own tasks may share an attribute
// value across the cluster.
type Constraint struct {
	Name    string
	Variant ConstraintVariant

	Negated bool
	Values  map[string]bool

	Limit int
}

// DedicatedAttribute is the well-known host attribute name reserved for
// dedicating a host to a single role/job.
const DedicatedAttribute = "dedicated"

// Built-in constraint names used when materializing the default constraints.
const (
	HostConstraint = "host"
	RackConstraint = "rack"
)

// TaskConfig is the immutable template a task instance is stamped from.
type TaskConfig struct {
	Owner       Identity
	Environment string
	JobName     string
	ShardID     int

	NumCPUs float64
	RAMMB   int64
	DiskMB  int64

	RequestedPorts map[string]bool
	Constraints    []Constraint

	IsService       bool
	IsProduction    bool
	Priority        int
	MaxTaskFailures int
	ContactEmail    string

	// ThermosConfig is an opaque, codec-encoded execution payload; the core
	// never interprets its contents.
	ThermosConfig []byte

	TaskLinks map[string]string
}

// JobKey derives the owning job's key from the embedded owner/environment/
// name triple.
func (c TaskConfig) JobKey() JobKey {
	return JobKey{Role: c.Owner.Role, Environment: c.Environment, Name: c.JobName}
}

// Clone returns a deep copy of c so callers may freely mutate the result.
func (c TaskConfig) Clone() TaskConfig {
	clone := c
	if c.RequestedPorts != nil {
		clone.RequestedPorts = make(map[string]bool, len(c.RequestedPorts))
		for k, v := range c.RequestedPorts {
			clone.RequestedPorts[k] = v
		}
	}
	if c.Constraints != nil {
		clone.Constraints = make([]Constraint, len(c.Constraints))
		for i, cons := range c.Constraints {
			cc := cons
			if cons.Values != nil {
				cc.Values = make(map[string]bool, len(cons.Values))
				for k, v := range cons.Values {
					cc.Values[k] = v
				}
			}
			clone.Constraints[i] = cc
		}
	}
	if c.ThermosConfig != nil {
		clone.ThermosConfig = append([]byte(nil), c.ThermosConfig...)
	}
	if c.TaskLinks != nil {
		clone.TaskLinks = make(map[string]string, len(c.TaskLinks))
		for k, v := range c.TaskLinks {
			clone.TaskLinks[k] = v
		}
	}
	return clone
}

// HasConstraint reports whether a constraint with the given name is already
// present, so defaulting logic can skip names the caller set explicitly.
func (c TaskConfig) HasConstraint(name string) bool {
	for _, cons := range c.Constraints {
		if cons.Name == name {
			return true
		}
	}
	return false
}

// ApplyDefaultsIfUnset materializes the implicit default constraints
// (host-limit 1 always, rack-limit 1 on non-dedicated production services)
// onto a task that did not specify them explicitly. It mutates cfg in place
// and is meant to run once, at admission time, so a persisted task carries
// its defaults rather than having them re-derived on every filter evaluation.
func ApplyDefaultsIfUnset(cfg *TaskConfig, owner Identity) {
	cfg.Owner = owner
	if !cfg.HasConstraint(HostConstraint) {
		cfg.Constraints = append(cfg.Constraints, Constraint{
			Name:    HostConstraint,
			Variant: ConstraintLimit,
			Limit:   1,
		})
	}
	if cfg.IsProduction && cfg.IsService && !cfg.HasConstraint(DedicatedAttribute) && !cfg.HasConstraint(RackConstraint) {
		cfg.Constraints = append(cfg.Constraints, Constraint{
			Name:    RackConstraint,
			Variant: ConstraintLimit,
			Limit:   1,
		})
	}
}

// AssignedTask pairs an immutable TaskConfig with the placement decision made
// for it: which host/slave it landed on and which concrete ports were
// allocated out of the offer. Ports become fixed the moment the task enters
// ASSIGNED and never change afterward.
type AssignedTask struct {
	TaskID        string
	Task          TaskConfig
	SlaveHost     string
	SlaveID       string
	AssignedPorts map[string]uint16
}

// Clone returns a deep copy of a.
func (a AssignedTask) Clone() AssignedTask {
	clone := a
	clone.Task = a.Task.Clone()
	if a.AssignedPorts != nil {
		clone.AssignedPorts = make(map[string]uint16, len(a.AssignedPorts))
		for k, v := range a.AssignedPorts {
			clone.AssignedPorts[k] = v
		}
	}
	return clone
}

// TaskEvent is one entry in a ScheduledTask's status history.
type TaskEvent struct {
	TimestampMillis int64
	Status          ScheduleStatus
	Message         string
}

// ScheduledTask is the full lifecycle record for one task instance: its
// placement, current status, ordered status history, and failure
// bookkeeping.
//
// Invariants, enforced by pkg/state rather than by direct mutation:
//   - Status equals the status of the last TaskEvent
//   - TaskEvents is non-empty once the task exists
//   - TaskEvent timestamps are non-decreasing
type ScheduledTask struct {
	AssignedTask   AssignedTask
	Status         ScheduleStatus
	TaskEvents     []TaskEvent
	AncestorTaskID string
	FailureCount   int
}

// ID returns the task's unique identifier.
func (t ScheduledTask) ID() string {
	return t.AssignedTask.TaskID
}

// JobKey returns the JobKey this task belongs to.
func (t ScheduledTask) JobKey() JobKey {
	return t.AssignedTask.Task.JobKey()
}

// ShardID returns the task's shard ordinal within its job.
func (t ScheduledTask) ShardID() int {
	return t.AssignedTask.Task.ShardID
}

// Clone returns a deep copy of t. Storage always hands out clones so callers
// mutating the returned value cannot corrupt the store.
func (t ScheduledTask) Clone() ScheduledTask {
	clone := t
	clone.AssignedTask = t.AssignedTask.Clone()
	if t.TaskEvents != nil {
		clone.TaskEvents = append([]TaskEvent(nil), t.TaskEvents...)
	}
	return clone
}

// LastEvent returns the most recent task event, or the zero value and false
// if none exist yet.
func (t ScheduledTask) LastEvent() (TaskEvent, bool) {
	if len(t.TaskEvents) == 0 {
		return TaskEvent{}, false
	}
	return t.TaskEvents[len(t.TaskEvents)-1], true
}

// MaintenanceMode describes a host's drain/maintenance lifecycle state.
type MaintenanceMode string

const (
	MaintenanceNone      MaintenanceMode = "NONE"
	MaintenanceScheduled MaintenanceMode = "SCHEDULED"
	MaintenanceDraining  MaintenanceMode = "DRAINING"
	MaintenanceDrained   MaintenanceMode = "DRAINED"
)

// Attribute is a single named, multi-valued host attribute, e.g.
// rack=[r1] or dedicated=[role/job].
type Attribute struct {
	Name   string
	Values map[string]bool
}

// HostAttributes is everything the scheduler knows about a worker host that
// isn't carried in an offer: its free-form attributes and maintenance state.
type HostAttributes struct {
	Host            string
	Attributes      map[string]Attribute
	MaintenanceMode MaintenanceMode
}

// Clone returns a deep copy of h.
func (h HostAttributes) Clone() HostAttributes {
	clone := h
	if h.Attributes != nil {
		clone.Attributes = make(map[string]Attribute, len(h.Attributes))
		for name, attr := range h.Attributes {
			a := Attribute{Name: attr.Name}
			if attr.Values != nil {
				a.Values = make(map[string]bool, len(attr.Values))
				for v := range attr.Values {
					a.Values[v] = true
				}
			}
			clone.Attributes[name] = a
		}
	}
	return clone
}

// HasValue reports whether attribute name has value among its set.
func (h HostAttributes) HasValue(name, value string) bool {
	attr, ok := h.Attributes[name]
	if !ok {
		return false
	}
	return attr.Values[value]
}

// Quota is a resource ceiling tracked per role; only production tasks
// consume it.
type Quota struct {
	CPU    float64
	RAMMB  int64
	DiskMB int64
}

// Resources describes a quantity of CPU/RAM/disk, either offered by a host
// slot or required by a task.
type Resources struct {
	CPU     float64
	RAMMB   int64
	DiskMB  int64
	Ports   int
}

// ResourcesFromTask returns the resources required to run cfg.
func ResourcesFromTask(cfg TaskConfig) Resources {
	return Resources{CPU: cfg.NumCPUs, RAMMB: cfg.RAMMB, DiskMB: cfg.DiskMB, Ports: len(cfg.RequestedPorts)}
}

// Sub returns r minus other, which may go negative; callers compare against
// zero rather than relying on a clamped result.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPU:    r.CPU - other.CPU,
		RAMMB:  r.RAMMB - other.RAMMB,
		DiskMB: r.DiskMB - other.DiskMB,
		Ports:  r.Ports - other.Ports,
	}
}

// CronCollisionPolicy selects what happens when a cron job fires while tasks
// from a prior firing are still active.
type CronCollisionPolicy string

const (
	CronCollisionKillExisting CronCollisionPolicy = "KILL_EXISTING"
	CronCollisionCancelNew    CronCollisionPolicy = "CANCEL_NEW"
	CronCollisionRunOverlap   CronCollisionPolicy = "RUN_OVERLAP"
)

// DefaultCronCollisionPolicy is applied when a JobConfiguration leaves its
// collision policy unset.
const DefaultCronCollisionPolicy = CronCollisionKillExisting

// JobConfiguration is the template a job's tasks are stamped out from.
type JobConfiguration struct {
	Key        JobKey
	Owner      Identity
	TaskConfig TaskConfig
	ShardCount int

	CronSchedule        string
	CronCollisionPolicy CronCollisionPolicy
}

// IsCron reports whether this job is cron-triggered rather than
// service/ad-hoc.
func (j JobConfiguration) IsCron() bool {
	return j.CronSchedule != ""
}

// EffectiveCollisionPolicy returns the configured collision policy, or
// DefaultCronCollisionPolicy if unset.
func (j JobConfiguration) EffectiveCollisionPolicy() CronCollisionPolicy {
	if j.CronCollisionPolicy == "" {
		return DefaultCronCollisionPolicy
	}
	return j.CronCollisionPolicy
}

// ShardUpdateConfig pairs the old and new TaskConfig for one shard of an
// update. Either side may be nil to represent a shard being added or
// removed by the update.
type ShardUpdateConfig struct {
	ShardID   int
	OldConfig *TaskConfig
	NewConfig *TaskConfig
}

// UpdateConfiguration is the per-JobKey bookkeeping record for an in-flight,
// or most recently registered, rolling update.
type UpdateConfiguration struct {
	JobKey JobKey
	Token  string
	Shards []ShardUpdateConfig
}

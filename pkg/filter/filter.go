/*
Package filter implements the scheduling filter: given an offered slot's
resources, a host, its attributes, and a task, it returns the set of vetoes
(if any) blocking that placement. Filters are independent functions
combined by set union, so their order never affects the result — each one
is free to emit or withhold its own veto without seeing what the others
decided.
*/
package filter

import (
	"fmt"
	"sort"

	"github.com/cuemby/shardsched/pkg/config"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

// MaxScore is the veto score that marks a hard veto: one that preemption
// logic cannot overcome.
const MaxScore = 1.0

// Veto is a single reason a task cannot be placed on a given slot.
type Veto struct {
	Reason string
	Score  float64
}

// Hard reports whether v cannot be overcome by preemption.
func (v Veto) Hard() bool {
	return v.Score >= MaxScore
}

// defaultExecutorCPUReservation and defaultExecutorRAMMBReservation are the
// executor resource reservation applied when New is called without an
// explicit config, matching config.Default()'s values.
const (
	defaultExecutorCPUReservation   = 0.25
	defaultExecutorRAMMBReservation = 128
)

// ReserveExecutor returns slot with the executor's fixed resource
// reservation subtracted. The preempter does not apply it: a victim's slot
// is sized from the victim's own task resources alone.
func (f *Filter) ReserveExecutor(slot types.Resources) types.Resources {
	return slot.Sub(f.executorReservation)
}

func mismatchVeto(constraint string) Veto {
	return Veto{Reason: fmt.Sprintf("constraint not satisfied: %s", constraint), Score: MaxScore}
}

func limitVeto(constraint string) Veto {
	return Veto{Reason: fmt.Sprintf("limit not satisfied: %s", constraint), Score: MaxScore}
}

func maintenanceVeto(reason string) Veto {
	return Veto{Reason: fmt.Sprintf("host %s for maintenance", reason), Score: MaxScore}
}

// Filter evaluates placement of task onto a host offering slot. store is
// consulted for LIMIT constraint counting; the dedicated-host rule reads
// only the target host's own attributes passed to Evaluate.
type Filter struct {
	store               *storage.Storage
	executorReservation types.Resources
}

// New returns a Filter backed by store. cfg is optional; when supplied, its
// ExecutorCPUReservation/ExecutorRAMMBReservation knobs size the executor
// reservation ReserveExecutor subtracts, otherwise the documented defaults
// apply.
func New(store *storage.Storage, cfg ...config.Config) *Filter {
	reservation := types.Resources{CPU: defaultExecutorCPUReservation, RAMMB: defaultExecutorRAMMBReservation}
	if len(cfg) > 0 {
		reservation = types.Resources{CPU: cfg[0].ExecutorCPUReservation, RAMMB: cfg[0].ExecutorRAMMBReservation}
	}
	return &Filter{store: store, executorReservation: reservation}
}

// Evaluate returns every veto blocking task/taskID from placement onto host
// with slot resources and attrs attributes. An empty result means the
// placement is allowed.
func (f *Filter) Evaluate(slot types.Resources, host string, attrs types.HostAttributes, task types.TaskConfig, taskID string) ([]Veto, error) {
	var vetoes []Veto

	vetoes = append(vetoes, resourceVetoes(slot, task)...)

	if v, ok := maintenanceModeVeto(attrs); ok {
		vetoes = append(vetoes, v)
	}

	constraintVetoes, err := f.constraintVetoes(task, attrs)
	if err != nil {
		return nil, err
	}
	vetoes = append(vetoes, constraintVetoes...)

	if v, ok, err := f.dedicatedVeto(task, attrs); err != nil {
		return nil, err
	} else if ok {
		vetoes = append(vetoes, v)
	}

	return vetoes, nil
}

func resourceVetoes(slot types.Resources, task types.TaskConfig) []Veto {
	var vetoes []Veto
	if score := insufficiency(slot.CPU, task.NumCPUs); score > 0 {
		vetoes = append(vetoes, Veto{Reason: "insufficient cpu", Score: score})
	}
	if score := insufficiency(float64(slot.RAMMB), float64(task.RAMMB)); score > 0 {
		vetoes = append(vetoes, Veto{Reason: "insufficient ram", Score: score})
	}
	if score := insufficiency(float64(slot.DiskMB), float64(task.DiskMB)); score > 0 {
		vetoes = append(vetoes, Veto{Reason: "insufficient disk", Score: score})
	}
	if slot.Ports < len(task.RequestedPorts) {
		vetoes = append(vetoes, Veto{Reason: "insufficient ports", Score: MaxScore})
	}
	return vetoes
}

// insufficiency returns MaxScore when have is strictly less than want, 0
// when have equals or exceeds want.
func insufficiency(have, want float64) float64 {
	if have < want {
		return MaxScore
	}
	return 0
}

func maintenanceModeVeto(attrs types.HostAttributes) (Veto, bool) {
	switch attrs.MaintenanceMode {
	case types.MaintenanceDraining:
		return maintenanceVeto("draining"), true
	case types.MaintenanceDrained:
		return maintenanceVeto("drained"), true
	default:
		return Veto{}, false
	}
}

func (f *Filter) constraintVetoes(task types.TaskConfig, attrs types.HostAttributes) ([]Veto, error) {
	var vetoes []Veto
	for _, c := range task.Constraints {
		switch c.Variant {
		case types.ConstraintValue:
			hostAttr, present := attrs.Attributes[c.Name]
			matches := valueMatches(hostAttr, present, c)
			if !matches {
				vetoes = append(vetoes, mismatchVeto(c.Name))
			}
		case types.ConstraintLimit:
			hostAttr, present := attrs.Attributes[c.Name]
			if !present || len(hostAttr.Values) == 0 {
				vetoes = append(vetoes, mismatchVeto(c.Name))
				continue
			}
			ok, err := f.limitSatisfied(task, c, hostAttr)
			if err != nil {
				return nil, err
			}
			if !ok {
				vetoes = append(vetoes, limitVeto(c.Name))
			}
		}
	}
	return vetoes, nil
}

// valueMatches implements VALUE(name, values, negated): matches iff some
// value in the constraint's set is present among the host's attribute
// values, XOR negated.
func valueMatches(hostAttr types.Attribute, present bool, c types.Constraint) bool {
	any := false
	if present {
		for v := range c.Values {
			if hostAttr.Values[v] {
				any = true
				break
			}
		}
	}
	return any != c.Negated
}

// limitSatisfied implements LIMIT(name, limit): count active tasks in the
// same job whose host carries the same value for this attribute, and veto
// if that count has already reached the limit.
func (f *Filter) limitSatisfied(task types.TaskConfig, c types.Constraint, hostAttr types.Attribute) (bool, error) {
	hostValue := anyValue(hostAttr.Values)

	var count int
	err := f.store.WeaklyConsistentRead("filter_limit", func(provider storage.StoreProvider) error {
		q := query.ByJobKey(task.JobKey()).Active()
		tasks, err := provider.Tasks().Fetch(q)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			hostAttrs, ok, err := provider.Attributes().FetchHostAttributes(t.AssignedTask.SlaveHost)
			if err != nil {
				return err
			}
			if ok && hostAttrs.HasValue(c.Name, hostValue) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return count < c.Limit, nil
}

func anyValue(values map[string]bool) string {
	keys := make([]string, 0, len(values))
	for v := range values {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// dedicatedVeto implements the dedicated-host rule: if this host carries a
// "dedicated" attribute value of the form "role/name", only tasks owned by
// that role may schedule here.
func (f *Filter) dedicatedVeto(task types.TaskConfig, attrs types.HostAttributes) (Veto, bool, error) {
	dedicated, ok := attrs.Attributes[types.DedicatedAttribute]
	if !ok || len(dedicated.Values) == 0 {
		return Veto{}, false, nil
	}
	for value := range dedicated.Values {
		if dedicatedRole(value) == task.Owner.Role {
			return Veto{}, false, nil
		}
	}
	return Veto{Reason: "host dedicated to another role", Score: MaxScore}, true, nil
}

func dedicatedRole(dedicatedValue string) string {
	for i, r := range dedicatedValue {
		if r == '/' {
			return dedicatedValue[:i]
		}
	}
	return dedicatedValue
}

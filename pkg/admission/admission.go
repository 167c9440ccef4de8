/*
Package admission is the validation gate a job configuration passes
through before its shards are ever materialized: malformed identifiers,
a missing contact email, a shard count over the configured ceiling, or a
production task that does not fit under its role's quota are all rejected
here, before any state change happens.
*/
package admission

import (
	"fmt"
	"strings"

	"github.com/cuemby/shardsched/pkg/config"
	"github.com/cuemby/shardsched/pkg/quota"
	"github.com/cuemby/shardsched/pkg/schederr"
	"github.com/cuemby/shardsched/pkg/types"
)

// Gate validates a JobConfiguration against the configured knobs and the
// submitting role's quota.
type Gate struct {
	cfg    config.Config
	quotas *quota.Accountant
}

// New returns a Gate backed by cfg and quotas.
func New(cfg config.Config, quotas *quota.Accountant) *Gate {
	return &Gate{cfg: cfg, quotas: quotas}
}

// ValidateJob returns a *schederr.ValidationError if job cannot be
// admitted, or nil if it can.
func (g *Gate) ValidateJob(job types.JobConfiguration) error {
	if !job.Key.Valid() {
		return &schederr.ValidationError{Reason: fmt.Sprintf("invalid job key %q", job.Key.ToPath())}
	}
	if !types.ValidIdentifier(job.Owner.Role) || !types.ValidIdentifier(job.Owner.User) {
		return &schederr.ValidationError{Reason: "invalid owner identity"}
	}
	if g.cfg.RequireContactEmail && job.TaskConfig.ContactEmail == "" {
		return &schederr.ValidationError{Reason: "contact email is required"}
	}
	if job.ShardCount <= 0 {
		return &schederr.ValidationError{Reason: "shard count must be positive"}
	}
	if job.ShardCount > g.cfg.MaxTasksPerJob {
		return &schederr.ValidationError{Reason: fmt.Sprintf("shard count %d exceeds max tasks per job %d", job.ShardCount, g.cfg.MaxTasksPerJob)}
	}
	if err := validateDedicatedConstraint(job.TaskConfig, job.Owner.Role); err != nil {
		return err
	}
	if job.TaskConfig.IsService && job.CronSchedule != "" {
		return &schederr.ValidationError{Reason: "a service task cannot carry a cron schedule"}
	}

	if job.TaskConfig.IsProduction {
		ok, err := g.quotas.CheckAvailable(job.Owner.Role, job.TaskConfig)
		if err != nil {
			return err
		}
		if !ok {
			return &schederr.ValidationError{Reason: fmt.Sprintf("role %q has insufficient quota", job.Owner.Role)}
		}
	}
	return nil
}

// validateDedicatedConstraint enforces the shape of a dedicated constraint
// at admission time rather than leaving it to be caught per-host, later, by
// the filter's placement veto: a dedicated constraint must be value-typed,
// carry exactly one value, and that value's role prefix must match the
// submitting role.
func validateDedicatedConstraint(cfg types.TaskConfig, ownerRole string) error {
	for _, c := range cfg.Constraints {
		if c.Name != types.DedicatedAttribute {
			continue
		}
		if c.Variant != types.ConstraintValue {
			return &schederr.ValidationError{Reason: "dedicated constraint must be value-typed"}
		}
		if len(c.Values) != 1 {
			return &schederr.ValidationError{Reason: "dedicated constraint must have exactly one value"}
		}
		for v := range c.Values {
			role := strings.SplitN(v, "/", 2)[0]
			if role != ownerRole {
				return &schederr.ValidationError{Reason: fmt.Sprintf("dedicated constraint %q does not belong to role %q", v, ownerRole)}
			}
		}
	}
	return nil
}

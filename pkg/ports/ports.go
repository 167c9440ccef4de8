/*
Package ports defines the typed interfaces the scheduling core uses to
reach every external collaborator it does not itself implement: the
cluster-manager transport that actually launches and kills tasks, the
cron-expression evaluator, the source of truth for host attributes, and the
wire codec for task payloads.

Production wiring of these ports — the real driver RPC client, a real cron
parser, the real attribute source — lives outside this module; only
in-process fakes suitable for local exercise and tests are provided here.
*/
package ports

import (
	"context"
	"time"

	"github.com/cuemby/shardsched/pkg/types"
)

// Driver is the scheduler's only way to act on the cluster: launch a task
// onto a host, or ask for one to be killed. It corresponds to the
// cluster-manager transport, out of scope for this module.
type Driver interface {
	// LaunchTask dispatches task to run on host/slaveID with the given
	// assigned ports. It returns once the launch request has been sent, not
	// once the task is actually running — status updates arrive later
	// through whatever mechanism feeds pkg/state.
	LaunchTask(ctx context.Context, task types.AssignedTask) error

	// KillTask requests that taskID be terminated. It is used for both
	// normal kills (API-initiated, rescheduling) and preemption.
	KillTask(ctx context.Context, taskID string) error
}

// CronScheduler evaluates cron expressions and reports when a schedule is
// next due to fire.
type CronScheduler interface {
	// Parse validates expr and returns an opaque handle usable with Next.
	Parse(expr string) (Schedule, error)
}

// Schedule is a parsed cron expression.
type Schedule interface {
	// Next returns the first fire time strictly after from.
	Next(from time.Time) time.Time
}

// AttributeLoader is the source of truth for per-host attributes
// (rack, dedicated, etc.) and maintenance mode. The scheduling filter
// consults it through pkg/storage's AttributeStore, which a loader keeps
// populated.
type AttributeLoader interface {
	// Load returns the current attributes for host, or false if the host is
	// unknown.
	Load(ctx context.Context, host string) (types.HostAttributes, bool, error)

	// LoadAll returns attributes for every known host.
	LoadAll(ctx context.Context) ([]types.HostAttributes, error)
}

// Codec serializes a TaskConfig's opaque execution payload for transport to
// the cluster manager. The scheduling core treats the result as an opaque
// blob (types.TaskConfig.ThermosConfig) and never decodes it itself.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

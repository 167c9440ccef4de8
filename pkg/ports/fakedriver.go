package ports

import (
	"context"
	"sync"

	"github.com/cuemby/shardsched/pkg/schederr"
	"github.com/cuemby/shardsched/pkg/types"
)

// FakeDriver is an in-process Driver double for `schedulerd run
// --standalone` and for tests. It records every launch/kill it is asked to
// perform instead of talking to a real cluster manager; it never produces
// status updates on its own — callers feeding tests drive pkg/state
// directly to simulate the cluster manager reporting back.
//
// It still encodes each launch through a Codec the way a real
// transport would wire-encode the envelope around a task's opaque
// ThermosConfig payload, so a malformed payload surfaces the same
// schederr.CodingError a real driver's encode step would produce.
type FakeDriver struct {
	mu       sync.Mutex
	codec    Codec
	Launched []types.AssignedTask
	Killed   []string
}

// NewFakeDriver returns an empty FakeDriver using the default JSON codec.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{codec: NewJSONCodec()}
}

func (d *FakeDriver) LaunchTask(ctx context.Context, task types.AssignedTask) error {
	if _, err := d.codec.Encode(task); err != nil {
		return &schederr.CodingError{Op: "launch_task", Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.Launched = append(d.Launched, task.Clone())
	return nil
}

func (d *FakeDriver) KillTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Killed = append(d.Killed, taskID)
	return nil
}

// LaunchedTasks returns a snapshot of every task launched so far.
func (d *FakeDriver) LaunchedTasks() []types.AssignedTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.AssignedTask(nil), d.Launched...)
}

// KilledTaskIDs returns a snapshot of every task id killed so far.
func (d *FakeDriver) KilledTaskIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Killed...)
}

/*
Package update implements rolling updates: registering a new job
configuration under an opaque token, walking shards forward or backward
through the old/new TaskConfig pair one batch at a time, and finishing the
update once every touched shard has settled.
*/
package update

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/state"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

// ShardUpdateResult reports what modifyShards did to one shard.
type ShardUpdateResult string

const (
	ShardRestarting ShardUpdateResult = "RESTARTING"
	ShardAdded      ShardUpdateResult = "ADDED"
	ShardUnchanged  ShardUpdateResult = "UNCHANGED"
	ShardCompleted  ShardUpdateResult = "COMPLETED"
)

// UpdateException is returned for update requests that are well-formed but
// cannot proceed given the job's current update state — an unknown or
// mismatched token, an update attempted with no registered plan, or a
// finish attempted while shards are still UPDATING/ROLLBACK.
type UpdateException struct {
	JobKey types.JobKey
	Reason string
}

func (e *UpdateException) Error() string {
	return fmt.Sprintf("update %s: %s", e.JobKey.ToPath(), e.Reason)
}

// Manager registers, advances, and finishes rolling updates.
type Manager struct {
	store *storage.Storage
	state *state.Manager

	mu sync.Mutex
}

// New constructs a Manager.
func New(store *storage.Storage, st *state.Manager) *Manager {
	return &Manager{store: store, state: st}
}

// RegisterUpdate records newConfigs as the update plan for jobKey and
// returns an opaque token that must accompany every subsequent
// ModifyShards/FinishUpdate call for this update.
func (m *Manager) RegisterUpdate(jobKey types.JobKey, shards []types.ShardUpdateConfig) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	err = m.store.Write("register_update", func(txn *storage.Txn) error {
		return txn.Updates().SaveUpdate(types.UpdateConfiguration{
			JobKey: jobKey,
			Token:  token,
			Shards: shards,
		})
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ModifyShards advances the named shards one step: forward (rollingForward
// true) moves each shard's active task to UPDATING, which enqueues its kill,
// or backward (rollingForward false) does the symmetric thing with ROLLBACK.
// For a shard that has an active task it does not create a task from the
// target config; a task is created only for a shard with no active task.
// token must match the update registered for jobKey.
func (m *Manager) ModifyShards(jobKey types.JobKey, user string, shardIDs []int, token string, rollingForward bool) (map[int]ShardUpdateResult, error) {
	update, ok, err := m.fetchUpdate(jobKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &UpdateException{JobKey: jobKey, Reason: "no update registered"}
	}
	if update.Token != token {
		return nil, &UpdateException{JobKey: jobKey, Reason: "token mismatch"}
	}

	byShard := make(map[int]types.ShardUpdateConfig, len(update.Shards))
	for _, s := range update.Shards {
		byShard[s.ShardID] = s
	}

	result := make(map[int]ShardUpdateResult, len(shardIDs))
	for _, shardID := range shardIDs {
		shardCfg, ok := byShard[shardID]
		if !ok {
			continue
		}
		r, err := m.modifyShard(jobKey, shardCfg, rollingForward)
		if err != nil {
			return nil, err
		}
		result[shardID] = r
	}
	return result, nil
}

func (m *Manager) modifyShard(jobKey types.JobKey, shardCfg types.ShardUpdateConfig, rollingForward bool) (ShardUpdateResult, error) {
	from, to := shardCfg.OldConfig, shardCfg.NewConfig
	if !rollingForward {
		from, to = shardCfg.NewConfig, shardCfg.OldConfig
	}

	active, err := m.fetchActiveShard(jobKey, shardCfg.ShardID)
	if err != nil {
		return "", err
	}

	if to == nil {
		// This shard is being removed entirely: kill it outright, if
		// present, and report completion.
		for _, t := range active {
			if _, err := m.state.ChangeState(t.ID(), types.ScheduleStatusKilling, "update: shard removed"); err != nil {
				return "", err
			}
		}
		return ShardCompleted, nil
	}

	if from == nil {
		// This shard didn't exist on the other side of the update: add it.
		if _, err := m.state.CreateTask(to.Clone()); err != nil {
			return "", err
		}
		return ShardAdded, nil
	}

	if len(active) == 0 {
		if _, err := m.state.CreateTask(to.Clone()); err != nil {
			return "", err
		}
		return ShardAdded, nil
	}

	changed := false
	for _, t := range active {
		ok, err := m.state.ChangeState(t.ID(), killTargetFor(rollingForward), "update: rolling shard")
		if err != nil {
			return "", err
		}
		changed = changed || ok
	}
	if !changed {
		return ShardUnchanged, nil
	}
	return ShardRestarting, nil
}

// killTargetFor picks the kill-adjacent terminal-bound state a shard moves
// through while the update is in flight: UPDATING rolling forward,
// ROLLBACK rolling backward. Once the kill lands, pkg/state's rescheduling
// rule recreates a service task from the killed task's own config if its
// job is stored; it does not use `to`.
func killTargetFor(rollingForward bool) types.ScheduleStatus {
	if rollingForward {
		return types.ScheduleStatusUpdating
	}
	return types.ScheduleStatusRollback
}

// UpdateResult reports the caller's verdict on a finished rolling update,
// published on EventUpdateFinished for observability.
type UpdateResult string

const (
	UpdateSuccess UpdateResult = "SUCCESS"
	UpdateFailed  UpdateResult = "FAILED"
	UpdateUnknown UpdateResult = "UNKNOWN"
)

// FinishUpdate clears jobKey's update bookkeeping and publishes result. It
// fails with an UpdateException if any of jobKey's active tasks are still
// UPDATING or ROLLBACK — an update cannot be declared finished while shards
// are mid transition. If tokenOpt is empty and no update is registered,
// this is a no-op that returns false unless expectUpdateConfig is set, in
// which case the absence of an update is itself an error.
func (m *Manager) FinishUpdate(jobKey types.JobKey, user, tokenOpt string, result UpdateResult, expectUpdateConfig bool) (bool, error) {
	update, ok, err := m.fetchUpdate(jobKey)
	if err != nil {
		return false, err
	}
	if !ok {
		if expectUpdateConfig {
			return false, &UpdateException{JobKey: jobKey, Reason: "no update registered"}
		}
		return false, nil
	}
	if tokenOpt != "" && update.Token != tokenOpt {
		return false, &UpdateException{JobKey: jobKey, Reason: "token mismatch"}
	}

	active, err := m.fetchActive(jobKey)
	if err != nil {
		return false, err
	}
	for _, t := range active {
		if t.Status == types.ScheduleStatusUpdating || t.Status == types.ScheduleStatusRollback {
			return false, &UpdateException{JobKey: jobKey, Reason: "shards still mid-update"}
		}
	}

	err = m.store.Write("finish_update", func(txn *storage.Txn) error {
		if err := txn.Updates().DeleteUpdate(jobKey); err != nil {
			return err
		}
		txn.Enqueue(&events.Event{
			Type:         events.EventUpdateFinished,
			JobKey:       jobKey,
			User:         user,
			UpdateResult: string(result),
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) fetchUpdate(jobKey types.JobKey) (types.UpdateConfiguration, bool, error) {
	var update types.UpdateConfiguration
	var ok bool
	err := m.store.ConsistentRead("update_fetch", func(provider storage.StoreProvider) error {
		var err error
		update, ok, err = provider.Updates().FetchUpdate(jobKey)
		return err
	})
	return update, ok, err
}

func (m *Manager) fetchActive(jobKey types.JobKey) ([]types.ScheduledTask, error) {
	var active []types.ScheduledTask
	err := m.store.ConsistentRead("update_fetch_active", func(provider storage.StoreProvider) error {
		var err error
		active, err = provider.Tasks().Fetch(query.ByJobKey(jobKey).Active())
		return err
	})
	return active, err
}

func (m *Manager) fetchActiveShard(jobKey types.JobKey, shardID int) ([]types.ScheduledTask, error) {
	active, err := m.fetchActive(jobKey)
	if err != nil {
		return nil, err
	}
	var shard []types.ScheduledTask
	for _, t := range active {
		if t.ShardID() == shardID {
			shard = append(shard, t)
		}
	}
	return shard, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.New("update: failed to generate token: " + err.Error())
	}
	return hex.EncodeToString(buf), nil
}

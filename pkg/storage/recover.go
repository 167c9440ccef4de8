package storage

import (
	"fmt"
	"time"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/log"
	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/types"
)

// nowMillisFunc is overridable in tests; production code always uses the
// wall clock.
var nowMillisFunc = func() int64 { return time.Now().UnixMilli() }

// Recover runs once, immediately after a backend is opened, before the
// scheduler or any other component is allowed to read from it. It repairs
// the assumptions later code is allowed to rely on:
//
//   - every job's TaskConfig has its default constraints materialized
//   - every task has at least one TaskEvent whose status matches its Status
//   - no job has more than one active task claiming the same shard id
//
// Any task that fails the shard uniqueness check is marked KILLED in place
// rather than actually killed through the driver — the original
// implementation deliberately stops short of calling the driver here
// because the scheduler driver may not be safely callable yet this early in
// startup. Recover issues no driver kill for these tasks; it only logs
// their ids.
func Recover(s *Storage) error {
	return s.Write("recover", func(txn *Txn) error {
		if err := backfillJobDefaults(txn); err != nil {
			return err
		}

		tasks, err := txn.Tasks().Fetch(query.New())
		if err != nil {
			return err
		}

		indexByID := make(map[string]int, len(tasks))
		byShard := make(map[types.JobKey]map[int][]string)
		for i := range tasks {
			t := &tasks[i]
			indexByID[t.ID()] = i
			types.ApplyDefaultsIfUnset(&t.AssignedTask.Task, t.AssignedTask.Task.Owner)
			guaranteeTaskHasEvents(t)

			if types.IsActive(t.Status) {
				key := t.JobKey()
				if byShard[key] == nil {
					byShard[key] = make(map[int][]string)
				}
				byShard[key][t.ShardID()] = append(byShard[key][t.ShardID()], t.ID())
			}
		}

		killed := guaranteeShardUniqueness(tasks, indexByID, byShard)

		if err := txn.Tasks().Save(tasks...); err != nil {
			return err
		}
		for _, id := range killed {
			log.Task("storage", id).Warn().Msg("killed duplicate shard at recovery")
		}

		txn.Enqueue(&events.Event{Type: events.EventStorageStarted, Message: fmt.Sprintf("recovered %d tasks", len(tasks))})
		return nil
	})
}

func backfillJobDefaults(txn *Txn) error {
	jobs, err := txn.Jobs().FetchJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		types.ApplyDefaultsIfUnset(&job.TaskConfig, job.Owner)
		if err := txn.Jobs().SaveJob(job); err != nil {
			return err
		}
	}
	return nil
}

func guaranteeTaskHasEvents(t *types.ScheduledTask) {
	last, ok := t.LastEvent()
	if ok && last.Status == t.Status {
		return
	}
	log.Task("storage", t.ID()).Error().Msg("task has no event for current status")
	t.TaskEvents = append(t.TaskEvents, types.TaskEvent{
		TimestampMillis: nowMillisFunc(),
		Status:          t.Status,
		Message:         "synthesized missing event",
	})
}

// guaranteeShardUniqueness keeps exactly one active task per (job, shard)
// pair, preferring the lexicographically greatest task id. pkg/state issues
// random UUIDs as task ids, so the survivor is not necessarily the newest
// task. It mutates tasks in place
// and returns the ids it marked KILLED.
func guaranteeShardUniqueness(tasks []types.ScheduledTask, indexByID map[string]int, byShard map[types.JobKey]map[int][]string) []string {
	var killed []string
	for _, shards := range byShard {
		for _, activeIDs := range shards {
			if len(activeIDs) <= 1 {
				continue
			}
			metrics.ShardSanityCheckFailures.Inc()

			newest := activeIDs[0]
			for _, id := range activeIDs[1:] {
				if id > newest {
					newest = id
				}
			}
			for _, id := range activeIDs {
				if id == newest {
					continue
				}
				t := &tasks[indexByID[id]]
				t.Status = types.ScheduleStatusKilled
				t.TaskEvents = append(t.TaskEvents, types.TaskEvent{
					TimestampMillis: nowMillisFunc(),
					Status:          types.ScheduleStatusKilled,
					Message:         "killed duplicate shard",
				})
				killed = append(killed, id)
			}
		}
	}
	return killed
}

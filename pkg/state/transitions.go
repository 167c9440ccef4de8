package state

import "github.com/cuemby/shardsched/pkg/types"

// transitionTable enumerates every legal (from, to) status move. A status
// absent as a key has no outgoing transitions (terminal).
var transitionTable = map[types.ScheduleStatus][]types.ScheduleStatus{
	types.ScheduleStatusInit: {
		types.ScheduleStatusPending,
	},
	types.ScheduleStatusPending: {
		types.ScheduleStatusAssigned,
		types.ScheduleStatusKilling,
	},
	types.ScheduleStatusAssigned: {
		types.ScheduleStatusStarting,
		types.ScheduleStatusPreempting,
		types.ScheduleStatusKilling,
		types.ScheduleStatusLost,
		types.ScheduleStatusUpdating,
		types.ScheduleStatusRollback,
	},
	types.ScheduleStatusStarting: {
		types.ScheduleStatusRunning,
		types.ScheduleStatusFailed,
		types.ScheduleStatusKilling,
		types.ScheduleStatusLost,
		types.ScheduleStatusUpdating,
		types.ScheduleStatusRollback,
	},
	types.ScheduleStatusRunning: {
		types.ScheduleStatusFinished,
		types.ScheduleStatusFailed,
		types.ScheduleStatusKilled,
		types.ScheduleStatusKilling,
		types.ScheduleStatusLost,
		types.ScheduleStatusPreempting,
		types.ScheduleStatusUpdating,
		types.ScheduleStatusRollback,
		types.ScheduleStatusRestarting,
	},
	types.ScheduleStatusKilling: {
		types.ScheduleStatusKilled,
		types.ScheduleStatusLost,
	},
	types.ScheduleStatusPreempting: {
		types.ScheduleStatusKilled,
		types.ScheduleStatusLost,
	},
	types.ScheduleStatusUpdating: {
		types.ScheduleStatusKilled,
		types.ScheduleStatusFinished,
		types.ScheduleStatusKilling,
		types.ScheduleStatusLost,
	},
	types.ScheduleStatusRollback: {
		types.ScheduleStatusKilled,
		types.ScheduleStatusFinished,
		types.ScheduleStatusKilling,
		types.ScheduleStatusLost,
	},
	types.ScheduleStatusRestarting: {
		types.ScheduleStatusKilled,
		types.ScheduleStatusLost,
	},
}

// isLegalTransition reports whether moving from `from` to `to` is permitted
// by the transition table. Terminal states, and any status with no entry in
// the table, permit nothing.
func isLegalTransition(from, to types.ScheduleStatus) bool {
	for _, allowed := range transitionTable[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// requiresKill reports whether entering `to` implies an underlying process
// exists and must be killed: KILLING, PREEMPTING, ROLLBACK, and UPDATING all
// replace or terminate a running task.
func requiresKill(to types.ScheduleStatus) bool {
	switch to {
	case types.ScheduleStatusKilling, types.ScheduleStatusPreempting,
		types.ScheduleStatusRollback, types.ScheduleStatusUpdating:
		return true
	default:
		return false
	}
}

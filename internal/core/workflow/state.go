package workflow

import "github.com/roea-ai/reel/pkg/types"

// transitions lists the allowed status changes of a run.
var transitions = map[types.RunStatus][]types.RunStatus{
	types.RunQueued: {
		types.RunStarting,
		types.RunCancelled,
		types.RunFailed, // definition vanished or orchestrator restarted
	},
	types.RunStarting: {
		types.RunRunning,
		types.RunCancelled,
		types.RunFailed,
	},
	types.RunRunning: {
		types.RunCompleted,
		types.RunPartialCompletion,
		types.RunStepFailed,
		types.RunCancelled,
		types.RunFailed,
	},
	types.RunStepFailed: {
		types.RunRecovered,
		types.RunFailed,
	},
}

// CanTransition reports whether a run may move from one status to another.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to types.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// cancellable reports whether cancel is legal in status s.
func cancellable(s types.RunStatus) bool {
	switch s {
	case types.RunQueued, types.RunStarting, types.RunRunning:
		return true
	}
	return false
}

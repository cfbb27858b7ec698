package lifecycle

import (
	"github.com/arbor-ai/arbor/internal/db"
)

// transitions is the agent state machine. Terminal states admit only the
// cleanup move to terminated.
var transitions = map[db.AgentStatus][]db.AgentStatus{
	db.AgentPending:    {db.AgentExecuting, db.AgentTerminated},
	db.AgentExecuting:  {db.AgentCompleted, db.AgentFailed, db.AgentTerminated},
	db.AgentCompleted:  {db.AgentTerminated},
	db.AgentFailed:     {db.AgentTerminated},
	db.AgentTerminated: {},
}

// CanTransition reports whether the state machine admits from -> to.
func CanTransition(from, to db.AgentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

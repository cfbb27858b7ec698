package lifecycle

import (
	"testing"

	"github.com/arbor-ai/arbor/internal/db"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to db.AgentStatus
		want     bool
	}{
		{db.AgentPending, db.AgentExecuting, true},
		{db.AgentPending, db.AgentTerminated, true},
		{db.AgentPending, db.AgentCompleted, false},
		{db.AgentPending, db.AgentFailed, false},
		{db.AgentExecuting, db.AgentCompleted, true},
		{db.AgentExecuting, db.AgentFailed, true},
		{db.AgentExecuting, db.AgentTerminated, true},
		{db.AgentExecuting, db.AgentPending, false},
		{db.AgentCompleted, db.AgentTerminated, true},
		{db.AgentCompleted, db.AgentExecuting, false},
		{db.AgentFailed, db.AgentTerminated, true},
		{db.AgentFailed, db.AgentExecuting, false},
		{db.AgentTerminated, db.AgentTerminated, false},
		{db.AgentTerminated, db.AgentExecuting, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatesAdmitOnlyTermination(t *testing.T) {
	terminal := []db.AgentStatus{db.AgentCompleted, db.AgentFailed}
	all := []db.AgentStatus{
		db.AgentPending, db.AgentExecuting, db.AgentCompleted, db.AgentFailed, db.AgentTerminated,
	}
	for _, from := range terminal {
		for _, to := range all {
			got := CanTransition(from, to)
			want := to == db.AgentTerminated
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

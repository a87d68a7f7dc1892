package models

import "testing"

func TestJobState_Terminal(t *testing.T) {
	terminal := []JobState{JobCompleted, JobFailed, JobCancelled, JobTimedOut, JobDeadLetter}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	nonTerminal := []JobState{JobPending, JobAssigned, JobRunning, JobCancelling}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %q to not be terminal", s)
		}
	}
}

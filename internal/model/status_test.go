package model

import "testing"

func TestIsRunTerminal(t *testing.T) {
	tests := []struct {
		state    RunState
		terminal bool
	}{
		{RunStateQueued, false},
		{RunStateRunning, false},
		{RunStateSucceeded, true},
		{RunStateFailed, true},
		{RunStateCanceled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsRunTerminal(tt.state); got != tt.terminal {
				t.Errorf("IsRunTerminal(%q) = %v, want %v", tt.state, got, tt.terminal)
			}
		})
	}
}

func TestValidateRunTransition(t *testing.T) {
	tests := []struct {
		from, to RunState
		wantErr  bool
	}{
		{RunStateQueued, RunStateRunning, false},
		{RunStateQueued, RunStateCanceled, false},
		{RunStateQueued, RunStateSucceeded, true},
		{RunStateQueued, RunStateFailed, true},
		{RunStateRunning, RunStateQueued, false},
		{RunStateRunning, RunStateSucceeded, false},
		{RunStateRunning, RunStateFailed, false},
		{RunStateRunning, RunStateCanceled, false},
		{RunStateSucceeded, RunStateQueued, true},
		{RunStateFailed, RunStateQueued, true},
		{RunStateCanceled, RunStateRunning, true},
		{RunState("bogus"), RunStateRunning, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateRunTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRunTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidSeverity(t *testing.T) {
	for _, s := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium} {
		if !ValidSeverity(s) {
			t.Errorf("ValidSeverity(%q) = false", s)
		}
	}
	if ValidSeverity("low") {
		t.Error("ValidSeverity(low) = true, want false")
	}
}

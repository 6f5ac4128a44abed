package api

import "testing"

// ---------------------------------------------------------------------------
// TestIsTerminalEvent
// ---------------------------------------------------------------------------

func TestIsTerminalEvent(t *testing.T) {
	tests := []struct {
		eventType ExecutionEventType
		want      bool
	}{
		{EventExecutionQueued, false},
		{EventExecutionProvisioning, false},
		{EventExecutionSandboxReady, false},
		{EventExecutionRunning, false},
		{EventExecutionCompleted, true},
		{EventExecutionFailed, true},
		{EventExecutionCanceled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := IsTerminalEvent(tt.eventType); got != tt.want {
				t.Errorf("IsTerminalEvent(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

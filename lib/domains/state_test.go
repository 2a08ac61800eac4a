package domains

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"defined to running", StateDefined, StateRunning, false},
		{"running to paused", StateRunning, StatePaused, false},
		{"running to shutting-down", StateRunning, StateShuttingDown, false},
		{"paused to running", StatePaused, StateRunning, false},
		{"shutting-down to shutoff", StateShuttingDown, StateShutoff, false},
		{"shutoff to running", StateShutoff, StateRunning, false},
		{"shutoff to shutoff", StateShutoff, StateShutoff, false},

		{"defined to paused", StateDefined, StatePaused, true},
		{"shutoff to paused", StateShutoff, StatePaused, true},
		{"shutting-down to paused", StateShuttingDown, StatePaused, true},
		{"unknown state", State("bogus"), StateRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.CanTransitionTo(tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidState)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateIsActive(t *testing.T) {
	assert.True(t, StateRunning.IsActive())
	assert.True(t, StatePaused.IsActive())
	assert.True(t, StateShuttingDown.IsActive())
	assert.False(t, StateDefined.IsActive())
	assert.False(t, StateShutoff.IsActive())
}

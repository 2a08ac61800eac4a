package domains

import "fmt"

// State is the lifecycle state of a domain.
type State string

const (
	StateDefined      State = "defined"       // defined, never started
	StateRunning      State = "running"       // guest executing
	StatePaused       State = "paused"        // guest suspended in memory
	StateShuttingDown State = "shutting-down" // graceful shutdown requested, not yet complete
	StateShutoff      State = "shutoff"       // not running; see Reason
)

// Reason qualifies the most recent state change.
type Reason string

const (
	ReasonUnknown   Reason = "unknown"
	ReasonBooted    Reason = "booted"
	ReasonRestored  Reason = "restored"
	ReasonMigrated  Reason = "migrated"
	ReasonUnpaused  Reason = "unpaused"
	ReasonUser      Reason = "user"
	ReasonShutdown  Reason = "shutdown"
	ReasonDestroyed Reason = "destroyed"
	ReasonCrashed   Reason = "crashed"
	ReasonSaved     Reason = "saved"
	ReasonFailed    Reason = "failed"
)

// ValidTransitions defines allowed single-hop state transitions.
// Each lifecycle verb additionally checks its own source states.
var ValidTransitions = map[State][]State{
	StateDefined: {
		StateRunning, // start
	},
	StateRunning: {
		StatePaused,       // suspend
		StateShuttingDown, // graceful shutdown requested
		StateShutoff,      // destroy, crash, managed save
	},
	StatePaused: {
		StateRunning,      // resume
		StateShuttingDown, // shutdown while paused
		StateShutoff,      // destroy, managed save
	},
	StateShuttingDown: {
		StateShutoff, // guest powered off
		StateRunning, // guest rebooted
	},
	StateShutoff: {
		StateRunning, // start or restore
		StateShutoff, // managed-save image removed
	},
}

// CanTransitionTo checks if a transition from current state to target state is valid
func (s State) CanTransitionTo(target State) error {
	allowed, ok := ValidTransitions[s]
	if !ok {
		return fmt.Errorf("%w: unknown state: %s", ErrInvalidState, s)
	}

	for _, valid := range allowed {
		if valid == target {
			return nil
		}
	}

	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s, target)
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsActive reports whether a domain in this state has a live toolstack
// instance.
func (s State) IsActive() bool {
	switch s {
	case StateRunning, StatePaused, StateShuttingDown:
		return true
	default:
		return false
	}
}

// Is reports whether s is any of states.
func (s State) Is(states ...State) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

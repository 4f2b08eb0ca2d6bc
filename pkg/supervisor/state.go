package supervisor

import (
	"time"

	"github.com/core-tools/hsu-assistant/pkg/diagnostics"
	"github.com/core-tools/hsu-assistant/pkg/locator"
)

// State is the lifecycle state of the supervised assistant process
type State string

const (
	StateStopped    State = "stopped"    // No process, ready to start
	StateStarting   State = "starting"   // Launch in progress
	StateRunning    State = "running"    // Process running, router attached
	StateCrashed    State = "crashed"    // Unexpected exit or launch failure
	StateRestarting State = "restarting" // Waiting out the backoff delay
	StateStopping   State = "stopping"   // Explicit stop in progress
)

// AllStates lists every state, in declaration order
var AllStates = []State{StateStopped, StateStarting, StateRunning, StateCrashed, StateRestarting, StateStopping}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}

// canStartFromState validates if an explicit start is allowed from the current state
func canStartFromState(current State) bool {
	switch current {
	case StateStopped:
		return true
	case StateCrashed:
		return true // manual restart out of a terminal crash
	default:
		return false
	}
}

// StateChange is published to observers on every transition
type StateChange struct {
	State          State
	Previous       State
	PID            int
	Attempt        int           // restart attempt this change belongs to, 0 for the initial launch
	Delay          time.Duration // backoff delay, set when entering restarting
	Err            error         // set when entering crashed
	Classification *diagnostics.Classification
	Time           time.Time
}

// Diagnostics is a point-in-time snapshot of the supervisor
type Diagnostics struct {
	State              State
	PID                int
	StartTime          *time.Time
	RestartAttempts    int
	Launches           int
	LastError          error
	LastClassification *diagnostics.Classification
	Binary             *locator.ResolvedBinary
	LastAttemptTime    time.Time
}

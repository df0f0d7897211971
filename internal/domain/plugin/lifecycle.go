package plugin

import herr "github.com/connectias/pluginhost/internal/obs/errors"

// LifecycleState enumerates the plugin lifecycle. Transitions follow
// Installed -> Loaded -> Running -> Stopped, with Loaded -> Stopped
// (unload without running) and Stopped -> Loaded (reload) also allowed;
// Error absorbs from any state and Disabled (entered from Stopped) is a
// soft terminal requiring an explicit re-enable back to Stopped.
type LifecycleState string

const (
	StateInstalled LifecycleState = "Installed"
	StateLoaded    LifecycleState = "Loaded"
	StateRunning   LifecycleState = "Running"
	StateStopped   LifecycleState = "Stopped"
	StateDisabled  LifecycleState = "Disabled"
	StateError     LifecycleState = "Error"
)

// linearTransitions lists the allowed non-Error, non-Disabled moves.
var linearTransitions = map[LifecycleState][]LifecycleState{
	StateInstalled: {StateLoaded},
	StateLoaded:    {StateRunning, StateStopped},
	StateRunning:   {StateStopped},
	StateStopped:   {StateLoaded, StateDisabled},
	StateDisabled:  {StateStopped},
}

// CanTransition reports whether moving from -> to is legal. Error is
// reachable from every state; any state can be re-entered from Disabled
// only via Stopped (enforced by linearTransitions).
func CanTransition(from, to LifecycleState) bool {
	if to == StateError {
		return true
	}
	for _, allowed := range linearTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a DependencyUnresolved-free InvalidInput error
// when from -> to is illegal, nil otherwise.
func ValidateTransition(from, to LifecycleState) error {
	if !CanTransition(from, to) {
		return herr.InvalidInput("lifecycle_state", string(from)+" cannot transition to "+string(to))
	}
	return nil
}

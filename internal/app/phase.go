package app

import "sync"

// Phase is the lifecycle phase of the process; /readyz passes only in
// PhaseRunning.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseInitializing Phase = "initializing"
	PhaseRunning      Phase = "running"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
	PhaseError        Phase = "error"
)

// successors lists the phases reachable from each phase. Stopped is terminal.
var successors = map[Phase][]Phase{
	PhaseStarting:     {PhaseInitializing, PhaseStopping, PhaseError},
	PhaseInitializing: {PhaseRunning, PhaseStopping, PhaseError},
	PhaseRunning:      {PhaseStopping, PhaseError},
	PhaseStopping:     {PhaseStopped, PhaseError},
	PhaseError:        {PhaseStopping},
}

type phaseMachine struct {
	mu    sync.Mutex
	phase Phase
}

func newPhaseMachine(initial Phase) *phaseMachine {
	return &phaseMachine{phase: initial}
}

// Transition moves to to and reports whether that was allowed. Staying in
// the same phase is always allowed.
func (pm *phaseMachine) Transition(to Phase) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.phase == to {
		return true
	}
	for _, p := range successors[pm.phase] {
		if p == to {
			pm.phase = to
			return true
		}
	}
	return false
}

func (pm *phaseMachine) Current() Phase {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.phase
}

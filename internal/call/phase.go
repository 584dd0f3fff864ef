package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// Phase is the lifecycle position of a connection. Phases only move
// forward; a connection can enter Releasing from any earlier phase but
// never returns to one it has left.
type Phase int

const (
	// PhaseSetUp is the initial phase, signaling being initiated.
	PhaseSetUp Phase = iota
	// PhaseAlerting indicates the remote party is being alerted.
	PhaseAlerting
	// PhaseConnected indicates the remote party answered.
	PhaseConnected
	// PhaseEstablished indicates media is set up and the call is live.
	PhaseEstablished
	// PhaseReleasing indicates teardown has started.
	PhaseReleasing
	// PhaseReleased is the terminal phase.
	PhaseReleased
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseSetUp:
		return "SetUp"
	case PhaseAlerting:
		return "Alerting"
	case PhaseConnected:
		return "Connected"
	case PhaseEstablished:
		return "Established"
	case PhaseReleasing:
		return "Releasing"
	case PhaseReleased:
		return "Released"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// IsReleasing reports whether teardown has started or finished.
func (p Phase) IsReleasing() bool {
	return p >= PhaseReleasing
}

// IsTerminal reports whether the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseReleased
}

// Phase machine events.
const (
	eventAlert     = "alert"
	eventConnect   = "connect"
	eventEstablish = "establish"
	eventRelease   = "release"
	eventReleased  = "released"
)

// phaseMachine enforces the forward-only phase order. Invalid
// transitions are rejected, not clamped, so a caller trying to move a
// connection backwards learns about it.
type phaseMachine struct {
	mu sync.Mutex
	m  *fsm.FSM
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{
		m: fsm.NewFSM(
			PhaseSetUp.String(),
			fsm.Events{
				{Name: eventAlert, Src: []string{PhaseSetUp.String()}, Dst: PhaseAlerting.String()},
				{Name: eventConnect, Src: []string{PhaseSetUp.String(), PhaseAlerting.String()}, Dst: PhaseConnected.String()},
				{Name: eventEstablish, Src: []string{PhaseConnected.String()}, Dst: PhaseEstablished.String()},
				{Name: eventRelease, Src: []string{
					PhaseSetUp.String(),
					PhaseAlerting.String(),
					PhaseConnected.String(),
					PhaseEstablished.String(),
				}, Dst: PhaseReleasing.String()},
				{Name: eventReleased, Src: []string{PhaseReleasing.String()}, Dst: PhaseReleased.String()},
			},
			fsm.Callbacks{},
		),
	}
}

// current returns the machine's phase.
func (pm *phaseMachine) current() Phase {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return phaseFromString(pm.m.Current())
}

// fire attempts a transition, returning an error when the event is not
// valid from the current phase.
func (pm *phaseMachine) fire(event string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.m.Event(context.Background(), event); err != nil {
		return fmt.Errorf("phase transition %q from %s: %w", event, pm.m.Current(), err)
	}
	return nil
}

func phaseFromString(s string) Phase {
	switch s {
	case PhaseSetUp.String():
		return PhaseSetUp
	case PhaseAlerting.String():
		return PhaseAlerting
	case PhaseConnected.String():
		return PhaseConnected
	case PhaseEstablished.String():
		return PhaseEstablished
	case PhaseReleasing.String():
		return PhaseReleasing
	default:
		return PhaseReleased
	}
}

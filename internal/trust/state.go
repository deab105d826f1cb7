package trust

import (
	"fmt"
	"strings"
)

// State is the lifecycle position of a device.
type State string

const (
	StateUnapproved State = "unapproved"
	StateActive     State = "active"
	StateDegraded   State = "degraded"
	StateDisabled   State = "disabled"
)

// ParseState maps a stored value back to a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateUnapproved, StateActive, StateDegraded, StateDisabled:
		return st, nil
	}
	return "", fmt.Errorf("unknown device state %q", s)
}

// Trigger is an input to the state machine.
type Trigger string

const (
	TriggerApprove  Trigger = "approve"
	TriggerReject   Trigger = "reject"
	TriggerDegrade  Trigger = "degrade"  // trust crossed below DegradeThreshold
	TriggerCollapse Trigger = "collapse" // trust crossed below DisableThreshold
)

// Effect is a bit set of side effects a transition requires.
type Effect uint8

const (
	EffectApprove Effect = 1 << iota
	EffectUnapprove
	EffectActivate
	EffectDeactivate
	EffectRevokeSessions

	EffectNone Effect = 0
)

// Has reports whether all bits of f are set in e.
func (e Effect) Has(f Effect) bool { return e&f == f && f != 0 }

func (e Effect) String() string {
	if e == EffectNone {
		return "none"
	}
	names := []struct {
		bit  Effect
		name string
	}{
		{EffectApprove, "approve"},
		{EffectUnapprove, "unapprove"},
		{EffectActivate, "activate"},
		{EffectDeactivate, "deactivate"},
		{EffectRevokeSessions, "revoke_sessions"},
	}
	var parts []string
	for _, n := range names {
		if e.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

type transition struct {
	to      State
	effects Effect
}

// transitions is the complete state machine. Nothing moves a device back
// toward active except an approve trigger.
var transitions = map[State]map[Trigger]transition{
	StateUnapproved: {
		TriggerApprove: {StateActive, EffectApprove | EffectActivate},
		TriggerReject:  {StateDisabled, EffectUnapprove | EffectDeactivate | EffectRevokeSessions},
	},
	StateActive: {
		TriggerDegrade:  {StateDegraded, EffectRevokeSessions},
		TriggerCollapse: {StateDisabled, EffectDeactivate},
		TriggerReject:   {StateDisabled, EffectUnapprove | EffectDeactivate | EffectRevokeSessions},
	},
	StateDegraded: {
		TriggerCollapse: {StateDisabled, EffectDeactivate},
		TriggerApprove:  {StateActive, EffectApprove | EffectActivate},
		TriggerReject:   {StateDisabled, EffectUnapprove | EffectDeactivate | EffectRevokeSessions},
	},
	StateDisabled: {
		TriggerApprove: {StateActive, EffectApprove | EffectActivate},
		TriggerReject:  {StateDisabled, EffectUnapprove | EffectRevokeSessions},
	},
}

// ErrNoTransition is returned when a trigger is not defined for a state.
type ErrNoTransition struct {
	From    State
	Trigger Trigger
}

func (e *ErrNoTransition) Error() string {
	return fmt.Sprintf("no transition from %s on %s", e.From, e.Trigger)
}

// Fire applies a single trigger.
func Fire(from State, t Trigger) (State, Effect, error) {
	tr, ok := transitions[from][t]
	if !ok {
		return from, EffectNone, &ErrNoTransition{From: from, Trigger: t}
	}
	return tr.to, tr.effects, nil
}

// Crossings lists the thresholds crossed downward when trust moves from old
// to updated, highest threshold first.
func Crossings(old, updated float64) []Trigger {
	var out []Trigger
	if old >= DegradeThreshold && updated < DegradeThreshold {
		out = append(out, TriggerDegrade)
	}
	if old >= DisableThreshold && updated < DisableThreshold {
		out = append(out, TriggerCollapse)
	}
	return out
}

// Evaluate runs every crossing between old and updated through the table and
// returns the resulting state with the union of effects. Crossings that are
// undefined for the current state are ignored.
func Evaluate(from State, old, updated float64) (State, Effect) {
	state, effects := from, EffectNone
	for _, t := range Crossings(old, updated) {
		next, eff, err := Fire(state, t)
		if err != nil {
			continue
		}
		state = next
		effects |= eff
	}
	return state, effects
}

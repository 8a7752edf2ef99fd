package incident

import (
	"errors"
	"fmt"

	"github.com/msageha/fleetguard/internal/model"
)

// Actions on an incident.
const (
	ActionCreate      = "create"
	ActionAssign      = "assign"
	ActionAcknowledge = "acknowledge"
	ActionResolve     = "resolve"
	ActionClose       = "close"
	ActionReopen      = "reopen"
	ActionNote        = "note"
	ActionPostmortem  = "postmortem"
	ActionStep        = "step"
	ActionEscalate    = "escalate"
)

var (
	ErrIllegalTransition = errors.New("illegal incident transition")
	ErrMissingActor      = errors.New("actor is required")
	ErrUnknownWorkflow   = errors.New("unknown workflow")
	ErrUnknownStep       = errors.New("unknown workflow step")
	ErrInvalidSeverity   = errors.New("invalid severity")
	ErrInvalidInput      = errors.New("invalid input")
)

var (
	notClosed = stateSet(model.IncidentOpen, model.IncidentAcknowledged, model.IncidentResolved)
	notOpen   = stateSet(model.IncidentAcknowledged, model.IncidentResolved, model.IncidentClosed)
)

// legal lists the states each action may start from.
var legal = map[string]map[model.IncidentState]bool{
	ActionAssign:      notClosed,
	ActionNote:        notClosed,
	ActionPostmortem:  notClosed,
	ActionStep:        notClosed,
	ActionAcknowledge: stateSet(model.IncidentOpen, model.IncidentAcknowledged),
	ActionResolve:     stateSet(model.IncidentOpen, model.IncidentAcknowledged, model.IncidentResolved),
	ActionClose:       stateSet(model.IncidentResolved, model.IncidentClosed),
	ActionReopen:      notOpen,
	ActionEscalate:    stateSet(model.IncidentOpen),
}

func stateSet(states ...model.IncidentState) map[model.IncidentState]bool {
	m := make(map[model.IncidentState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// Allowed reports whether action may be applied to an incident in state.
func Allowed(action string, state model.IncidentState) bool {
	return legal[action][state]
}

func checkAllowed(action string, inc *model.IncidentRun) error {
	if !Allowed(action, inc.State) {
		return fmt.Errorf("%w: cannot %s incident %s in state %s", ErrIllegalTransition, action, inc.ID, inc.State)
	}
	return nil
}

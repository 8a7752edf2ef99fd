package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/notify"
)

// StepResult reports one executed workflow step. Err is the side effect's
// failure, if any; the step is recorded either way.
type StepResult struct {
	Incident *model.IncidentRun `json:"incident"`
	StepID   string             `json:"stepId"`
	Kind     model.StepKind     `json:"kind"`
	RunID    string             `json:"runId,omitempty"`
	Err      string             `json:"error,omitempty"`
}

// Workflow returns the configured workflow with id.
func (e *Engine) Workflow(id string) (model.Workflow, bool) {
	w, ok := e.settings.Load().workflows[id]
	return w, ok
}

func (e *Engine) step(inc *model.IncidentRun, stepID string) (model.WorkflowStep, error) {
	w, ok := e.Workflow(inc.WorkflowID)
	if !ok {
		return model.WorkflowStep{}, fmt.Errorf("%w: incident %s has workflow %q", ErrUnknownWorkflow, inc.ID, inc.WorkflowID)
	}
	for _, s := range w.Steps {
		if s.ID == stepID {
			return s, nil
		}
	}
	return model.WorkflowStep{}, fmt.Errorf("%w: %q in workflow %s", ErrUnknownStep, stepID, w.ID)
}

// ExecuteStep runs a step of the incident's workflow and records it on the
// timeline. Notify steps go to the dispatcher, remediate steps to the
// remediation trigger. A failed side effect is recorded on the event and
// never undoes the incident.
func (e *Engine) ExecuteStep(ctx context.Context, id, stepID, actor string) (*StepResult, error) {
	if actor == "" {
		return nil, ErrMissingActor
	}
	cur, err := e.store.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	if err := checkAllowed(ActionStep, cur); err != nil {
		return nil, err
	}
	st, err := e.step(cur, stepID)
	if err != nil {
		return nil, err
	}

	res := &StepResult{StepID: st.ID, Kind: st.Kind}
	var sideErr error
	switch st.Kind {
	case model.StepNotify:
		sideErr = e.notifier.Notify(ctx, notify.Message{
			Kind:   notify.KindWorkflowStep,
			Target: st.Target,
			Title:  fmt.Sprintf("[%s] %s: %s", cur.Severity, cur.Title, st.Title),
			Detail: fmt.Sprintf("incident %s step %s executed by %s", cur.ID, st.ID, actor),
		})
	case model.StepRemediate:
		sideErr = e.remediate(ctx, cur, st, actor, res)
	}
	if sideErr != nil {
		res.Err = sideErr.Error()
		e.logger.Warn("workflow step side effect failed", "incident", cur.ID, "step", st.ID, "error", sideErr)
	}

	inc, err := e.transition(ctx, id, ActionStep, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		meta := map[string]any{"kind": string(st.Kind), "ok": sideErr == nil}
		if st.Target != "" {
			meta["target"] = st.Target
		}
		if st.ActionID != "" {
			meta["actionId"] = st.ActionID
		}
		if res.RunID != "" {
			meta["runId"] = res.RunID
		}
		if res.Err != "" {
			meta["error"] = res.Err
		}
		ev := e.event(next, model.EventIncidentStep, actor, now, "step "+st.ID+": "+st.Title, meta)
		ev.StepID = st.ID
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	res.Incident = inc
	return res, nil
}

func (e *Engine) remediate(ctx context.Context, inc *model.IncidentRun, st model.WorkflowStep, actor string, res *StepResult) error {
	if e.remed == nil {
		return errors.New("remediation is not available")
	}
	if inc.HostID == "" {
		return fmt.Errorf("incident %s has no host to remediate", inc.ID)
	}
	runID, err := e.remed.QueueRemediation(ctx, RemediationRequest{
		IncidentID: inc.ID,
		HostID:     inc.HostID,
		ActionID:   st.ActionID,
		Actor:      actor,
		Reason:     fmt.Sprintf("incident %s step %s", inc.ID, st.ID),
	})
	res.RunID = runID
	return err
}

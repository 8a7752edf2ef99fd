package remediation

import (
	"context"
	"fmt"

	"github.com/msageha/fleetguard/internal/fleet"
)

// WaveRequest is the operator input shared by every host in a wave.
type WaveRequest struct {
	ConfirmPhrase string `json:"confirmPhrase"`
	Actor         string `json:"actor"`
}

// WaveHostResult is the admission result for one host of a wave.
type WaveHostResult struct {
	HostID  string `json:"hostId"`
	RunID   string `json:"runId,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WaveResult reports a wave submission. Rejections of individual hosts are
// results, not errors.
type WaveResult struct {
	ActionID string           `json:"actionId"`
	Wave     int              `json:"wave"`
	Queued   int              `json:"queued"`
	Rejected int              `json:"rejected"`
	Hosts    []WaveHostResult `json:"hosts"`
}

// ExecuteWave submits plan's wave through the normal execute admission for
// each host. Later waves are the caller's to trigger once this one is
// healthy.
func (e *Engine) ExecuteWave(ctx context.Context, plan *fleet.RolloutPlan, wave int, req WaveRequest) (*WaveResult, error) {
	hosts, err := plan.Wave(wave)
	if err != nil {
		return nil, err
	}
	res := &WaveResult{ActionID: plan.ActionID, Wave: wave, Hosts: make([]WaveHostResult, len(hosts))}

	for i, h := range hosts {
		if h == nil {
			return nil, fmt.Errorf("wave %d: host %d missing from plan", wave, i)
		}
		hr := WaveHostResult{HostID: h.ID}
		run, err := e.Execute(ctx, ExecuteRequest{
			HostID: h.ID, ActionID: plan.ActionID, ConfirmPhrase: req.ConfirmPhrase, Actor: req.Actor,
		})
		switch ae, ok := AsAdmission(err); {
		case err == nil:
			hr.RunID = run.ID
			res.Queued++
		case ok:
			hr.Code, hr.Message = ae.Code, ae.Message
			res.Rejected++
		default:
			return nil, fmt.Errorf("execute wave %d on %s: %w", wave, h.ID, err)
		}
		res.Hosts[i] = hr
	}
	e.logger.Info("wave submitted", "action", plan.ActionID, "wave", wave, "queued", res.Queued, "rejected", res.Rejected)
	return res, nil
}

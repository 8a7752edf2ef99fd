package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/guard"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/policy"
	"github.com/msageha/fleetguard/internal/store"
)

// Audit kinds.
const (
	AuditRunQueued       = "run_queued"
	AuditDryRun          = "run_dry_run"
	AuditRunStarted      = "run_started"
	AuditRunFinished     = "run_finished"
	AuditRunRetried      = "run_retried"
	AuditRunDeadLettered = "run_dead_lettered"
	AuditRunExpired      = "run_expired"
	AuditRollback        = "run_rollback"
	AuditRunReplayed     = "run_replayed"
	AuditRunApproved     = "run_approved"
	AuditRunRejected     = "run_rejected"
	AuditRunCanceled     = "run_canceled"
)

// ExecuteRequest asks for one action to run on one host.
type ExecuteRequest struct {
	HostID        string
	ActionID      string
	ConfirmPhrase string
	Actor         string
}

// AutoRequest asks for an alert-driven run.
type AutoRequest struct {
	HostID   string
	ActionID string
	Reason   string
}

var (
	activeExecuteStates = []model.RunState{model.RunStateQueued, model.RunStateRunning}
	// canceled runs never touched the host and do not count against limits
	countedExecuteStates = []model.RunState{
		model.RunStateQueued, model.RunStateRunning, model.RunStateSucceeded, model.RunStateFailed,
	}
)

// target bundles what admission needs about one host+action pair.
type target struct {
	host   *model.Host
	action model.RemediationAction
	eff    policy.Effective
}

func (e *Engine) resolve(ctx context.Context, hostID, actionID string) (*target, error) {
	action, err := e.lookupAction(actionID)
	if err != nil {
		return nil, err
	}
	host, err := e.lookupHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return &target{host: host, action: action, eff: e.policy.Resolve(host.Metadata)}, nil
}

// checkGates evaluates admission gates (a) through (g) for an execute run in
// order and returns the first rejection.
func (e *Engine) checkGates(ctx context.Context, t *target, now time.Time) (*AdmissionError, error) {
	if !t.host.Enabled {
		return reject(CodeHostDisabled, "host %s is disabled", t.host.ID), nil
	}

	// (a) command guard
	if vs := guard.Validate(t.action.Commands, t.eff.Guard); len(vs) > 0 {
		ae := reject(CodeGuardViolation, "action %s violates the command guard: %s", t.action.ID, guard.Summary(vs))
		ae.Violations = vs
		return ae, nil
	}

	// (b) fresh dry run
	fresh, err := e.dryRunFresh(ctx, t, now)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return reject(CodeDryRunStale, "no successful dry run of %s on %s in the last %d minutes",
			t.action.ID, t.host.ID, t.eff.DryRunMaxAgeMinutes), nil
	}

	// (c) one running execute per host+action
	n, err := e.runs.CountRuns(ctx, store.RunFilter{
		HostID: t.host.ID, ActionID: t.action.ID, Mode: model.RunModeExecute,
		States: []model.RunState{model.RunStateRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("count running: %w", err)
	}
	if n > 0 {
		return reject(CodeAlreadyRunning, "%s is already running on %s", t.action.ID, t.host.ID), nil
	}

	// (d) hourly execute budget for the host
	hourAgo := now.Add(-time.Hour)
	n, err = e.runs.CountRuns(ctx, store.RunFilter{
		HostID: t.host.ID, Mode: model.RunModeExecute, States: countedExecuteStates, Since: &hourAgo,
	})
	if err != nil {
		return nil, fmt.Errorf("count hourly: %w", err)
	}
	if n >= t.eff.MaxExecutePerHour {
		ae := reject(CodeRateLimited, "host %s reached %d executions in the last hour", t.host.ID, t.eff.MaxExecutePerHour)
		ae.RetryAfter = time.Minute
		return ae, nil
	}

	// (e) cooldown since the latest execute of this action on the host
	if cd := time.Duration(t.eff.ExecuteCooldownMinutes) * time.Minute; cd > 0 {
		last, err := e.runs.ListRuns(ctx, store.RunFilter{
			HostID: t.host.ID, ActionID: t.action.ID, Mode: model.RunModeExecute,
			States: countedExecuteStates, Limit: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("latest execute: %w", err)
		}
		if len(last) > 0 {
			if elapsed := now.Sub(last[0].RequestedAt); elapsed < cd {
				ae := reject(CodeCooldownActive, "%s ran on %s %s ago; cooldown is %s",
					t.action.ID, t.host.ID, elapsed.Truncate(time.Second), cd)
				ae.RetryAfter = cd - elapsed
				return ae, nil
			}
		}
	}

	// (f) host backlog
	n, err = e.runs.CountRuns(ctx, store.RunFilter{HostID: t.host.ID, Mode: model.RunModeExecute, States: activeExecuteStates})
	if err != nil {
		return nil, fmt.Errorf("count host backlog: %w", err)
	}
	if n >= t.eff.MaxQueuePerHost {
		return reject(CodeHostQueueFull, "host %s has %d queued or running runs (max %d)", t.host.ID, n, t.eff.MaxQueuePerHost), nil
	}

	// (g) global backlog
	n, err = e.runs.CountRuns(ctx, store.RunFilter{Mode: model.RunModeExecute, States: []model.RunState{model.RunStateQueued}})
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	if n >= t.eff.MaxQueueTotal {
		return reject(CodeQueueFull, "queue holds %d runs (max %d)", n, t.eff.MaxQueueTotal), nil
	}
	return nil, nil
}

func (e *Engine) dryRunFresh(ctx context.Context, t *target, now time.Time) (bool, error) {
	runs, err := e.runs.ListRuns(ctx, store.RunFilter{
		HostID: t.host.ID, ActionID: t.action.ID, Mode: model.RunModeDryRun,
		States: []model.RunState{model.RunStateSucceeded}, Limit: 1,
	})
	if err != nil {
		return false, fmt.Errorf("latest dry run: %w", err)
	}
	if len(runs) == 0 {
		return false, nil
	}
	at := runs[0].RequestedAt
	if runs[0].FinishedAt != nil {
		at = *runs[0].FinishedAt
	}
	return now.Sub(at) <= time.Duration(t.eff.DryRunMaxAgeMinutes)*time.Minute, nil
}

func (e *Engine) rejected(ae *AdmissionError) *AdmissionError {
	if e.metrics != nil {
		e.metrics.AdmissionRejected.WithLabelValues(ae.Code).Inc()
	}
	return ae
}

// newRun builds a queued execute run for t.
func (e *Engine) newRun(t *target, now time.Time, actor string) *model.RemediationRun {
	bucket := CanaryBucket(t.host.ID)
	canaryOn := t.eff.CanaryEnabled && len(t.action.CanaryChecks) > 0
	run := &model.RemediationRun{
		ID:          model.NewID(model.IDTypeRun),
		HostID:      t.host.ID,
		ActionID:    t.action.ID,
		Mode:        model.RunModeExecute,
		State:       model.RunStateQueued,
		RequestedAt: now,
		RequestedBy: actor,
		MaxAttempts: t.eff.MaxRetryAttempts,
		Approval:    model.Approval{Status: model.ApprovalNone},
		Canary: model.Canary{
			Enabled:        canaryOn,
			RolloutPercent: t.eff.CanaryRolloutPercent,
			Bucket:         bucket,
			Selected:       canaryOn && CanarySelected(bucket, t.eff.CanaryRolloutPercent),
			Checks:         append([]string(nil), t.action.CanaryChecks...),
		},
		Rollback: model.Rollback{
			Enabled:  t.eff.AutoRollback && len(t.action.RollbackCommands) > 0,
			Commands: append([]string(nil), t.action.RollbackCommands...),
		},
	}
	return run
}

func requireApproval(run *model.RemediationRun, now time.Time) {
	run.Approval = model.Approval{Required: true, Status: model.ApprovalPending, RequestedAt: model.TimePtr(now)}
}

func (e *Engine) enqueue(ctx context.Context, run *model.RemediationRun, origin string) error {
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RunsAdmitted.WithLabelValues(string(run.Mode), origin).Inc()
	}
	e.publish(events.EventRunQueued, map[string]any{
		"runId": run.ID, "hostId": run.HostID, "actionId": run.ActionID,
		"approval": string(run.Approval.Status), "origin": origin,
	})
	e.recordAudit(ctx, AuditRunQueued, run, run.RequestedBy, map[string]any{
		"origin": origin, "approval": string(run.Approval.Status), "canarySelected": run.Canary.Selected,
	})
	e.logger.Info("run queued", "run", run.ID, "host", run.HostID, "action", run.ActionID,
		"origin", origin, "approval", run.Approval.Status)
	return nil
}

// Execute admits an execute run or rejects it with an *AdmissionError. No
// run is created on rejection. High-risk actions are queued pending
// approval.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*model.RemediationRun, error) {
	t, err := e.resolve(ctx, req.HostID, req.ActionID)
	if err != nil {
		if ae, ok := AsAdmission(err); ok {
			return nil, e.rejected(ae)
		}
		return nil, err
	}
	if phrase := t.action.ConfirmPhrase; phrase != "" && strings.TrimSpace(req.ConfirmPhrase) != phrase {
		return nil, e.rejected(reject(CodeConfirmPhraseMismatch, "action %s requires its confirmation phrase", t.action.ID))
	}
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	now := e.clock()
	ae, err := e.checkGates(ctx, t, now)
	if err != nil {
		return nil, err
	}
	if ae != nil {
		return nil, e.rejected(ae)
	}

	run := e.newRun(t, now, req.Actor)
	if t.action.RequiresApproval() {
		requireApproval(run, now)
	}
	if err := e.enqueue(ctx, run, "operator"); err != nil {
		return nil, err
	}
	return run, nil
}

// AutoQueue admits an alert-driven run. observe-tier actions are never
// queued; guarded_auto actions, high-risk actions and actions with a
// confirmation phrase wait for operator approval.
func (e *Engine) AutoQueue(ctx context.Context, req AutoRequest) (*model.RemediationRun, error) {
	t, err := e.resolve(ctx, req.HostID, req.ActionID)
	if err != nil {
		if ae, ok := AsAdmission(err); ok {
			return nil, e.rejected(ae)
		}
		return nil, err
	}
	tier := t.action.AutoTier
	if tier == "" || tier == model.AutoTierObserve {
		return nil, e.rejected(reject(CodeAutoTierObserve, "action %s is observe-only", t.action.ID))
	}
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	now := e.clock()
	ae, err := e.checkGates(ctx, t, now)
	if err != nil {
		return nil, err
	}
	if ae != nil {
		return nil, e.rejected(ae)
	}

	run := e.newRun(t, now, "")
	run.Auto = model.AutoQueue{Queued: true, Reason: req.Reason, Tier: tier}
	if tier == model.AutoTierGuardedAuto || t.action.RequiresApproval() || t.action.ConfirmPhrase != "" {
		requireApproval(run, now)
	}
	if err := e.enqueue(ctx, run, "auto"); err != nil {
		return nil, err
	}
	return run, nil
}

// DryRun records a no-op rehearsal of the action on the host. A successful
// dry run is what gate (b) looks for. Only the command guard and the host
// checks apply.
func (e *Engine) DryRun(ctx context.Context, req ExecuteRequest) (*model.RemediationRun, error) {
	t, err := e.resolve(ctx, req.HostID, req.ActionID)
	if err != nil {
		if ae, ok := AsAdmission(err); ok {
			return nil, e.rejected(ae)
		}
		return nil, err
	}
	if !t.host.Enabled {
		return nil, e.rejected(reject(CodeHostDisabled, "host %s is disabled", t.host.ID))
	}
	if vs := guard.Validate(t.action.Commands, t.eff.Guard); len(vs) > 0 {
		ae := reject(CodeGuardViolation, "action %s violates the command guard: %s", t.action.ID, guard.Summary(vs))
		ae.Violations = vs
		return nil, e.rejected(ae)
	}

	now := e.clock()
	var out strings.Builder
	fmt.Fprintf(&out, "dry run of %s on %s (%s)\n", t.action.ID, t.host.ID, t.host.Address)
	for i, c := range t.action.Commands {
		fmt.Fprintf(&out, "would run [%d]: %s\n", i, c)
	}
	for i, c := range t.action.RollbackCommands {
		fmt.Fprintf(&out, "rollback [%d]: %s\n", i, c)
	}
	run := &model.RemediationRun{
		ID:          model.NewID(model.IDTypeRun),
		HostID:      t.host.ID,
		ActionID:    t.action.ID,
		Mode:        model.RunModeDryRun,
		State:       model.RunStateSucceeded,
		RequestedAt: now,
		RequestedBy: req.Actor,
		StartedAt:   model.TimePtr(now),
		FinishedAt:  model.TimePtr(now),
		MaxAttempts: 1,
		Attempts:    1,
		Output:      out.String(),
		Approval:    model.Approval{Status: model.ApprovalNone},
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create dry run: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RunsAdmitted.WithLabelValues(string(run.Mode), "operator").Inc()
	}
	e.recordAudit(ctx, AuditDryRun, run, req.Actor, nil)
	return run, nil
}

// Candidate is one action as seen by Plan.
type Candidate struct {
	Action           model.RemediationAction `json:"action"`
	Violations       []guard.Violation       `json:"violations,omitempty"`
	DryRunFresh      bool                    `json:"dryRunFresh"`
	RequiresApproval bool                    `json:"requiresApproval"`
	// Blocked is the gate an execute request would fail right now, or "".
	Blocked        string `json:"blocked,omitempty"`
	BlockedMessage string `json:"blockedMessage,omitempty"`
}

// HostPlan lists the catalog against one host with its effective policy.
type HostPlan struct {
	HostID     string           `json:"hostId"`
	Policy     policy.Effective `json:"policy"`
	Candidates []Candidate      `json:"candidates"`
}

// Plan reports, for every catalog action, whether an execute request for
// hostID would currently be admitted. It writes nothing.
func (e *Engine) Plan(ctx context.Context, hostID string) (*HostPlan, error) {
	host, err := e.lookupHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	eff := e.policy.Resolve(host.Metadata)
	now := e.clock()
	plan := &HostPlan{HostID: host.ID, Policy: eff, Candidates: []Candidate{}}
	for _, a := range e.Catalog().List() {
		t := &target{host: host, action: a, eff: eff}
		c := Candidate{
			Action:           a,
			Violations:       guard.Validate(a.Commands, eff.Guard),
			RequiresApproval: a.RequiresApproval(),
		}
		if c.DryRunFresh, err = e.dryRunFresh(ctx, t, now); err != nil {
			return nil, err
		}
		ae, err := e.checkGates(ctx, t, now)
		if err != nil {
			return nil, err
		}
		if ae != nil {
			c.Blocked, c.BlockedMessage = ae.Code, ae.Message
		}
		plan.Candidates = append(plan.Candidates, c)
	}
	return plan, nil
}

package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/store"
)

// pendingRun loads runID and checks it is queued awaiting approval.
func (e *Engine) pendingRun(ctx context.Context, runID, actor string) (*model.RemediationRun, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrMissingActor
	}
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if run.State != model.RunStateQueued || run.Approval.Status != model.ApprovalPending {
		return nil, fmt.Errorf("run %s (%s, approval %s): %w", run.ID, run.State, run.Approval.Status, ErrNotPendingApproval)
	}
	return run, nil
}

// Approve makes a pending run eligible for drain. A run that waited longer
// than its queue TTL is canceled instead and ErrApprovalExpired returned.
func (e *Engine) Approve(ctx context.Context, runID, actor string) (*model.RemediationRun, error) {
	run, err := e.pendingRun(ctx, runID, actor)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	if e.approvalExpired(ctx, run, now) {
		if _, _, err := e.cancelQueued(ctx, run, ReasonApprovalExpired, actor); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("approve %s: %w", run.ID, ErrApprovalExpired)
	}

	next := run.Clone()
	next.Approval.Status = model.ApprovalApproved
	next.Approval.ApprovedAt = model.TimePtr(now)
	next.Approval.ApprovedByUserID = actor
	if err := e.runs.UpdateRun(ctx, next, model.RunStateQueued, run.Rev); err != nil {
		return nil, fmt.Errorf("approve %s: %w", run.ID, err)
	}
	e.recordAudit(ctx, AuditRunApproved, next, actor, nil)
	e.logger.Info("run approved", "run", next.ID, "actor", actor)
	return next, nil
}

// Reject cancels a pending run with reason.
func (e *Engine) Reject(ctx context.Context, runID, actor, reason string) (*model.RemediationRun, error) {
	run, err := e.pendingRun(ctx, runID, actor)
	if err != nil {
		return nil, err
	}
	next := run.Clone()
	next.State = model.RunStateCanceled
	next.FinishedAt = model.TimePtr(e.clock())
	next.LastError = ReasonApprovalRejected
	next.Approval.Status = model.ApprovalRejected
	next.Approval.RejectReason = strings.TrimSpace(reason)
	if err := e.runs.UpdateRun(ctx, next, model.RunStateQueued, run.Rev); err != nil {
		return nil, fmt.Errorf("reject %s: %w", run.ID, err)
	}
	e.finishedByOperator(ctx, next, AuditRunRejected, actor, map[string]any{"reason": next.Approval.RejectReason})
	return next, nil
}

// Cancel withdraws a queued run. Running runs cannot be canceled.
func (e *Engine) Cancel(ctx context.Context, runID, actor string) (*model.RemediationRun, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrMissingActor
	}
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	switch {
	case run.State == model.RunStateRunning:
		return nil, fmt.Errorf("cancel %s: %w", run.ID, ErrRunInFlight)
	case model.IsRunTerminal(run.State):
		return nil, fmt.Errorf("cancel %s: %w", run.ID, ErrRunTerminal)
	}
	next := run.Clone()
	next.State = model.RunStateCanceled
	next.FinishedAt = model.TimePtr(e.clock())
	next.LastError = "canceled by " + actor
	if err := e.runs.UpdateRun(ctx, next, model.RunStateQueued, run.Rev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// a drain claimed it in between
			return nil, fmt.Errorf("cancel %s: %w", run.ID, ErrRunInFlight)
		}
		return nil, fmt.Errorf("cancel %s: %w", run.ID, err)
	}
	e.finishedByOperator(ctx, next, AuditRunCanceled, actor, nil)
	return next, nil
}

func (e *Engine) finishedByOperator(ctx context.Context, run *model.RemediationRun, kind, actor string, detail map[string]any) {
	if e.metrics != nil {
		e.metrics.RunOutcomes.WithLabelValues(string(run.State)).Inc()
	}
	e.publish(events.EventRunFinished, map[string]any{
		"runId": run.ID, "hostId": run.HostID, "actionId": run.ActionID,
		"state": string(run.State), "actor": actor, "finishedAt": run.FinishedAt.Format(time.RFC3339),
	})
	e.recordAudit(ctx, kind, run, actor, detail)
	e.logger.Info("run closed by operator", "run", run.ID, "kind", kind, "actor", actor)
}

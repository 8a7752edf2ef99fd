package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/executor"
	"github.com/msageha/fleetguard/internal/guard"
	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/policy"
	"github.com/msageha/fleetguard/internal/store"
)

// Run outcomes as reported by Drain.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeFailed       = "failed"
	OutcomeExpired      = "expired"
	OutcomeSkipped      = "skipped"
)

// Failure reasons recorded on runs.
const (
	ReasonQueueTTLExpired        = "queue_ttl_expired"
	ReasonApprovalExpired        = "approval_expired"
	ReasonApprovalRejected       = "approval_rejected"
	ReasonCanaryFailedRolledBack = "canary_failed_rolled_back"
	ReasonMaxAttempts            = "max_attempts_exhausted"
)

const maxErrorLen = 1024

// staleRunGrace is added to a running run's command budget before drain
// treats it as abandoned by a crashed worker.
const staleRunGrace = 2 * time.Minute

var errStaleRun = errors.New("run abandoned while running")

// DrainResult summarizes one Drain call. Processed counts runs whose state
// this call changed; Errors holds store failures, not run failures.
type DrainResult struct {
	Processed      int      `json:"processed"`
	RequestedLimit int      `json:"requestedLimit"`
	OK             bool     `json:"ok"`
	Errors         []string `json:"errors"`
	Succeeded      int      `json:"succeeded"`
	Retried        int      `json:"retried"`
	DeadLettered   int      `json:"deadLettered"`
	Failed         int      `json:"failed"`
	RolledBack     int      `json:"rolledBack"`
	Expired        int      `json:"expired"`
	Skipped        int      `json:"skipped"`
	Reclaimed      int      `json:"reclaimed"`
	RunIDs         []string `json:"runIds"`
}

func (r *DrainResult) count(outcome string) {
	switch outcome {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeRetried:
		r.Retried++
	case OutcomeDeadLettered:
		r.DeadLettered++
	case OutcomeFailed:
		r.Failed++
	case OutcomeExpired:
		r.Expired++
	case OutcomeSkipped:
		r.Skipped++
		return
	}
	r.Processed++
}

// Drain reclaims stale running runs, then claims up to limit eligible runs,
// oldest first, and drives each through execution and outcome recording one
// at a time. Runs claimed by a concurrent drain are skipped. One run's
// failure never stops the batch.
func (e *Engine) Drain(ctx context.Context, limit int) (DrainResult, error) {
	if limit <= 0 {
		limit = e.drainLimit
	}
	ctx, span := e.tracer.Start(ctx, "remediation.drain", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	res := DrainResult{RequestedLimit: limit, Errors: []string{}, RunIDs: []string{}}
	if err := e.reclaimStale(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	runs, err := e.runs.ListEligible(ctx, e.clock(), limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list eligible")
		e.observeBatch(err)
		return res, fmt.Errorf("list eligible runs: %w", err)
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			break
		}
		outcome, rolledBack, err := e.drainOne(ctx, run)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", run.ID, err))
			e.logger.Error("drain run failed", "run", run.ID, "error", err)
			continue
		}
		res.count(outcome)
		if rolledBack {
			res.RolledBack++
		}
		if outcome != OutcomeSkipped {
			res.RunIDs = append(res.RunIDs, run.ID)
		}
	}

	if err := e.expirePendingApprovals(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.OK = len(res.Errors) == 0
	span.SetAttributes(attribute.Int("processed", res.Processed), attribute.Int("skipped", res.Skipped))
	if !res.OK {
		span.SetStatus(codes.Error, "drain had errors")
		e.observeBatch(errors.New("partial"))
	} else {
		e.observeBatch(nil)
	}
	if e.metrics != nil {
		e.metrics.DrainProcessed.Add(float64(res.Processed))
	}
	if res.Processed > 0 || !res.OK {
		e.logger.Info("drain complete", "processed", res.Processed, "succeeded", res.Succeeded,
			"retried", res.Retried, "dead_lettered", res.DeadLettered, "skipped", res.Skipped,
			"reclaimed", res.Reclaimed, "errors", len(res.Errors))
	}
	return res, nil
}

// reclaimStale finds execute runs left in running past their deadline, as
// when a worker crashed mid-attempt, and settles them as failed attempts.
// The attempt was counted at claim time, so they retry with backoff or go
// to the DLQ once attempts are exhausted.
func (e *Engine) reclaimStale(ctx context.Context, res *DrainResult) error {
	running, err := e.runs.ListRuns(ctx, store.RunFilter{
		Mode: model.RunModeExecute, States: []model.RunState{model.RunStateRunning},
		OldestFirst: true, Limit: 100,
	})
	if err != nil {
		return fmt.Errorf("list running: %w", err)
	}
	now := e.clock()
	for _, run := range running {
		var meta []byte
		if h, err := e.hosts.GetHost(ctx, run.HostID); err == nil {
			meta = h.Metadata
		}
		eff := e.policy.Resolve(meta)
		deadline := runStartedAt(run).Add(e.runBudget(run, eff) + staleRunGrace)
		if !now.After(deadline) {
			continue
		}
		e.logger.Warn("reclaiming stale run", "run", run.ID, "host", run.HostID,
			"attempt", run.Attempts, "deadline", deadline)
		outcome, err := e.settle(ctx, run, fmt.Errorf("%w: no outcome by %s", errStaleRun, deadline.Format(time.RFC3339)), false, eff)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			// finished or reclaimed concurrently
			continue
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", run.ID, err))
			continue
		}
		res.Reclaimed++
		res.count(outcome)
		res.RunIDs = append(res.RunIDs, run.ID)
	}
	return nil
}

func runStartedAt(run *model.RemediationRun) time.Time {
	switch {
	case run.StartedAt != nil:
		return *run.StartedAt
	case run.LastAttemptAt != nil:
		return *run.LastAttemptAt
	}
	return run.RequestedAt
}

// runBudget is the longest an attempt can take: every command, canary check
// and rollback command at the command timeout.
func (e *Engine) runBudget(run *model.RemediationRun, eff policy.Effective) time.Duration {
	steps := len(run.Canary.Checks) + len(run.Rollback.Commands)
	if action, ok := e.Catalog().Get(run.ActionID); ok {
		steps += len(action.Commands)
	}
	if steps == 0 {
		steps = 1
	}
	return time.Duration(steps) * time.Duration(eff.CommandTimeoutMs) * time.Millisecond
}

func (e *Engine) observeBatch(err error) {
	if e.metrics != nil {
		e.metrics.DrainBatches.WithLabelValues(metrics.Result(err)).Inc()
	}
}

func (e *Engine) observeOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.RunOutcomes.WithLabelValues(outcome).Inc()
	}
}

// drainOne takes a single eligible run to its next resting state.
func (e *Engine) drainOne(ctx context.Context, queued *model.RemediationRun) (outcome string, rolledBack bool, err error) {
	ctx, span := e.tracer.Start(ctx, "remediation.run", trace.WithAttributes(
		attribute.String("run.id", queued.ID),
		attribute.String("host.id", queued.HostID),
		attribute.String("action.id", queued.ActionID),
		attribute.Int("attempt", queued.Attempts+1),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := e.clock()
	host, hostErr := e.hosts.GetHost(ctx, queued.HostID)
	if hostErr != nil && !errors.Is(hostErr, store.ErrNotFound) {
		return "", false, fmt.Errorf("get host: %w", hostErr)
	}
	var eff policy.Effective
	if host != nil {
		eff = e.policy.Resolve(host.Metadata)
	} else {
		eff = e.policy.Resolve(nil)
	}

	ttl := time.Duration(eff.QueueTTLMinutes) * time.Minute
	if queued.Attempts == 0 && ttl > 0 && now.Sub(queued.RequestedAt) > ttl {
		return e.cancelQueued(ctx, queued, ReasonQueueTTLExpired, "")
	}

	claimed := queued.Clone()
	claimed.State = model.RunStateRunning
	claimed.StartedAt = model.TimePtr(now)
	claimed.LastAttemptAt = model.TimePtr(now)
	claimed.NextAttemptAt = nil
	claimed.Attempts++
	if err := e.runs.ClaimRun(ctx, claimed, queued.Rev); err != nil {
		if errors.Is(err, store.ErrBusy) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			e.observeOutcome(OutcomeSkipped)
			return OutcomeSkipped, false, nil
		}
		return "", false, fmt.Errorf("claim: %w", err)
	}
	e.recordAudit(ctx, AuditRunStarted, claimed, "", map[string]any{"attempt": claimed.Attempts})

	// The run is ours now. Outcomes are written even if ctx is canceled so a
	// shutdown never strands a run in running.
	wctx := context.WithoutCancel(ctx)
	started := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RunDuration.Observe(time.Since(started).Seconds())
		}
	}()

	action, known := e.Catalog().Get(claimed.ActionID)
	switch {
	case host == nil:
		return e.deadLetter(wctx, claimed, CodeUnknownHost, fmt.Errorf("host %s is not registered", claimed.HostID))
	case !host.Enabled:
		return e.deadLetter(wctx, claimed, CodeHostDisabled, fmt.Errorf("host %s is disabled", host.ID))
	case !known:
		return e.deadLetter(wctx, claimed, CodeUnknownAction, fmt.Errorf("action %s is not in the catalog", claimed.ActionID))
	}
	// policy may have tightened since admission
	if vs := e.guardRecheck(action, claimed, eff); len(vs) > 0 {
		return e.deadLetter(wctx, claimed, CodeGuardViolation, errors.New(guard.Summary(vs)))
	}

	cleanRollback, attemptErr := e.attempt(ctx, claimed, host, action, eff)
	outcome, err = e.settle(wctx, claimed, attemptErr, cleanRollback, eff)
	return outcome, claimed.Rollback.Attempted, err
}

func (e *Engine) guardRecheck(action model.RemediationAction, run *model.RemediationRun, eff policy.Effective) []guard.Violation {
	if vs := guard.Validate(action.Commands, eff.Guard); len(vs) > 0 {
		return vs
	}
	if run.Canary.Selected {
		if vs := guard.Validate(run.Canary.Checks, eff.Guard); len(vs) > 0 {
			return vs
		}
	}
	if run.Rollback.Enabled {
		return guard.Validate(run.Rollback.Commands, eff.Guard)
	}
	return nil
}

func request(host *model.Host, commands []string, eff policy.Effective) executor.Request {
	return executor.Request{
		Host:           host,
		Commands:       commands,
		Timeout:        time.Duration(eff.CommandTimeoutMs) * time.Millisecond,
		MaxBufferBytes: eff.MaxBufferBytes,
	}
}

func clip(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen] + "...[truncated]"
}

// attempt runs the action's commands, then canary checks for selected
// runs, then rollback when a canary check fails. It records canary and
// rollback results on run. A clean rollback is reported only when rollback
// succeeded.
func (e *Engine) attempt(ctx context.Context, run *model.RemediationRun, host *model.Host, action model.RemediationAction, eff policy.Effective) (bool, error) {
	res, err := e.exec.Run(ctx, request(host, action.Commands, eff))
	run.Output = res.Output
	if res.Truncated {
		run.Output += "\n...[output truncated]"
	}
	if err != nil {
		return false, fmt.Errorf("execute: %w", err)
	}
	if !run.Canary.Selected || len(run.Canary.Checks) == 0 {
		return false, nil
	}

	cres, cerr := e.exec.Run(ctx, request(host, run.Canary.Checks, eff))
	passed := cerr == nil
	run.Canary.LastCheckedAt = model.TimePtr(e.clock())
	run.Canary.Passed = model.BoolPtr(passed)
	if passed {
		run.Canary.Error = ""
		return false, nil
	}
	run.Canary.Error = clip(fmt.Sprintf("%v: %s", cerr, cres.Output))
	canaryErr := fmt.Errorf("canary check failed: %w", cerr)
	if !run.Rollback.Enabled || len(run.Rollback.Commands) == 0 {
		return false, canaryErr
	}
	return e.rollback(ctx, run, host, eff), canaryErr
}

// rollback runs the rollback commands and records their own result. A failed
// rollback is never retried.
func (e *Engine) rollback(ctx context.Context, run *model.RemediationRun, host *model.Host, eff policy.Effective) bool {
	rres, rerr := e.exec.Run(ctx, request(host, run.Rollback.Commands, eff))
	ok := rerr == nil
	run.Rollback.Attempted = true
	run.Rollback.LastRunAt = model.TimePtr(e.clock())
	run.Rollback.Succeeded = model.BoolPtr(ok)
	run.Rollback.Error = ""
	if !ok {
		run.Rollback.Error = clip(fmt.Sprintf("%v: %s", rerr, rres.Output))
	}

	if e.metrics != nil {
		e.metrics.Rollbacks.WithLabelValues(metrics.Result(rerr)).Inc()
	}
	e.publish(events.EventRollback, map[string]any{
		"runId": run.ID, "hostId": run.HostID, "actionId": run.ActionID,
		"succeeded": ok, "error": run.Rollback.Error,
	})
	e.recordAudit(context.WithoutCancel(ctx), AuditRollback, run, "", map[string]any{"succeeded": ok, "error": run.Rollback.Error})
	if ok {
		e.logger.Warn("canary failed, rolled back", "run", run.ID, "host", run.HostID)
	} else {
		e.logger.Error("rollback failed", "run", run.ID, "host", run.HostID, "error", rerr)
	}
	return ok
}

// settle writes the attempt's outcome: success, a terminal failure after
// a clean rollback, a scheduled retry, or the DLQ.
func (e *Engine) settle(ctx context.Context, claimed *model.RemediationRun, attemptErr error, rolledBack bool, eff policy.Effective) (string, error) {
	now := e.clock()
	next := claimed.Clone()
	var outcome string

	switch {
	case attemptErr == nil:
		next.State = model.RunStateSucceeded
		next.FinishedAt = model.TimePtr(now)
		next.LastError = ""
		outcome = OutcomeSucceeded
	case rolledBack:
		next.State = model.RunStateFailed
		next.FinishedAt = model.TimePtr(now)
		next.LastError = clip(ReasonCanaryFailedRolledBack + ": " + attemptErr.Error())
		outcome = OutcomeFailed
	case next.Attempts < next.MaxAttempts:
		delay := Backoff(next.Attempts-1,
			time.Duration(eff.RetryBackoffSeconds)*time.Second,
			time.Duration(eff.RetryBackoffMaxSeconds)*time.Second)
		next.State = model.RunStateQueued
		next.NextAttemptAt = model.TimePtr(now.Add(delay))
		next.LastError = clip(attemptErr.Error())
		outcome = OutcomeRetried
	default:
		next.State = model.RunStateFailed
		next.FinishedAt = model.TimePtr(now)
		next.LastError = clip(attemptErr.Error())
		next.DLQ = true
		next.DLQReason = clip(fmt.Sprintf("%s (%d/%d): %v", ReasonMaxAttempts, next.Attempts, next.MaxAttempts, attemptErr))
		outcome = OutcomeDeadLettered
	}
	if err := e.commit(ctx, next, claimed); err != nil {
		return "", err
	}
	e.announce(ctx, next, outcome)
	return outcome, nil
}

// deadLetter ends a claimed run in the DLQ without retrying.
func (e *Engine) deadLetter(ctx context.Context, claimed *model.RemediationRun, reason string, cause error) (string, bool, error) {
	next := claimed.Clone()
	next.State = model.RunStateFailed
	next.FinishedAt = model.TimePtr(e.clock())
	next.LastError = clip(cause.Error())
	next.DLQ = true
	next.DLQReason = clip(reason + ": " + cause.Error())
	if err := e.commit(ctx, next, claimed); err != nil {
		return "", false, err
	}
	e.announce(ctx, next, OutcomeDeadLettered)
	return OutcomeDeadLettered, false, nil
}

func (e *Engine) commit(ctx context.Context, next, claimed *model.RemediationRun) error {
	if err := model.ValidateRunTransition(claimed.State, next.State); err != nil {
		return err
	}
	if err := e.runs.UpdateRun(ctx, next, claimed.State, claimed.Rev); err != nil {
		return fmt.Errorf("record %s: %w", next.State, err)
	}
	return nil
}

func (e *Engine) announce(ctx context.Context, run *model.RemediationRun, outcome string) {
	e.observeOutcome(outcome)
	data := map[string]any{
		"runId": run.ID, "hostId": run.HostID, "actionId": run.ActionID,
		"state": string(run.State), "attempts": run.Attempts, "outcome": outcome,
	}
	detail := map[string]any{"attempts": run.Attempts, "outcome": outcome, "error": run.LastError}
	switch outcome {
	case OutcomeRetried:
		data["nextAttemptAt"] = run.NextAttemptAt.Format(time.RFC3339)
		e.publish(events.EventRunRetried, data)
		e.recordAudit(ctx, AuditRunRetried, run, "", detail)
		e.logger.Warn("run failed, retry scheduled", "run", run.ID, "attempt", run.Attempts,
			"max_attempts", run.MaxAttempts, "next_attempt_at", run.NextAttemptAt, "error", run.LastError)
	case OutcomeDeadLettered:
		data["reason"] = run.DLQReason
		e.publish(events.EventRunDeadLettered, data)
		e.publish(events.EventRunFinished, data)
		detail["reason"] = run.DLQReason
		e.recordAudit(ctx, AuditRunDeadLettered, run, "", detail)
		e.logger.Error("run dead-lettered", "run", run.ID, "host", run.HostID, "reason", run.DLQReason)
	default:
		e.publish(events.EventRunFinished, data)
		e.recordAudit(ctx, AuditRunFinished, run, "", detail)
		e.logger.Info("run finished", "run", run.ID, "host", run.HostID, "state", run.State, "outcome", outcome)
	}
}

// cancelQueued moves a queued run to canceled with reason.
func (e *Engine) cancelQueued(ctx context.Context, queued *model.RemediationRun, reason, actor string) (string, bool, error) {
	next := queued.Clone()
	next.State = model.RunStateCanceled
	next.FinishedAt = model.TimePtr(e.clock())
	next.LastError = reason
	if err := e.runs.UpdateRun(ctx, next, model.RunStateQueued, queued.Rev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.observeOutcome(OutcomeSkipped)
			return OutcomeSkipped, false, nil
		}
		return "", false, fmt.Errorf("expire: %w", err)
	}
	e.observeOutcome(OutcomeExpired)
	e.publish(events.EventRunFinished, map[string]any{
		"runId": next.ID, "hostId": next.HostID, "actionId": next.ActionID,
		"state": string(next.State), "outcome": OutcomeExpired, "reason": reason,
	})
	e.recordAudit(ctx, AuditRunExpired, next, actor, map[string]any{"reason": reason})
	e.logger.Info("run expired", "run", next.ID, "reason", reason)
	return OutcomeExpired, false, nil
}

// expirePendingApprovals cancels runs that waited for approval longer than
// their queue TTL. ListEligible never returns them, so drain sweeps them
// separately.
func (e *Engine) expirePendingApprovals(ctx context.Context, res *DrainResult) error {
	queued, err := e.runs.ListRuns(ctx, store.RunFilter{
		Mode: model.RunModeExecute, States: []model.RunState{model.RunStateQueued},
		OldestFirst: true, Limit: 100,
	})
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}
	now := e.clock()
	for _, run := range queued {
		if run.Approval.Status != model.ApprovalPending || !e.approvalExpired(ctx, run, now) {
			continue
		}
		outcome, _, err := e.cancelQueued(ctx, run, ReasonApprovalExpired, "")
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", run.ID, err))
			continue
		}
		res.count(outcome)
		if outcome == OutcomeExpired {
			res.RunIDs = append(res.RunIDs, run.ID)
		}
	}
	return nil
}

func (e *Engine) approvalExpired(ctx context.Context, run *model.RemediationRun, now time.Time) bool {
	var meta []byte
	if h, err := e.hosts.GetHost(ctx, run.HostID); err == nil {
		meta = h.Metadata
	}
	ttl := time.Duration(e.policy.Resolve(meta).QueueTTLMinutes) * time.Minute
	return ttl > 0 && now.Sub(run.RequestedAt) > ttl
}

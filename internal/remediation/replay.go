package remediation

import (
	"context"
	"fmt"

	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/store"
)

// ReplayResult summarizes ReplayDeadLetters.
type ReplayResult struct {
	Requested int      `json:"requested"`
	Replayed  []string `json:"replayed"`
	Errors    []string `json:"errors"`
}

// Replay queues a fresh copy of a dead-lettered run. The copy starts with
// no attempts and links back through ReplayOfRunID. The original is left
// as it is. Runs that needed approval need it again.
func (e *Engine) Replay(ctx context.Context, runID, actor string) (*model.RemediationRun, error) {
	src, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return e.replay(ctx, src, actor)
}

func (e *Engine) replay(ctx context.Context, src *model.RemediationRun, actor string) (*model.RemediationRun, error) {
	if !src.DLQ {
		return nil, fmt.Errorf("replay %s: %w", src.ID, ErrNotDeadLettered)
	}
	now := e.clock()
	run := &model.RemediationRun{
		ID:            model.NewID(model.IDTypeRun),
		HostID:        src.HostID,
		ActionID:      src.ActionID,
		Mode:          model.RunModeExecute,
		State:         model.RunStateQueued,
		RequestedAt:   now,
		RequestedBy:   actor,
		MaxAttempts:   src.MaxAttempts,
		ReplayOfRunID: src.ID,
		Approval:      model.Approval{Status: model.ApprovalNone},
		Canary: model.Canary{
			Enabled:        src.Canary.Enabled,
			RolloutPercent: src.Canary.RolloutPercent,
			Bucket:         src.Canary.Bucket,
			Selected:       src.Canary.Selected,
			Checks:         append([]string(nil), src.Canary.Checks...),
		},
		Rollback: model.Rollback{
			Enabled:  src.Rollback.Enabled,
			Commands: append([]string(nil), src.Rollback.Commands...),
		},
		Auto: src.Auto,
	}
	if run.MaxAttempts < 1 {
		run.MaxAttempts = 1
	}
	if src.Approval.Required {
		requireApproval(run, now)
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create replay of %s: %w", src.ID, err)
	}
	if e.metrics != nil {
		e.metrics.Replays.Inc()
		e.metrics.RunsAdmitted.WithLabelValues(string(run.Mode), "replay").Inc()
	}
	e.publish(events.EventRunQueued, map[string]any{
		"runId": run.ID, "hostId": run.HostID, "actionId": run.ActionID,
		"approval": string(run.Approval.Status), "origin": "replay", "replayOf": src.ID,
	})
	e.recordAudit(ctx, AuditRunReplayed, run, actor, map[string]any{"replayOf": src.ID})
	e.logger.Info("run replayed", "run", run.ID, "replay_of", src.ID, "actor", actor)
	return run, nil
}

// ReplayDeadLetters replays up to limit dead-lettered runs that have not
// been replayed yet, oldest first.
func (e *Engine) ReplayDeadLetters(ctx context.Context, limit int, actor string) (ReplayResult, error) {
	if limit <= 0 {
		limit = e.drainLimit
	}
	res := ReplayResult{Requested: limit, Replayed: []string{}, Errors: []string{}}
	dlq := true
	runs, err := e.runs.ListRuns(ctx, store.RunFilter{
		Mode: model.RunModeExecute, DLQ: &dlq, NotReplayed: true, OldestFirst: true, Limit: limit,
	})
	if err != nil {
		return res, fmt.Errorf("list dead letters: %w", err)
	}
	for _, src := range runs {
		run, err := e.replay(ctx, src, actor)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", src.ID, err))
			continue
		}
		res.Replayed = append(res.Replayed, run.ID)
	}
	return res, nil
}

package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/policy"
	"github.com/msageha/fleetguard/internal/store"
)

func requireCode(t *testing.T, err error, code string) *AdmissionError {
	t.Helper()
	require.Error(t, err)
	ae, ok := AsAdmission(err)
	require.True(t, ok, "want admission error, got %v", err)
	require.Equal(t, code, ae.Code, ae.Message)
	return ae
}

func TestExecute_RequiresFreshDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := ExecuteRequest{HostID: "h1", ActionID: "restart-nginx", Actor: "op"}

	_, err := f.eng.Execute(ctx, req)
	requireCode(t, err, CodeDryRunStale)

	dry, err := f.eng.DryRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RunModeDryRun, dry.Mode)
	assert.Equal(t, model.RunStateSucceeded, dry.State)
	assert.Contains(t, dry.Output, "would run [0]: systemctl restart nginx")
	assert.Empty(t, f.exec.calls, "dry runs never reach the executor")

	f.clock.Advance(31 * time.Minute)
	_, err = f.eng.Execute(ctx, req)
	requireCode(t, err, CodeDryRunStale)

	_, err = f.eng.DryRun(ctx, req)
	require.NoError(t, err)
	run, err := f.eng.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateQueued, run.State)
	assert.Equal(t, model.ApprovalNone, run.Approval.Status)
	assert.Equal(t, 3, run.MaxAttempts)
	assert.Equal(t, 1, run.Rev)
	assert.Equal(t, "op", run.RequestedBy)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.AdmissionRejected.WithLabelValues(CodeDryRunStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsAdmitted.WithLabelValues("execute", "operator")))
}

func TestExecute_Gates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*policy.Global)
		setup  func(t *testing.T, f *fixture)
		req    ExecuteRequest
		code   string
	}{
		{
			name: "unknown host",
			req:  ExecuteRequest{HostID: "ghost", ActionID: "restart-nginx"},
			code: CodeUnknownHost,
		},
		{
			name: "unknown action",
			req:  ExecuteRequest{HostID: "h1", ActionID: "nope"},
			code: CodeUnknownAction,
		},
		{
			name: "host disabled",
			req:  ExecuteRequest{HostID: "hoff", ActionID: "restart-nginx"},
			code: CodeHostDisabled,
		},
		{
			name: "guard violation",
			req:  ExecuteRequest{HostID: "h1", ActionID: "wipe"},
			code: CodeGuardViolation,
		},
		{
			name: "confirm phrase mismatch",
			req:  ExecuteRequest{HostID: "h1", ActionID: "disk", ConfirmPhrase: "check disk"},
			code: CodeConfirmPhraseMismatch,
		},
		{
			name: "already running",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "h1", "restart-nginx", model.RunModeExecute, model.RunStateRunning, time.Hour*2)
			},
			req:  ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"},
			code: CodeAlreadyRunning,
		},
		{
			name: "hourly budget",
			setup: func(t *testing.T, f *fixture) {
				for i := 0; i < 6; i++ {
					f.seed(t, "h1", "disk", model.RunModeExecute, model.RunStateSucceeded, 20*time.Minute)
				}
			},
			req:  ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"},
			code: CodeRateLimited,
		},
		{
			name: "cooldown",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "h1", "restart-nginx", model.RunModeExecute, model.RunStateFailed, 4*time.Minute)
			},
			req:  ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"},
			code: CodeCooldownActive,
		},
		{
			name: "host backlog",
			setup: func(t *testing.T, f *fixture) {
				for i := 0; i < 3; i++ {
					f.seed(t, "h1", "disk", model.RunModeExecute, model.RunStateQueued, time.Minute)
				}
			},
			req:  ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"},
			code: CodeHostQueueFull,
		},
		{
			name:   "global backlog",
			mutate: func(g *policy.Global) { g.Remediation.MaxQueueTotal = 2 },
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "h2", "disk", model.RunModeExecute, model.RunStateQueued, time.Minute)
				f.seed(t, "h3", "disk", model.RunModeExecute, model.RunStateQueued, time.Minute)
			},
			req:  ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"},
			code: CodeQueueFull,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*policy.Global)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			f := newFixture(t, mutate...)
			ctx := context.Background()
			if tt.req.HostID == "h1" {
				_, err := f.eng.DryRun(ctx, ExecuteRequest{HostID: "h1", ActionID: tt.req.ActionID})
				if tt.setup != nil || tt.code == CodeConfirmPhraseMismatch {
					require.NoError(t, err)
				}
			}
			if tt.setup != nil {
				tt.setup(t, f)
			}
			before, err := f.store.CountRuns(ctx, store.RunFilter{Mode: model.RunModeExecute})
			require.NoError(t, err)

			_, err = f.eng.Execute(ctx, tt.req)
			requireCode(t, err, tt.code)

			after, err := f.store.CountRuns(ctx, store.RunFilter{Mode: model.RunModeExecute})
			require.NoError(t, err)
			assert.Equal(t, before, after, "rejections create no run")
		})
	}
}

func TestExecute_GuardViolationsListed(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Execute(context.Background(), ExecuteRequest{HostID: "h1", ActionID: "wipe"})
	ae := requireCode(t, err, CodeGuardViolation)
	require.NotEmpty(t, ae.Violations)
	assert.Equal(t, 0, ae.Violations[0].Index)
}

func TestExecute_RetryAfter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.DryRun(ctx, ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"})
	require.NoError(t, err)
	f.seed(t, "h1", "restart-nginx", model.RunModeExecute, model.RunStateSucceeded, 4*time.Minute)

	_, err = f.eng.Execute(ctx, ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"})
	ae := requireCode(t, err, CodeCooldownActive)
	assert.Equal(t, 6*time.Minute, ae.RetryAfter)

	// canceled runs never touched the host
	f2 := newFixture(t)
	_, err = f2.eng.DryRun(ctx, ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"})
	require.NoError(t, err)
	f2.seed(t, "h1", "restart-nginx", model.RunModeExecute, model.RunStateCanceled, time.Minute)
	_, err = f2.eng.Execute(ctx, ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"})
	require.NoError(t, err)
}

func TestExecute_ConfirmPhraseAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.DryRun(ctx, ExecuteRequest{HostID: "h1", ActionID: "disk"})
	require.NoError(t, err)
	run, err := f.eng.Execute(ctx, ExecuteRequest{HostID: "h1", ActionID: "disk", ConfirmPhrase: "  CHECK DISK "})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalNone, run.Approval.Status)
}

func TestExecute_HighRiskNeedsApproval(t *testing.T) {
	f := newFixture(t)
	run := f.admit(t, "h1", "restart-cache")
	assert.True(t, run.Approval.Required)
	assert.Equal(t, model.ApprovalPending, run.Approval.Status)
	require.NotNil(t, run.Approval.RequestedAt)
	assert.Equal(t, t0, *run.Approval.RequestedAt)
}

func TestExecute_CanarySnapshot(t *testing.T) {
	f := newFixture(t, func(g *policy.Global) { g.Remediation.CanaryEnabled = true })
	run := f.admit(t, "h1", "restart-nginx")
	assert.True(t, run.Canary.Enabled)
	assert.True(t, run.Canary.Selected)
	assert.Equal(t, CanaryBucket("h1"), run.Canary.Bucket)
	assert.Equal(t, []string{"check"}, run.Canary.Checks)
	assert.True(t, run.Rollback.Enabled)
	assert.Equal(t, []string{"undo"}, run.Rollback.Commands)

	// canary without checks stays off
	run = f.admit(t, "h2", "restart-cache")
	assert.False(t, run.Canary.Enabled)
	assert.False(t, run.Rollback.Enabled)
}

func TestExecute_HostOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.store.GetHost(ctx, "h2")
	require.NoError(t, err)
	h.Metadata = []byte(`{"remediationPolicy":{"maxQueuePerHost":1}}`)
	require.NoError(t, f.store.UpsertHost(ctx, h))

	require.Equal(t, 1, f.source.Resolve(h.Metadata).MaxQueuePerHost)
	f.seed(t, "h2", "disk", model.RunModeExecute, model.RunStateQueued, time.Minute)
	_, err = f.eng.DryRun(ctx, ExecuteRequest{HostID: "h2", ActionID: "restart-nginx"})
	require.NoError(t, err)
	_, err = f.eng.Execute(ctx, ExecuteRequest{HostID: "h2", ActionID: "restart-nginx"})
	requireCode(t, err, CodeHostQueueFull)
}

func TestAutoQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"restart-nginx", "restart-cache", "disk"} {
		_, err := f.eng.DryRun(ctx, ExecuteRequest{HostID: "h1", ActionID: id})
		require.NoError(t, err)
	}

	_, err := f.eng.AutoQueue(ctx, AutoRequest{HostID: "h1", ActionID: "disk", Reason: "alert"})
	requireCode(t, err, CodeAutoTierObserve)

	run, err := f.eng.AutoQueue(ctx, AutoRequest{HostID: "h1", ActionID: "restart-nginx", Reason: "nginx down"})
	require.NoError(t, err)
	assert.True(t, run.Auto.Queued)
	assert.Equal(t, "nginx down", run.Auto.Reason)
	assert.Equal(t, model.AutoTierSafeAuto, run.Auto.Tier)
	assert.Equal(t, model.ApprovalNone, run.Approval.Status)

	run, err = f.eng.AutoQueue(ctx, AutoRequest{HostID: "h1", ActionID: "restart-cache"})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, run.Approval.Status)
}

func TestPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.DryRun(ctx, ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"})
	require.NoError(t, err)

	plan, err := f.eng.Plan(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, plan.Candidates, 4)
	byID := map[string]Candidate{}
	for _, c := range plan.Candidates {
		byID[c.Action.ID] = c
	}
	assert.True(t, byID["restart-nginx"].DryRunFresh)
	assert.Empty(t, byID["restart-nginx"].Blocked)
	assert.Equal(t, CodeDryRunStale, byID["disk"].Blocked)
	assert.Equal(t, CodeGuardViolation, byID["wipe"].Blocked)
	assert.NotEmpty(t, byID["wipe"].Violations)
	assert.True(t, byID["restart-cache"].RequiresApproval)

	n, err := f.store.CountRuns(ctx, store.RunFilter{Mode: model.RunModeExecute})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.eng.Plan(ctx, "ghost")
	requireCode(t, err, CodeUnknownHost)
}

func TestExecute_ConcurrentRespectsHostBacklog(t *testing.T) {
	f := newFixture(t, func(g *policy.Global) { g.Remediation.ExecuteCooldownMinutes = 0 })
	ctx := context.Background()
	_, err := f.eng.DryRun(ctx, ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"})
	require.NoError(t, err)

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := f.eng.Execute(ctx, ExecuteRequest{HostID: "h1", ActionID: "restart-nginx"})
			errs <- err
		}()
	}
	ok := 0
	for i := 0; i < 10; i++ {
		if <-errs == nil {
			ok++
		}
	}
	assert.Equal(t, 3, ok)
}

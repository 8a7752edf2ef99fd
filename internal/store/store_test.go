package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRun(id, host string, at time.Time) *model.RemediationRun {
	return &model.RemediationRun{
		ID:          id,
		HostID:      host,
		ActionID:    "restart-nginx",
		Mode:        model.RunModeExecute,
		State:       model.RunStateQueued,
		RequestedAt: at,
		MaxAttempts: 3,
		Approval:    model.Approval{Status: model.ApprovalNone},
		Canary:      model.Canary{Checks: []string{"curl -fsS localhost"}},
	}
}

// backends runs fn against every Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) {
		b, err := OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "fleetguard.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		fn(t, b)
	})
}

func TestRunStore_CreateGetUpdate(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		run := newRun("run_1", "h1", t0)
		require.NoError(t, b.CreateRun(ctx, run))
		assert.Equal(t, 1, run.Rev)
		assert.ErrorIs(t, b.CreateRun(ctx, newRun("run_1", "h1", t0)), ErrConflict)

		got, err := b.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, run.RequestedAt, got.RequestedAt)
		assert.Equal(t, []string{"curl -fsS localhost"}, got.Canary.Checks)
		assert.Equal(t, model.ApprovalNone, got.Approval.Status)

		_, err = b.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		got.State = model.RunStateRunning
		got.Attempts = 1
		got.StartedAt = model.TimePtr(t0.Add(time.Second))
		require.NoError(t, b.UpdateRun(ctx, got, model.RunStateQueued, 1))
		assert.Equal(t, 2, got.Rev)

		// stale state and stale revision both lose
		stale := got.Clone()
		assert.ErrorIs(t, b.UpdateRun(ctx, stale, model.RunStateQueued, 2), ErrConflict)
		assert.ErrorIs(t, b.UpdateRun(ctx, stale, model.RunStateRunning, 1), ErrConflict)
		assert.ErrorIs(t, b.UpdateRun(ctx, newRun("nope", "h1", t0), model.RunStateQueued, 1), ErrNotFound)

		reread, err := b.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, model.RunStateRunning, reread.State)
		assert.Equal(t, 1, reread.Attempts)
		require.NotNil(t, reread.StartedAt)
		assert.True(t, reread.StartedAt.Equal(t0.Add(time.Second)))
	})
}

func TestRunStore_EligibleOrderingAndGates(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		now := t0.Add(time.Hour)

		older := newRun("run_a", "h1", t0)
		newer := newRun("run_b", "h2", t0.Add(time.Minute))
		backoff := newRun("run_c", "h3", t0)
		backoff.NextAttemptAt = model.TimePtr(now.Add(time.Second))
		due := newRun("run_d", "h4", t0.Add(2*time.Minute))
		due.NextAttemptAt = model.TimePtr(now)
		pending := newRun("run_e", "h5", t0)
		pending.Approval.Status = model.ApprovalPending
		dry := newRun("run_f", "h6", t0)
		dry.Mode = model.RunModeDryRun
		for _, r := range []*model.RemediationRun{newer, older, backoff, due, pending, dry} {
			require.NoError(t, b.CreateRun(ctx, r))
		}

		got, err := b.ListEligible(ctx, now, 10)
		require.NoError(t, err)
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		assert.Equal(t, []string{"run_a", "run_b", "run_d"}, ids)

		got, err = b.ListEligible(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "run_a", got[0].ID)
	})
}

func TestRunStore_CountAndList(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r1 := newRun("run_1", "h1", t0)
		r2 := newRun("run_2", "h1", t0.Add(30*time.Minute))
		r2.State = model.RunStateSucceeded
		r3 := newRun("run_3", "h2", t0.Add(40*time.Minute))
		r3.State = model.RunStateFailed
		r3.DLQ = true
		replay := newRun("run_4", "h2", t0.Add(50*time.Minute))
		replay.ReplayOfRunID = "run_3"
		for _, r := range []*model.RemediationRun{r1, r2, r3, replay} {
			require.NoError(t, b.CreateRun(ctx, r))
		}

		n, err := b.CountRuns(ctx, RunFilter{HostID: "h1", Mode: model.RunModeExecute})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		since := t0.Add(20 * time.Minute)
		n, err = b.CountRuns(ctx, RunFilter{HostID: "h1", Since: &since})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = b.CountRuns(ctx, RunFilter{States: []model.RunState{model.RunStateQueued}})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		latest, err := b.ListRuns(ctx, RunFilter{HostID: "h1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "run_2", latest[0].ID)

		yes := true
		dlq, err := b.ListRuns(ctx, RunFilter{DLQ: &yes, NotReplayed: true})
		require.NoError(t, err)
		assert.Empty(t, dlq, "run_3 already has a replay")

		dlq, err = b.ListRuns(ctx, RunFilter{DLQ: &yes})
		require.NoError(t, err)
		require.Len(t, dlq, 1)
		assert.True(t, dlq[0].DLQ)
	})
}

func TestRunStore_ConcurrentClaim(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.CreateRun(ctx, newRun("run_1", "h1", t0)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := b.GetRun(ctx, "run_1")
				if err != nil {
					return
				}
				if r.State != model.RunStateQueued {
					return
				}
				rev := r.Rev
				r.State = model.RunStateRunning
				if err := b.UpdateRun(ctx, r, model.RunStateQueued, rev); err == nil {
					wins.Add(1)
				} else if !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func claim(b Backend, id string) error {
	r, err := b.GetRun(context.Background(), id)
	if err != nil {
		return err
	}
	rev := r.Rev
	r.State = model.RunStateRunning
	r.StartedAt = model.TimePtr(t0)
	r.Attempts++
	return b.ClaimRun(context.Background(), r, rev)
}

func TestRunStore_ClaimRunRespectsRunningSibling(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.CreateRun(ctx, newRun("run_1", "h1", t0)))
		require.NoError(t, b.CreateRun(ctx, newRun("run_2", "h1", t0.Add(time.Second))))
		other := newRun("run_3", "h1", t0.Add(2*time.Second))
		other.ActionID = "restart-redis"
		require.NoError(t, b.CreateRun(ctx, other))

		require.NoError(t, claim(b, "run_1"))
		assert.ErrorIs(t, claim(b, "run_2"), ErrBusy)
		// a different action on the same host is independent
		require.NoError(t, claim(b, "run_3"))

		got, err := b.GetRun(ctx, "run_2")
		require.NoError(t, err)
		assert.Equal(t, model.RunStateQueued, got.State)
		assert.Equal(t, 1, got.Rev)

		// stale revision is a conflict, not busy
		r, err := b.GetRun(ctx, "run_1")
		require.NoError(t, err)
		r.State = model.RunStateRunning
		assert.ErrorIs(t, b.ClaimRun(ctx, r, 1), ErrConflict)

		r.State = model.RunStateSucceeded
		require.NoError(t, b.UpdateRun(ctx, r, model.RunStateRunning, r.Rev))
		require.NoError(t, claim(b, "run_2"))

		missing := newRun("run_x", "h1", t0)
		assert.ErrorIs(t, b.ClaimRun(ctx, missing, 1), ErrNotFound)
	})
}

func TestRunStore_ConcurrentClaimAcrossRuns(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for i := 0; i < 6; i++ {
			require.NoError(t, b.CreateRun(ctx, newRun(fmt.Sprintf("run_%d", i), "h1", t0.Add(time.Duration(i)*time.Second))))
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := claim(b, id)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrBusy), errors.Is(err, ErrConflict):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(fmt.Sprintf("run_%d", i))
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		n, err := b.CountRuns(ctx, RunFilter{HostID: "h1", States: []model.RunState{model.RunStateRunning}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func newIncident(id string, due time.Time) *model.IncidentRun {
	return &model.IncidentRun{
		ID:               id,
		Title:            "disk full",
		Severity:         model.SeverityCritical,
		State:            model.IncidentOpen,
		AckDueAt:         model.TimePtr(due),
		NextEscalationAt: model.TimePtr(due.Add(10 * time.Minute)),
		Postmortem:       model.Postmortem{Status: model.PostmortemNotStarted},
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
}

func event(incID, typ string) *model.IncidentTimelineEvent {
	return &model.IncidentTimelineEvent{
		ID:         model.NewID(model.IDTypeEvent),
		IncidentID: incID,
		Type:       typ,
		EventTs:    t0,
		Meta:       map[string]any{"k": "v"},
	}
}

func TestIncidentStore_TransitionAndTimeline(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		inc := newIncident("inc_1", t0.Add(5*time.Minute))
		require.NoError(t, b.CreateIncident(ctx, inc, event("inc_1", model.EventIncidentCreated)))
		assert.Equal(t, 1, inc.Rev)

		next := inc.Clone()
		next.State = model.IncidentAcknowledged
		next.NextEscalationAt = nil
		require.NoError(t, b.TransitionIncident(ctx, next, 1, event("inc_1", model.EventIncidentAcknowledged)))
		assert.Equal(t, 2, next.Rev)

		// a second writer holding rev 1 loses and writes no event
		loser := inc.Clone()
		loser.State = model.IncidentResolved
		assert.ErrorIs(t, b.TransitionIncident(ctx, loser, 1, event("inc_1", model.EventIncidentResolved)), ErrConflict)
		assert.ErrorIs(t, b.TransitionIncident(ctx, newIncident("inc_x", t0), 1, nil), ErrNotFound)

		got, err := b.GetIncident(ctx, "inc_1")
		require.NoError(t, err)
		assert.Equal(t, model.IncidentAcknowledged, got.State)
		assert.Equal(t, 2, got.Rev)
		assert.Nil(t, got.NextEscalationAt)

		tl, err := b.ListTimeline(ctx, "inc_1")
		require.NoError(t, err)
		require.Len(t, tl, 2)
		assert.Equal(t, model.EventIncidentCreated, tl[0].Type)
		assert.Equal(t, model.EventIncidentAcknowledged, tl[1].Type)
		assert.Equal(t, "v", tl[1].Meta["k"])

		_, err = b.ListTimeline(ctx, "inc_x")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIncidentStore_DueAndNextDue(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		now := t0.Add(time.Hour)

		late := newIncident("inc_late", now.Add(-30*time.Minute)) // next escalation 20m ago
		later := newIncident("inc_later", now.Add(-50*time.Minute))
		ackOnly := newIncident("inc_ack", now.Add(-time.Minute))
		ackOnly.NextEscalationAt = nil
		future := newIncident("inc_future", now.Add(time.Hour))
		acked := newIncident("inc_acked", now.Add(-time.Hour))
		acked.State = model.IncidentAcknowledged
		for _, inc := range []*model.IncidentRun{late, later, ackOnly, future, acked} {
			require.NoError(t, b.CreateIncident(ctx, inc, nil))
		}

		due, err := b.ListDueIncidents(ctx, now, 10)
		require.NoError(t, err)
		ids := make([]string, len(due))
		for i, inc := range due {
			ids[i] = inc.ID
		}
		assert.Equal(t, []string{"inc_later", "inc_late", "inc_ack"}, ids)

		next, err := b.NextDue(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.True(t, next.Equal(now.Add(-40*time.Minute)), "got %v", next)

		list, err := b.ListIncidents(ctx, IncidentFilter{States: []model.IncidentState{model.IncidentAcknowledged}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "inc_acked", list[0].ID)
	})
}

func TestIncidentStore_NextDueEmpty(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		next, err := b.NextDue(context.Background())
		require.NoError(t, err)
		assert.Nil(t, next)
	})
}

func TestHostDirectory(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		group := "prod-a"
		require.NoError(t, b.UpsertHost(ctx, &model.Host{
			ID: "h1", Name: "web-1", Address: "10.0.0.1", Enabled: true,
			Fleet:    model.HostFleetPolicy{Group: &group, Tags: []string{"web"}},
			Metadata: []byte(`{"remediationPolicy":{"maxQueuePerHost":1}}`),
		}))
		require.NoError(t, b.UpsertHost(ctx, &model.Host{ID: "h0", Name: "db-1", Address: "10.0.0.2"}))

		hosts, err := b.ListHosts(ctx)
		require.NoError(t, err)
		require.Len(t, hosts, 2)
		assert.Equal(t, "h0", hosts[0].ID)

		h, err := b.UpdateFleetPolicy(ctx, "h1", func(p model.HostFleetPolicy) (model.HostFleetPolicy, error) {
			p.RolloutPaused = true
			return p, nil
		})
		require.NoError(t, err)
		assert.True(t, h.Fleet.RolloutPaused)
		assert.Equal(t, "prod-a", h.Fleet.GroupName())

		got, err := b.GetHost(ctx, "h1")
		require.NoError(t, err)
		assert.True(t, got.Fleet.RolloutPaused)
		assert.JSONEq(t, `{"remediationPolicy":{"maxQueuePerHost":1}}`, string(got.Metadata))

		boom := errors.New("boom")
		_, err = b.UpdateFleetPolicy(ctx, "h1", func(model.HostFleetPolicy) (model.HostFleetPolicy, error) {
			return model.HostFleetPolicy{}, boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = b.UpdateFleetPolicy(ctx, "missing", func(p model.HostFleetPolicy) (model.HostFleetPolicy, error) { return p, nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSeedHosts_KeepsFleetEdits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	group := "prod"
	require.NoError(t, m.UpsertHost(ctx, &model.Host{ID: "h1", Address: "old", Fleet: model.HostFleetPolicy{Group: &group}}))

	require.NoError(t, SeedHosts(ctx, m, []model.Host{{ID: "h1", Address: "new", Enabled: true}}))
	h, err := m.GetHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "new", h.Address)
	assert.Equal(t, "prod", h.Fleet.GroupName())
}

func TestAuditSink(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		require.NoError(t, b.AppendAudit(context.Background(), model.AuditEntry{
			ID: model.NewID(model.IDTypeAudit), Ts: t0, Kind: "run_queued", RunID: "run_1",
			Detail: map[string]any{"actor": "alice"},
		}))
	})
}

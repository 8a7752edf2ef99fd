package daemon

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/config"
	"github.com/msageha/fleetguard/internal/incident"
	"github.com/msageha/fleetguard/internal/lock"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/remediation"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownTimeoutSec = 2
	cfg.Drain.Enabled = false
	cfg.Escalation.Enabled = false
	cfg.Guard.AllowPatterns = []string{`systemctl restart [a-z-]+`}
	cfg.Actions = []model.RemediationAction{
		{ID: "restart-nginx", Title: "Restart nginx", Commands: []string{"systemctl restart nginx"}, Risk: model.RiskLow, AutoTier: model.AutoTierSafeAuto},
	}
	cfg.Hosts = []model.HostConfig{{ID: "h1", Address: "10.0.0.1"}}
	return cfg
}

func startDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()
	select {
	case <-d.Ready():
	case err := <-errc:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}
	return errc
}

func waitStopped(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	d := New("", testConfig(t), nil)
	assert.NotPanics(t, func() {
		d.Shutdown()
		d.Shutdown()
	})
}

func TestRun_ServesUntilShutdown(t *testing.T) {
	d := New("", testConfig(t), nil)
	errc := startDaemon(t, d)

	resp, err := http.Get("http://" + d.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	d.Shutdown()
	waitStopped(t, errc)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drain.Enabled = true
	cfg.Drain.IntervalSec = 1
	cfg.Escalation.Enabled = true
	cfg.Escalation.IntervalSec = 1
	d := New(config.Path(cfg.DataDir), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	<-d.Ready()
	cancel()
	waitStopped(t, errc)
}

func TestRun_SecondDaemonIsLocked(t *testing.T) {
	cfg := testConfig(t)
	first := New("", cfg, nil)
	errc := startDaemon(t, first)
	defer func() {
		first.Shutdown()
		waitStopped(t, errc)
	}()

	err := New("", cfg, nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestApplyConfig_ReloadsPolicyAndHosts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	d := New("", cfg, nil)
	require.NoError(t, d.wire(ctx))

	next := cfg
	next.Remediation.MaxQueuePerHost = 9
	next.Guard.MaxCommandLength = 64
	next.Hosts = append([]model.HostConfig{}, cfg.Hosts...)
	next.Hosts = append(next.Hosts, model.HostConfig{ID: "h2", Address: "10.0.0.2"})
	d.applyConfig(next)

	g := d.policy.Load()
	assert.Equal(t, 9, g.Remediation.MaxQueuePerHost)
	assert.Equal(t, 64, g.Guard.MaxCommandLength)
	h, err := d.backend.GetHost(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", h.Address)
}

func TestRemediationTrigger_QueuesAutoRun(t *testing.T) {
	ctx := context.Background()
	d := New("", testConfig(t), nil)
	require.NoError(t, d.wire(ctx))

	_, err := d.remed.DryRun(ctx, remediation.ExecuteRequest{HostID: "h1", ActionID: "restart-nginx", Actor: "alice"})
	require.NoError(t, err)

	trig := remediationTrigger{eng: d.remed}
	runID, err := trig.QueueRemediation(ctx, incident.RemediationRequest{
		IncidentID: "inc_1", HostID: "h1", ActionID: "restart-nginx", Actor: "alice",
	})
	require.NoError(t, err)

	run, err := d.backend.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateQueued, run.State)
	assert.True(t, run.Auto.Queued)
	assert.Equal(t, "incident inc_1", run.Auto.Reason)
}

func TestRemediationTrigger_PropagatesRejection(t *testing.T) {
	ctx := context.Background()
	d := New("", testConfig(t), nil)
	require.NoError(t, d.wire(ctx))

	_, err := remediationTrigger{eng: d.remed}.QueueRemediation(ctx, incident.RemediationRequest{
		HostID: "h1", ActionID: "restart-nginx",
	})
	_, ok := remediation.AsAdmission(err)
	assert.True(t, ok, "want admission error, got %v", err)
}

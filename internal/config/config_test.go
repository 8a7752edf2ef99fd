package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/model"
)

const sampleConfig = `
schema_version: 1
server:
  listen: 0.0.0.0:9000
  ops_token: s3cret
store:
  driver: sqlite
  dsn: file:fleetguard.db
remediation:
  max_execute_per_hour: 4
  retry_backoff_seconds: 5
  retry_backoff_max_seconds: 60
guard:
  allow_patterns:
    - systemctl restart [a-z-]+
escalation:
  timers:
    critical:
      ack_minutes: 2
      escalation_minutes: 4
actions:
  - id: restart-nginx
    title: Restart nginx
    commands: [systemctl restart nginx]
    risk: medium
    rollback_commands: [systemctl restart nginx-fallback]
hosts:
  - id: web-1
    address: 10.0.0.1
    fleet:
      group: prod-a
      tags: [Web, EU, web]
    metadata:
      remediationPolicy:
        maxExecutePerHour: 2
workflows:
  - id: disk-full
    title: Disk full
    severity: high
    steps:
      - id: page
        kind: notify
        target: oncall
      - id: restart
        kind: remediate
        action_id: restart-nginx
`

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDefault_Valid(t *testing.T) {
	require.NoError(t, Validate(Default(t.TempDir())))
}

func TestParse_Sample(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig), "/var/lib/fleetguard")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fleetguard", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, 5, cfg.Server.OpsBurst, "unset keys keep defaults")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Remediation.MaxExecutePerHour)
	assert.Equal(t, 30, cfg.Remediation.DryRunMaxAgeMinutes)
	assert.Equal(t, model.TimerPolicy{AckMinutes: 2, EscalationMinutes: 4}, cfg.Escalation.Timers[model.SeverityCritical])
	assert.Equal(t, model.TimerPolicy{AckMinutes: 30, EscalationMinutes: 45}, cfg.Escalation.Timers[model.SeverityMedium])
	require.Len(t, cfg.Actions, 1)
	assert.Equal(t, model.AutoTierObserve, cfg.Actions[0].AutoTier)

	hosts, err := Hosts(cfg)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].Enabled)
	assert.Equal(t, "prod-a", hosts[0].Fleet.GroupName())
	assert.Equal(t, []string{"web", "eu"}, hosts[0].Fleet.Tags)
	assert.JSONEq(t, `{"remediationPolicy":{"maxExecutePerHour":2}}`, string(hosts[0].Metadata))
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("server:\n  listen: :80\n  bogus: 1\n"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParse_FutureSchema(t *testing.T) {
	_, err := Parse([]byte("schema_version: 7\n"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema_version 7")
}

func TestValidate_Errors(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Store = model.StoreConfig{Driver: "postgres"}
	cfg.Guard.AllowPatterns = []string{"("}
	cfg.Actions = []model.RemediationAction{
		{ID: "a", Title: "A", Commands: []string{"df -h"}, Risk: model.RiskLow, AutoTier: model.AutoTierObserve},
		{ID: "a", Title: "A2", Commands: []string{"df -h"}, Risk: model.RiskLow, AutoTier: model.AutoTierObserve},
	}
	cfg.Workflows = []model.Workflow{{
		ID: "w", Title: "W", Severity: model.SeverityHigh,
		Steps: []model.WorkflowStep{{ID: "s", Kind: model.StepRemediate, ActionID: "missing"}},
	}}

	err := Validate(cfg)
	var ve ValidationErrors
	require.True(t, errors.As(err, &ve), "got %T", err)

	msg := ve.Error()
	assert.Contains(t, msg, "Config.Store.DSN")
	assert.Contains(t, msg, "Config.Guard.AllowPatterns")
	assert.Contains(t, msg, `duplicate action id "a"`)
	assert.Contains(t, msg, `unknown action "missing"`)
	assert.Contains(t, ve.FormatStderr(), "error: ")
}

func TestWriteLoad_RoundTripWithBackup(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)

	cfg := Default(dir)
	require.NoError(t, Write(path, cfg))
	cfg.Remediation.MaxQueueTotal = 7
	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Remediation.MaxQueueTotal)

	bak, err := Load(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, 100, bak.Remediation.MaxQueueTotal)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".fleetguard-tmp-")
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Remediation.MaxRetryAttempts = 0
	require.Error(t, Write(Path(dir), cfg))
	_, err := os.Stat(Path(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadOrRecover(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	require.NoError(t, Write(path, Default(dir)))
	require.NoError(t, Write(path, Default(dir)))
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0644))

	cfg, err := LoadOrRecover(path, discard())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8088", cfg.Server.Listen)

	quarantined, err := filepath.Glob(filepath.Join(dir, "quarantine", FileName+".*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)

	_, err = Load(path)
	assert.NoError(t, err, "restored file loads")
}

func TestLoadOrRecover_Missing(t *testing.T) {
	_, err := LoadOrRecover(filepath.Join(t.TempDir(), "nope.yaml"), discard())
	require.Error(t, err)
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	require.NoError(t, Write(path, Default(dir)))

	var mu sync.Mutex
	var got []model.Config
	w := NewWatcher(path, discard(), func(c model.Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	// an invalid edit is skipped
	require.NoError(t, os.WriteFile(path, []byte("remediation:\n  max_retry_attempts: 0\n"), 0644))
	time.Sleep(100 * time.Millisecond)

	cfg := Default(dir)
	cfg.Remediation.MaxExecutePerHour = 1
	require.NoError(t, Write(path, cfg))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Remediation.MaxExecutePerHour == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

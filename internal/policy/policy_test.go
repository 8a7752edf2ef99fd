package policy

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/model"
)

func globals() (model.RemediationPolicy, model.GuardPolicy) {
	return model.RemediationPolicy{
			DryRunMaxAgeMinutes:    30,
			ExecuteCooldownMinutes: 10,
			MaxExecutePerHour:      6,
			MaxQueuePerHost:        3,
			MaxQueueTotal:          50,
			QueueTTLMinutes:        60,
			MaxRetryAttempts:       3,
			RetryBackoffSeconds:    5,
			RetryBackoffMaxSeconds: 60,
			CommandTimeoutMs:       30000,
			MaxBufferBytes:         65536,
			AutoRollback:           true,
		}, model.GuardPolicy{
			EnforceAllowlist:     true,
			MaxCommandsPerAction: 5,
			MaxCommandLength:     200,
			AllowPatterns:        []string{"systemctl restart .+", "df -h"},
		}
}

func TestResolve_NoMetadata(t *testing.T) {
	rp, gp := globals()
	eff := Resolve(nil, rp, gp)
	assert.Equal(t, rp, eff.RemediationPolicy)
	assert.Equal(t, gp, eff.Guard)
	assert.Empty(t, eff.Overridden)
	assert.Empty(t, eff.Ignored)
}

func TestResolve_HostOverrides(t *testing.T) {
	rp, gp := globals()
	meta := json.RawMessage(`{
		"remediationPolicy": {
			"maxExecutePerHour": 2,
			"executeCooldownMinutes": 0,
			"autoRollback": false,
			"canaryEnabled": true,
			"canaryRolloutPercent": 25
		},
		"other": {"ignored": true}
	}`)
	eff := Resolve(meta, rp, gp)

	assert.Equal(t, 2, eff.MaxExecutePerHour)
	assert.Equal(t, 0, eff.ExecuteCooldownMinutes)
	assert.False(t, eff.AutoRollback)
	assert.True(t, eff.CanaryEnabled)
	assert.Equal(t, 25, eff.CanaryRolloutPercent)
	assert.Equal(t, rp.DryRunMaxAgeMinutes, eff.DryRunMaxAgeMinutes)
	assert.Len(t, eff.Overridden, 5)
	assert.Empty(t, eff.Ignored)
}

func TestResolve_InvalidFallsBackPerField(t *testing.T) {
	rp, gp := globals()
	meta := json.RawMessage(`{"remediationPolicy": {
		"maxQueuePerHost": -1,
		"commandTimeoutMs": "fast",
		"maxRetryAttempts": 2.5,
		"canaryRolloutPercent": 101,
		"queueTtlMinutes": 15,
		"autoRollback": "yes"
	}}`)
	eff := Resolve(meta, rp, gp)

	assert.Equal(t, rp.MaxQueuePerHost, eff.MaxQueuePerHost)
	assert.Equal(t, rp.CommandTimeoutMs, eff.CommandTimeoutMs)
	assert.Equal(t, rp.MaxRetryAttempts, eff.MaxRetryAttempts)
	assert.Equal(t, rp.CanaryRolloutPercent, eff.CanaryRolloutPercent)
	assert.True(t, eff.AutoRollback)
	assert.Equal(t, 15, eff.QueueTTLMinutes)
	assert.Equal(t, []string{"remediationPolicy.queueTtlMinutes"}, eff.Overridden)
	assert.Len(t, eff.Ignored, 5)
}

func TestResolve_MalformedMetadata(t *testing.T) {
	rp, gp := globals()
	eff := Resolve(json.RawMessage(`{not json`), rp, gp)
	assert.Equal(t, rp, eff.RemediationPolicy)
	assert.Equal(t, []string{"metadata"}, eff.Ignored)
}

func TestResolve_BackoffCapLifted(t *testing.T) {
	rp, gp := globals()
	eff := Resolve(json.RawMessage(`{"remediationPolicy":{"retryBackoffSeconds":120}}`), rp, gp)
	assert.Equal(t, 120, eff.RetryBackoffSeconds)
	assert.Equal(t, 120, eff.RetryBackoffMaxSeconds)
}

func TestResolve_GuardOnlyTightens(t *testing.T) {
	rp, gp := globals()
	meta := json.RawMessage(`{"commandGuard": {
		"enforceAllowlist": false,
		"maxCommandsPerAction": 2,
		"maxCommandLength": 500,
		"allowPatterns": ["df -h"]
	}}`)
	eff := Resolve(meta, rp, gp)

	assert.True(t, eff.Guard.EnforceAllowlist)
	assert.Equal(t, 2, eff.Guard.MaxCommandsPerAction)
	assert.Equal(t, 200, eff.Guard.MaxCommandLength)
	assert.Equal(t, []string{"df -h"}, eff.Guard.AllowPatterns)
	assert.Equal(t, []string{"commandGuard.enforceAllowlist", "commandGuard.maxCommandLength"}, eff.Ignored)
}

func TestResolve_GuardRejectsForeignPatterns(t *testing.T) {
	rp, gp := globals()
	eff := Resolve(json.RawMessage(`{"commandGuard":{"allowPatterns":[".*"]}}`), rp, gp)
	assert.Equal(t, gp.AllowPatterns, eff.Guard.AllowPatterns)
	assert.Equal(t, []string{"commandGuard.allowPatterns"}, eff.Ignored)
}

func TestResolve_DoesNotAliasGlobal(t *testing.T) {
	rp, gp := globals()
	eff := Resolve(nil, rp, gp)
	eff.Guard.AllowPatterns[0] = "mutated"
	assert.Equal(t, "systemctl restart .+", gp.AllowPatterns[0])
}

func TestResolve_Deterministic(t *testing.T) {
	rp, gp := globals()
	meta := json.RawMessage(`{"remediationPolicy":{"maxQueueTotal":10,"maxExecutePerHour":0},"commandGuard":{"maxCommandLength":50}}`)
	first := Resolve(meta, rp, gp)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Resolve(meta, rp, gp))
	}
}

func TestSource_Swap(t *testing.T) {
	rp, gp := globals()
	src := NewSource(Global{Remediation: rp, Guard: gp})
	assert.Equal(t, 6, src.Resolve(nil).MaxExecutePerHour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = src.Resolve(json.RawMessage(`{"remediationPolicy":{"maxQueuePerHost":1}}`))
		}()
	}
	rp.MaxExecutePerHour = 1
	src.Store(Global{Remediation: rp, Guard: gp})
	wg.Wait()

	assert.Equal(t, 1, src.Resolve(nil).MaxExecutePerHour)
}

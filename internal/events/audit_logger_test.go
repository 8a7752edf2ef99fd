package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/model"
)

func readLines(t *testing.T, path string) []LogEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		out = append(out, e)
	}
	return out
}

func TestAuditLogger_AppendAudit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	require.NoError(t, err)
	defer logger.Close()

	err = logger.AppendAudit(context.Background(), model.AuditEntry{
		Kind:        "run_queued",
		RunID:       "run_1771722000_a3f2b7c1",
		HostID:      "h1",
		ActorUserID: "alice",
		Detail:      map[string]any{"action": "restart-nginx"},
	})
	require.NoError(t, err)

	entries := readLines(t, logPath)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NoError(t, model.CheckID(model.IDTypeAudit, e.ID))
	assert.False(t, e.Ts.IsZero())
	assert.Equal(t, "run_queued", e.Kind)
	assert.Equal(t, "h1", e.HostID)
	assert.Equal(t, "restart-nginx", e.Detail["action"])
	assert.NotEmpty(t, e.Checksum)
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 300)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, logger.AppendAudit(context.Background(), model.AuditEntry{
			Kind:   "run_finished",
			Detail: map[string]any{"payload": strings.Repeat("x", 80)},
		}))
	}

	archived, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "audit.*"+LogFileExtension))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	assert.LessOrEqual(t, logger.CurrentSize(), int64(300))
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	require.NoError(t, err)
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, logger.AppendAudit(context.Background(), model.AuditEntry{Kind: "note"}))
		}()
	}
	wg.Wait()

	assert.Len(t, readLines(t, logPath), 20)
}

func TestVerifyLogIntegrity(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.AppendAudit(context.Background(), model.AuditEntry{Kind: "run_queued"}))
	}
	require.NoError(t, logger.Close())

	total, valid, err := VerifyLogIntegrity(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, valid)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "run_queued", "run_deleted", 1)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0644))

	total, valid, err = VerifyLogIntegrity(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, valid)
}

func TestAuditLogger_WriteAfterClose(t *testing.T) {
	logger, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	assert.Error(t, logger.AppendAudit(context.Background(), model.AuditEntry{Kind: "x"}))
}

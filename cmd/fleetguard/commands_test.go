package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "fleetguard "+version+"\n", out)
}

func TestInit_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "init", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, config.Path(dir))

	cfg, err := config.Load(config.Path(dir))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "memory", cfg.Store.Driver)

	_, err = execute(t, "init", "--data-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "init", "--data-dir", dir, "--force")
	require.NoError(t, err)
}

func TestDrain_PrintsServerSummary(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"ok":true,"drained":{"processed":3,"requestedLimit":4,"ok":true}}`))
	}))
	defer srv.Close()

	out, err := execute(t, "drain", "--data-dir", t.TempDir(), "--url", srv.URL, "--token", "s3cret", "--limit", "4")
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)

	var got struct {
		Drained struct {
			Processed int `json:"processed"`
		} `json:"drained"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.Drained.Processed)
}

func TestOpsClient_FallsBackToConfig(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"ok":true,"sweep":{"evaluated":0,"escalated":0}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Server.Listen = srv.Listener.Addr().String()
	cfg.Server.OpsToken = "from-config"
	require.NoError(t, config.Write(filepath.Join(dir, config.FileName), cfg))

	_, err := execute(t, "sweep", "--data-dir", dir, "--token", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-config", gotAuth)
}

func TestReplay_RejectsExtraArgs(t *testing.T) {
	_, err := execute(t, "replay", "a", "b")
	require.Error(t, err)
}

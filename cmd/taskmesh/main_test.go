package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/audit"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "taskmesh dev\n", out)

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "taskmesh dev\n", out)
}

func TestTools(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "tools.yaml", `
endpoint: http://127.0.0.1:1
tools:
  - name: weather
    version: 1.2.0
    description: Current weather
    idempotent: true
  - name: refund
    version: 2.0.0-beta.1
    description: Refund an order
    requiresConsent: true
`)
	cfg := writeFile(t, dir, "taskmesh.yaml", "registry:\n  providers:\n    - name: files\n      type: file\n      path: "+manifest+"\n")

	out, err := execute(t, "tools", "--config", cfg)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, out, "weather")
	assert.Contains(t, out, "idempotent")
	assert.Contains(t, out, "consent")

	out, err = execute(t, "tools", "--config", cfg, "--json")
	require.NoError(t, err)
	var descs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &descs))
	assert.Len(t, descs, 2)
}

func TestTools_ProviderFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "taskmesh.yaml", "registry:\n  providers:\n    - name: files\n      type: file\n      path: "+filepath.Join(dir, "missing.yaml")+"\n")

	out, err := execute(t, "tools", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "warning:")
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "audit.db")

	log, err := audit.OpenSQLite(context.Background(), dsn)
	require.NoError(t, err)
	for _, to := range []string{"pending", "running", "completed"} {
		_, err := audit.Write(context.Background(), log, "task-1", "", audit.KindTaskStatus, audit.StatusPayload{To: to})
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	cfg := writeFile(t, dir, "taskmesh.yaml", "audit:\n  driver: sqlite\n  dsn: "+dsn+"\n")

	out, err := execute(t, "replay", "task-1", "--config", cfg, "--from", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var e audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	assert.Equal(t, uint64(2), e.Seq)
	assert.Equal(t, audit.KindTaskStatus, e.Kind)

	_, err = execute(t, "replay", "task-2", "--dsn", dsn)
	assert.ErrorContains(t, err, "no audit entries")
}

func TestReplay_NeedsSQLite(t *testing.T) {
	_, err := execute(t, "replay", "task-1")
	assert.ErrorContains(t, err, "sqlite")
}

func TestServe_InvalidConfig(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "taskmesh.yaml", "audit:\n  driver: postgres\n")
	_, err := execute(t, "serve", "--config", cfg)
	assert.ErrorContains(t, err, "audit.driver")
}

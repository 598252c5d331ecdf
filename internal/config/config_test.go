package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pcoord/internal/cluster"
)

const sampleYAML = `
coordinator:
  listen: ":9090"
  parallel: 2
  poll_interval: 250ms
  collect_timeout: 30s
  snapshot_path: /var/run/pcoord/workers.txt
  workers:
    - host: node1
      port: 1093
      perf: 100
      image: rack-a
    - host: node2
      port: 1093
      user: batch
      perf: 50
worker:
  image: rack-a
log:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pcoord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefaultConfigIsValid verifies that the built-in settings pass validation.
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Coordinator.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.StaleSweepInterval)
	assert.Equal(t, -1, cfg.Coordinator.Parallel)
}

// TestLoadFromFile verifies YAML loading over the defaults.
func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cc := cfg.Coordinator
	assert.Equal(t, ":9090", cc.Listen)
	assert.Equal(t, 2, cc.Parallel)
	assert.Equal(t, 250*time.Millisecond, cc.PollInterval)
	assert.Equal(t, 30*time.Second, cc.CollectTimeout)
	assert.Equal(t, 10*time.Second, cc.StaleSweepInterval, "unset keys keep defaults")
	require.Len(t, cc.Workers, 2)
	assert.Equal(t, cluster.Endpoint{Host: "node2", Port: 1093, User: "batch", Perf: 50}, cc.Workers[1])
	assert.Equal(t, "debug", cfg.Log.Level)
}

// TestLoadMissingFile verifies that a missing file falls back to defaults.
func TestLoadMissingFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Coordinator.Listen)
}

// TestPrecedence verifies defaults < yaml < env < command line.
func TestPrecedence(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("PC_PARALLEL", "5")
	t.Setenv("PC_POLL_INTERVAL", "100ms")
	t.Setenv("PC_RANDOM", "true")

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithCmdArgs(map[string]string{"coordinator.parallel": "7"}).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Coordinator.Parallel, "flag beats env")
	assert.Equal(t, 100*time.Millisecond, cfg.Coordinator.PollInterval, "env beats yaml")
	assert.True(t, cfg.Coordinator.Random)
}

// TestEnvPrefix verifies that a custom prefix replaces PC_.
func TestEnvPrefix(t *testing.T) {
	t.Setenv("ALT_PARALLEL", "3")
	cfg, err := NewLoader().WithEnvPrefix("ALT_").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Coordinator.Parallel)
}

// TestWorkersFromOverride verifies the compact worker list syntax.
func TestWorkersFromOverride(t *testing.T) {
	cfg, err := NewLoader().WithCmdArgs(map[string]string{
		"coordinator.workers": "node1:1093/90/rack-a, ops@node2:2000",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, []cluster.Endpoint{
		{Host: "node1", Port: 1093, Perf: 90, Image: "rack-a"},
		{Host: "node2", Port: 2000, User: "ops"},
	}, cfg.Coordinator.Workers)
}

// TestParseEndpointsErrors verifies malformed worker entries.
func TestParseEndpointsErrors(t *testing.T) {
	for _, bad := range []string{"node1", "node1:http", "node1:1093/fast"} {
		_, err := ParseEndpoints(bad)
		assert.Error(t, err, bad)
	}
}

// TestValidate verifies the validation errors that matter to the collect loop.
func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coordinator.PollInterval = 0
	cfg.Coordinator.Workers = []cluster.Endpoint{{Host: "", Port: 70000}}
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "poll_interval")
	assert.ErrorContains(t, err, "host is empty")
	assert.ErrorContains(t, err, "invalid port")
	assert.ErrorContains(t, err, "verbose")
}

// TestUnknownOverride verifies that typos in overrides are reported.
func TestUnknownOverride(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"coordinator.paralel": "2"}).Load()
	assert.ErrorContains(t, err, "unknown config path")
}

// TestClone verifies that a clone does not share the worker list.
func TestClone(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleYAML))
	require.NoError(t, err)
	clone := cfg.Clone()
	clone.Coordinator.Workers[0].Host = "changed"
	assert.Equal(t, "node1", cfg.Coordinator.Workers[0].Host)
	assert.Equal(t, cfg.Coordinator.PollInterval, clone.Coordinator.PollInterval)
}

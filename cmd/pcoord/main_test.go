package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pcoord/internal/cluster"
)

// TestLoadOverrides verifies that --set and --log-level reach the config.
func TestLoadOverrides(t *testing.T) {
	opts := &rootOptions{
		logLevel:  "debug",
		overrides: []string{"coordinator.parallel=4", "coordinator.poll_interval=250ms"},
	}
	cfg, err := opts.load(map[string]string{"coordinator.workers": "a:1/10,b:2"})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Coordinator.Parallel)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.PollInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Coordinator.Workers, 2)
	assert.Equal(t, 10, cfg.Coordinator.Workers[0].Perf)
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		opts rootOptions
	}{
		{"set without value", rootOptions{overrides: []string{"coordinator.parallel"}}},
		{"unknown key", rootOptions{overrides: []string{"coordinator.nope=1"}}},
		{"bad level", rootOptions{logLevel: "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.load(nil); err == nil {
				t.Errorf("load succeeded, want error")
			}
		})
	}
}

func TestAdminURL(t *testing.T) {
	tests := []struct {
		addr, listen, want string
	}{
		{"", ":8080", "http://127.0.0.1:8080"},
		{"", "0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"", "ctl.example:9000", "http://ctl.example:9000"},
		{"10.0.0.1:8080", ":1", "http://10.0.0.1:8080"},
		{"https://ctl/", ":1", "https://ctl"},
	}
	for _, tt := range tests {
		if got := adminURL(tt.addr, tt.listen); got != tt.want {
			t.Errorf("adminURL(%q, %q) = %q, want %q", tt.addr, tt.listen, got, tt.want)
		}
	}
}

// fakeAdmin answers the client commands with canned responses.
func fakeAdmin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cluster.StatusResponse{Session: "s-1", Valid: true, All: 3, Active: 2, Parallel: 2})
	})
	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]cluster.WorkerInfo{"workers": {
			{Ordinal: "0.0", Name: "node1", Image: "img", Role: "worker", Status: "active", PerfIndex: 100, Parallel: 1},
			{Ordinal: "0.1", Name: "node2", Image: "img", Role: "worker", Status: "active", PerfIndex: 90, Parallel: 1,
				Liveness: "pinged", Unanswered: 2},
		}})
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.JobRequest
		if !decode(w, r, &req) {
			return
		}
		writeJSON(w, http.StatusOK, cluster.JobResponse{Name: req.Name, Processed: req.Total, Workers: 2})
	})
	mux.HandleFunc("/jobs/stop", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.StopRequest
		if !decode(w, r, &req) {
			return
		}
		if !req.Abort {
			writeError(w, http.StatusBadRequest, "expected abort")
			return
		}
		writeJSON(w, http.StatusOK, cluster.CountResponse{Count: 2})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// TestClientCommands runs the admin clients against a fake server.
func TestClientCommands(t *testing.T) {
	ts := fakeAdmin(t)

	out, err := execute(t, "status", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "3 (active 2")

	out, err = execute(t, "workers", "--addr", ts.URL)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ORDINAL"))
	assert.Contains(t, lines[1], "node1")
	assert.True(t, strings.HasSuffix(lines[1], "-"))
	assert.Contains(t, lines[2], "pinged (2)")

	out, err = execute(t, "job", "scan", "--total", "500", "--addr", ts.URL)
	require.NoError(t, err)
	var resp cluster.JobResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "scan", resp.Name)
	assert.Equal(t, int64(500), resp.Processed)

	out, err = execute(t, "stop", "--abort", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "stop sent to 2 workers\n", out)

	_, err = execute(t, "stop", "--addr", ts.URL)
	assert.ErrorContains(t, err, "expected abort")

	_, err = execute(t, "job", "--addr", ts.URL)
	assert.Error(t, err)
}

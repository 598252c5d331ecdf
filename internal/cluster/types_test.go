package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pcoord/internal/wire"
)

// TestWorkerName verifies the identity string with and without a user.
func TestWorkerName(t *testing.T) {
	w := &Worker{Host: "node1", Port: 1093, Ordinal: "0.3"}
	assert.Equal(t, "node1:1093", w.Name())

	w.User = "alice"
	assert.Equal(t, "alice@node1:1093", w.Name())
	assert.Equal(t, "alice@node1:1093#0.3", w.String())
	assert.False(t, w.Valid(), "worker without a connection is not valid")
}

// TestRange verifies the half-open interval helpers.
func TestRange(t *testing.T) {
	r := Range{First: 100, Count: 50}
	assert.Equal(t, int64(150), r.End())
	assert.Equal(t, "[100,150)", r.String())
}

// TestStatsAdd verifies that reports accumulate.
func TestStatsAdd(t *testing.T) {
	var s Stats
	s.Add(Stats{BytesRead: 10, RealTime: 1.5, CPUTime: 1})
	s.Add(Stats{BytesRead: 5, RealTime: 0.5, CPUTime: 2})
	assert.Equal(t, Stats{BytesRead: 15, RealTime: 2, CPUTime: 3}, s)
}

// TestHelloHandshake verifies encoding and the version check of the handshake.
func TestHelloHandshake(t *testing.T) {
	h := Hello{
		Version:   wire.ProtocolVersion,
		Ordinal:   "0.1",
		Host:      "node2",
		Port:      2000,
		PerfIndex: 80,
		Image:     "shared",
		Role:      RoleSubCoordinator,
		WorkDir:   "/pool/node2",
	}

	got, err := DecodeHello(h.Message())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	h.Version = wire.ProtocolVersion + 1
	_, err = DecodeHello(h.Message())
	assert.ErrorContains(t, err, "protocol version")

	_, err = DecodeHello(wire.New(wire.KindPing))
	assert.ErrorContains(t, err, "expected Hello")

	_, err = DecodeHello(wire.FromPayload(wire.KindHello, []byte{0, 0}))
	assert.ErrorIs(t, err, wire.ErrShortPayload)
}

// TestWorkerInfo verifies the JSON view of a worker.
func TestWorkerInfo(t *testing.T) {
	w := &Worker{Ordinal: "0.0", Host: "h", Port: 1, Image: "img", Role: RoleWorker, Status: StatusBad, Parallel: 1}
	info := w.Info()
	assert.Equal(t, "bad", info.Status)
	assert.Equal(t, "worker", info.Role)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"perf_index":0`)
}

// TestPostJSON verifies the client helper against a test server, including error bodies.
func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ParallelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Workers < 0 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "negative"})
			return
		}
		_ = json.NewEncoder(w).Encode(ParallelResponse{Active: req.Workers})
	}))
	defer srv.Close()

	var resp ParallelResponse
	require.NoError(t, PostJSON(context.Background(), srv.URL, ParallelRequest{Workers: 3}, &resp))
	assert.Equal(t, 3, resp.Active)

	err := PostJSON(context.Background(), srv.URL, ParallelRequest{Workers: -1}, &resp)
	assert.ErrorContains(t, err, "400: negative")

	require.NoError(t, PostJSON(context.Background(), srv.URL, ParallelRequest{Workers: 1}, nil))
}

// TestGetJSON verifies decoding and status handling of the GET helper.
func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(StatusResponse{Session: "s", Active: 2})
	}))
	defer srv.Close()

	var st StatusResponse
	require.NoError(t, GetJSON(context.Background(), srv.URL+"/status", &st))
	assert.Equal(t, 2, st.Active)

	err := GetJSON(context.Background(), srv.URL+"/missing", &st)
	assert.ErrorContains(t, err, "404")
}

// TestEndpointAddr verifies the dial address.
func TestEndpointAddr(t *testing.T) {
	assert.Equal(t, "node1:1093", Endpoint{Host: "node1", Port: 1093}.Addr())
}

// TestStopReport verifies the versioned stop payload.
func TestStopReport(t *testing.T) {
	r := StopReport{Processed: 42, Involuntary: true, Remaining: Range{First: 142, Count: 8}}
	got, err := DecodeStopReport(r.Message())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	bad := wire.New(wire.KindStopProcess).PutUint8(StopReportVersion + 1).PutInt64(1)
	_, err = DecodeStopReport(bad)
	assert.ErrorContains(t, err, "unsupported version")

	_, err = DecodeStopReport(wire.New(wire.KindStopProcess).PutUint8(StopReportVersion))
	assert.ErrorIs(t, err, wire.ErrShortPayload)
}

// TestPacket verifies both the unit and the end-of-work answers.
func TestPacket(t *testing.T) {
	r, err := DecodePacket(PacketMessage(&Range{First: 10, Count: 5}))
	require.NoError(t, err)
	assert.Equal(t, &Range{First: 10, Count: 5}, r)

	r, err = DecodePacket(PacketMessage(nil))
	assert.NoError(t, err)
	assert.Nil(t, r)
}

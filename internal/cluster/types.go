package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Endpoint is a worker address from the pool configuration.
type Endpoint struct {
	Host  string `json:"host" yaml:"host"`
	Port  int    `json:"port" yaml:"port"`
	User  string `json:"user,omitempty" yaml:"user"`
	Perf  int    `json:"perf,omitempty" yaml:"perf"`
	Image string `json:"image,omitempty" yaml:"image"`
}

// Addr is the host:port dial address.
func (e Endpoint) Addr() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

type WorkerInfo struct {
	Ordinal   string  `json:"ordinal"`
	Name      string  `json:"name"`
	Image     string  `json:"image"`
	Role      string  `json:"role"`
	Status    string  `json:"status"`
	PerfIndex int     `json:"perf_index"`
	Parallel  int     `json:"parallel"`
	WorkDir   string  `json:"workdir,omitempty"`
	BytesRead int64   `json:"bytes_read"`
	RealTime  float64 `json:"real_time"`
	CPUTime   float64 `json:"cpu_time"`

	Liveness   string `json:"liveness,omitempty"`
	Unanswered int    `json:"unanswered,omitempty"`
	LastActive string `json:"last_active,omitempty"`
}

type LatencySummary struct {
	Count int64   `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P99Ms float64 `json:"p99_ms"`
	MaxMs float64 `json:"max_ms"`
}

type StatusResponse struct {
	Session  string         `json:"session"`
	Valid    bool           `json:"valid"`
	All      int            `json:"all"`
	Active   int            `json:"active"`
	Inactive int            `json:"inactive"`
	Unique   int            `json:"unique"`
	Bad      int            `json:"bad"`
	Silent   int            `json:"silent"`
	Parallel int            `json:"parallel"`
	Status   int            `json:"status"`
	Latency  LatencySummary `json:"latency"`
	Totals   WorkerInfo     `json:"totals"`
}

type ParallelRequest struct {
	Workers int  `json:"workers"`
	Random  bool `json:"random"`
}

type ParallelResponse struct {
	Active int `json:"active"`
}

type WorkerListRequest struct {
	Ordinal string `json:"ordinal"`
	Add     bool   `json:"add"`
}

type SendFileRequest struct {
	Path    string `json:"path"`
	Dest    string `json:"dest"`
	Force   bool   `json:"force"`
	Forward bool   `json:"forward"`
	Binary  bool   `json:"binary"`
}

type SendFileResponse struct {
	Sent int `json:"sent"`
}

type PackageRequest struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

type LogLevelRequest struct {
	Level string `json:"level"`
}

// JobRequest runs a job over entries [0, Total) in ranges of Unit entries.
type JobRequest struct {
	Name  string `json:"name"`
	Total int64  `json:"total"`
	Unit  int64  `json:"unit"`
}

type JobResponse struct {
	Name       string  `json:"name"`
	Processed  int64   `json:"processed"`
	Workers    int     `json:"workers"`
	Status     int     `json:"status"`
	Reassigned int     `json:"reassigned"`
	BytesRead  int64   `json:"bytes_read"`
	RealTime   float64 `json:"real_time"`
	Error      string  `json:"error,omitempty"`
}

type StopRequest struct {
	Abort bool `json:"abort"`
}

// CountResponse carries the number of workers an operation reached.
type CountResponse struct {
	Count int `json:"count"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return DoJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return DoJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

// DoJSON sends body as JSON, when not nil, and decodes the reply into out,
// when not nil. Long calls such as job runs pass a client without timeout.
func DoJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// responseError surfaces the server's ErrorResponse when there is one.
func responseError(url string, resp *http.Response) error {
	var e ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
		return fmt.Errorf("http %s: %d: %s", url, resp.StatusCode, e.Error)
	}
	return fmt.Errorf("http %s: %d", url, resp.StatusCode)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/coordinator"
	"github.com/dreamware/pcoord/internal/planner"
)

// defaultUnitsPerWorker sets the range size of a job that names none.
const defaultUnitsPerWorker = 20

// adminServer exposes the coordinator over HTTP.
//
// The coordinator is driven from one goroutine at a time, so every handler
// that touches the cluster holds mu for the whole operation. Stopping a job
// is the exception: it only signals the workers of the job holding mu.
type adminServer struct {
	mu  sync.Mutex
	c   *coordinator.Coordinator
	log *zap.Logger
}

func newAdminServer(c *coordinator.Coordinator, log *zap.Logger) *adminServer {
	return &adminServer{c: c, log: log}
}

func (s *adminServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.HandleFunc("/workers/lists", s.handleWorkerLists)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/parallel", s.handleParallel)
	mux.HandleFunc("/files", s.handleSendFile)
	mux.HandleFunc("/packages", s.handlePackage)
	mux.HandleFunc("/cache/clear", s.handleClearCache)
	mux.HandleFunc("/loglevel", s.handleLogLevel)
	mux.HandleFunc("/jobs", s.handleJob)
	mux.HandleFunc("/jobs/stop", s.handleStop)
	return mux
}

func (s *adminServer) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Close(ctx)
}

func (s *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.mu.Lock()
	info := s.c.Info()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, info)
}

func (s *adminServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.mu.Lock()
	workers := s.c.Workers()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, struct {
		Workers []cluster.WorkerInfo `json:"workers"`
	}{Workers: workers})
}

// handlePing checks the active workers and reports how many answered.
func (s *adminServer) handlePing(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.mu.Lock()
	n, err := s.c.Ping(r.Context())
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("ping incomplete", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, cluster.CountResponse{Count: n})
}

func (s *adminServer) handleParallel(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.ParallelRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	n, err := s.c.SetActiveCount(r.Context(), req.Workers, req.Random)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("worker selection incomplete", zap.Int("requested", req.Workers), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, cluster.ParallelResponse{Active: n})
}

func (s *adminServer) handleWorkerLists(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.WorkerListRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Ordinal == "" {
		writeError(w, http.StatusBadRequest, "missing ordinal")
		return
	}
	s.mu.Lock()
	err := s.c.ModifyWorkerLists(r.Context(), req.Ordinal, req.Add)
	s.mu.Unlock()
	switch {
	case errors.Is(err, coordinator.ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSendFile distributes a file that is on the coordinator's disk.
func (s *adminServer) handleSendFile(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.SendFileRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	var flags coordinator.SendFlags
	if req.Force {
		flags |= coordinator.SendForce
	}
	if req.Forward {
		flags |= coordinator.SendForward
	}
	if req.Binary {
		flags |= coordinator.SendBinary
	}
	s.mu.Lock()
	n, err := s.c.SendFile(r.Context(), req.Path, flags, req.Dest)
	s.mu.Unlock()
	if err != nil && n == 0 {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err != nil {
		s.log.Warn("file not sent everywhere", zap.String("file", req.Path), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, cluster.SendFileResponse{Sent: n})
}

// handlePackage uploads, builds or enables a package on the workers.
func (s *adminServer) handlePackage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.PackageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing package name")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		n   int
		err error
	)
	switch req.Action {
	case "", "upload":
		n, err = s.c.UploadPackage(r.Context(), req.Name)
	case "build":
		err = s.c.BuildPackage(r.Context(), req.Name)
	case "enable":
		err = s.c.EnablePackage(r.Context(), req.Name)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cluster.CountResponse{Count: n})
}

// handleClearCache empties the workers' caches and forgets what was sent.
func (s *adminServer) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.mu.Lock()
	s.c.ClearCache()
	err := s.c.ClearRemoteCache(r.Context())
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.LogLevelRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	err := s.c.SetLogLevel(req.Level)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJob runs a job to completion and reports its result. The request
// holds the admin lock for the whole run; POST /jobs/stop ends it early.
func (s *adminServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.JobRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing job name")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	unit := req.Unit
	if unit <= 0 {
		unit = max(1, req.Total/int64(defaultUnitsPerWorker*max(1, s.c.Info().Parallel)))
	}
	p, err := planner.NewRangePlanner(req.Total, unit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.c.RunJob(r.Context(), coordinator.Job{Name: req.Name, Total: req.Total, Planner: p})
	resp := cluster.JobResponse{
		Name:       req.Name,
		Processed:  res.Processed,
		Workers:    res.Workers,
		Status:     res.Status,
		Reassigned: p.Reassigned(),
		BytesRead:  res.Stats.BytesRead,
		RealTime:   res.Stats.RealTime,
	}
	if err != nil {
		s.log.Warn("job ended with errors", zap.String("job", req.Name), zap.Error(err))
		resp.Error = err.Error()
		if res.Workers == 0 {
			writeJSON(w, http.StatusConflict, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStop signals the workers of the running job. It does not wait for
// the admin lock, which the job itself holds.
func (s *adminServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.StopRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, cluster.CountResponse{Count: s.c.StopProcess(req.Abort)})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, cluster.ErrorResponse{Error: msg})
}

// Package httpapi implements the operator HTTP surface: /status,
// /metrics, /checkpoint, and the inbound Raft transport endpoint.
// Grounded on the teacher's internal/http.Server, re-targeted from a
// direct KV API at the Forest/VSR pair instead.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"forestdb/internal/vsr"
)

const defaultShutdownTimeout = 5 * time.Second

// Replica is the slice of *vsr.Node the HTTP surface drives.
type Replica interface {
	IsLeader() bool
	LeaderAddr() string
	LeaderID() uint64
	Propose(ctx context.Context, cmd vsr.Cmd) error
	Handle(ctx context.Context, msg raftpb.Message) error
}

// ForestStatus is the slice of *forest.Forest the HTTP surface reports.
type ForestStatus interface {
	Progress() string
}

// Server is the chi-routed operator HTTP surface.
type Server struct {
	replica Replica
	forest  ForestStatus
	promReg *prometheus.Registry

	httpServer *http.Server
	addr       string
}

// NewServer builds a Server. promReg may be nil to disable /metrics;
// replica may be nil to disable /checkpoint and the Raft endpoint (a
// read-only node serving only /status).
func NewServer(replica Replica, forest ForestStatus, promReg *prometheus.Registry, addr string) *Server {
	return &Server{replica: replica, forest: forest, promReg: promReg, addr: addr}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	if s.promReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	if s.replica != nil {
		r.Post("/checkpoint", s.handleCheckpoint)
		r.Post(vsr.Endpoint(), s.handleRaft)
	}

	return r
}

// Start brings up the HTTP listener in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("httpapi: server error", "error", err)
		}
	}()

	slog.Info("httpapi: server started", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: StatusOK, Progress: s.forest.Progress()}
	if s.replica != nil {
		resp.IsLeader = s.replica.IsLeader()
		resp.LeaderID = s.replica.LeaderID()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCheckpoint proposes a checkpoint command through the replica
// layer, redirecting to the current leader the same way the teacher's
// handlePut/handleDelete redirect non-leader writes (spec.md §4.1,
// "checkpoint" must be driven by the replica that's actually leading).
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if !s.replica.IsLeader() {
		leader := s.replica.LeaderAddr()
		if leader == "" {
			writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("leader not known"))
			return
		}
		http.Redirect(w, r, leader+"/checkpoint", http.StatusTemporaryRedirect)
		return
	}

	if err := s.replica.Propose(r.Context(), vsr.NewCheckpointCmd()); err != nil {
		writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.replica.Handle(r.Context(), msg); err != nil {
		writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

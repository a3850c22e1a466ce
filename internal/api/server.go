package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/mateo/testfarm/internal/farm"
	"github.com/mateo/testfarm/internal/intake"
)

// Source is the read side of the coordinator.
type Source interface {
	Snapshot() farm.Snapshot
}

// Server is the operator-facing HTTP API of the farm daemon.
type Server struct {
	source   Source
	producer intake.Producer
	mux      *http.ServeMux
}

// NewServer wires the routes. feed serves the live WebSocket feed and may
// be nil.
func NewServer(source Source, producer intake.Producer, feed http.Handler) *Server {
	s := &Server{
		source:   source,
		producer: producer,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /assignments", s.handleEnqueue)
	s.mux.HandleFunc("POST /stops", s.handleStop)
	s.mux.HandleFunc("POST /slaves/{id}/touch", s.handleTouchSlave)
	if feed != nil {
		s.mux.Handle("GET /ws", feed)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewStatus(s.source.Snapshot(), time.Now()))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "no assignment ids"})
		return
	}

	if err := s.producer.EnqueuePending(r.Context(), req.IDs...); err != nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	log.Printf("Enqueued assignments %v", req.IDs)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.AssignmentID == 0 || req.SlaveID == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "assignmentID and slaveID are required"})
		return
	}

	stop := intake.StopRequest{AssignmentID: req.AssignmentID, SlaveID: req.SlaveID}
	if err := s.producer.RequestStop(r.Context(), stop); err != nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	log.Printf("Stop requested for assignment %d on slave %d", req.AssignmentID, req.SlaveID)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleTouchSlave(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid slave id"})
		return
	}

	if err := s.producer.MarkSlaveUpdated(r.Context(), id); err != nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, port int, s *Server) error {
	srv := &http.Server{
		Addr:        FormatAddr(port),
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Admin API listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func FormatAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

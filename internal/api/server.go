// Package api serves the read-only status HTTP endpoints exposed while a
// sync run is in progress.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/checkpoint"
	"github.com/vulnwatch/jvulnsync/internal/database"
	"github.com/vulnwatch/jvulnsync/internal/store"
	"github.com/vulnwatch/jvulnsync/internal/syncer"
	"github.com/vulnwatch/jvulnsync/internal/types"
)

// Server represents the status HTTP server
type Server struct {
	db           *database.Service
	checkpoint   *checkpoint.Store
	records      *store.Store
	orchestrator *syncer.Orchestrator
	router       *mux.Router
}

// NewServer creates a new status server
func NewServer(db *database.Service, cp *checkpoint.Store, records *store.Store, orch *syncer.Orchestrator) *Server {
	s := &Server{
		db:           db,
		checkpoint:   cp,
		records:      records,
		orchestrator: orch,
		router:       mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/status/{package}", s.handleRecord).Methods("GET")
}

// handleHealth returns system health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := &types.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]types.CheckResult),
	}

	dbStart := time.Now()
	dbErr := s.db.Health(ctx)
	health.Checks["database"] = types.CheckResult{
		Status:  statusFromError(dbErr),
		Message: messageFromError(dbErr),
		Latency: time.Since(dbStart),
	}

	if dbErr != nil {
		health.Status = "unhealthy"
	}

	statusCode := http.StatusOK
	if health.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, health)
}

// handleStatus returns the checkpoint, record counts and the live counters
// of the current (or last) run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report := types.StatusReport{
		LastRun:   s.orchestrator.Stats(),
		Timestamp: time.Now(),
	}

	if ts, ok, err := s.checkpoint.Read(ctx); err != nil {
		log.Error().Err(err).Msg("failed to read checkpoint for status")
	} else if ok {
		report.Checkpoint = ts.Format(time.RFC3339)
	}

	total, err := s.records.Count(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to count records for status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query records"})
		return
	}
	report.TotalRecords = total

	unenriched, err := s.records.CountUnenriched(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to count unenriched records for status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query records"})
		return
	}
	report.UnenrichedCount = unenriched

	writeJSON(w, http.StatusOK, report)
}

// handleRecord returns the stored record for a single package.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pkg := mux.Vars(r)["package"]

	record, err := s.records.Get(ctx, pkg)
	if err != nil {
		log.Error().Err(err).Str("package", pkg).Msg("failed to get record")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query record"})
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "package not found"})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// loggingMiddleware logs each request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func statusFromError(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

func messageFromError(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

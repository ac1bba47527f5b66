// Package server exposes experiments and their results as read-only JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/experiment"
)

const maxResultLimit = 1000

// Server is the HTTP server for inspecting experiments.
type Server struct {
	db      *database.DB
	manager *experiment.Manager
	mux     *http.ServeMux
	logger  *zap.Logger
}

// New creates a new Server.
func New(db *database.DB, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		db:      db,
		manager: experiment.NewManager(db, logger),
		mux:     http.NewServeMux(),
		logger:  logger.Named("server"),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/experiments", s.handleExperiments)
	s.mux.HandleFunc("GET /api/experiments/{id}", s.handleExperiment)
	s.mux.HandleFunc("GET /api/experiments/{id}/results", s.handleResults)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "driver": s.db.Driver()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.GetStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsView{
		Narratives:       st.Narratives,
		NarrativesByType: st.NarrativesByType,
		WithText:         st.WithText,
		Experiments:      st.Experiments,
		Results:          st.Results,
	})
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	status := database.ExperimentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", database.StatusRunning, database.StatusCompleted, database.StatusFailed:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}

	experiments, err := s.db.ListExperiments(r.Context(), status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]experimentView, len(experiments))
	for i := range experiments {
		views[i] = newExperimentView(&experiments[i])
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	summary, err := s.manager.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaryView{
		Experiment: newExperimentView(&summary.Experiment),
		Confusion: confusionView{
			Total:       summary.Confusion.Total,
			TP:          summary.Confusion.TP,
			TN:          summary.Confusion.TN,
			FP:          summary.Confusion.FP,
			FN:          summary.Confusion.FN,
			ParseErrors: summary.Confusion.ParseErrors,
		},
		Metrics: summary.Metrics,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.db.GetExperiment(r.Context(), id); err != nil {
		s.writeLookupError(w, err)
		return
	}

	q := r.URL.Query()
	f := database.ResultFilter{
		ExperimentID: id,
		Outcome:      database.Outcome(q.Get("outcome")),
		Type:         database.NarrativeType(q.Get("type")),
		Limit:        100,
	}
	if f.Type != "" && !f.Type.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown narrative type %q", f.Type))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = min(n, maxResultLimit)
	}

	results, err := s.db.ListResults(r.Context(), f)
	if err != nil {
		// Only an unknown outcome filter fails before touching the database.
		if !validOutcome(f.Outcome) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]resultView, len(results))
	for i := range results {
		views[i] = newResultView(&results[i])
	}
	s.writeJSON(w, http.StatusOK, views)
}

func validOutcome(o database.Outcome) bool {
	switch o {
	case database.OutcomeAll, database.OutcomeTruePositive, database.OutcomeTrueNegative,
		database.OutcomeFalsePositive, database.OutcomeFalseNegative,
		database.OutcomeDisagreements, database.OutcomeErrors, database.OutcomeUndetermined:
		return true
	}
	return false
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("writing response", zap.Error(err))
	}
}

// Serve listens on host:port until ctx is canceled, then shuts down
// gracefully.
func Serve(ctx context.Context, db *database.DB, host string, port int, logger *zap.Logger) error {
	srv := New(db, logger)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	srv.logger.Info("server listening", zap.String("url", "http://"+addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

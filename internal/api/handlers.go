package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"vidax/internal/job"
	"vidax/internal/logging"
	"vidax/internal/logs"
	"vidax/internal/services"
)

const (
	maxJobBytes    = 1 << 20
	maxLogWait     = 30 * time.Second
	defaultLogWait = 10 * time.Second
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, middleware.Recoverer, s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/start", s.handleStart)
			r.Get("/manifest", s.handleManifest)
			r.Get("/logs", s.handleLogs)
		})
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		logging.WithContext(r.Context(), s.logger).Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("elapsed", time.Since(started)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Active: s.activeRuns()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBytes+1))
	if err != nil {
		s.writeError(w, services.Wrap(services.CodeValidation, "read job document", err, nil))
		return
	}
	if len(body) > maxJobBytes {
		s.writeError(w, services.New(services.CodeValidation, "job document too large", map[string]any{"limit_bytes": maxJobBytes}))
		return
	}
	format := job.FormatJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = job.FormatYAML
	}
	j, err := job.Parse(body, format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.runs.Create(r.Context(), j)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logging.WithContext(r.Context(), s.logger).Info("job accepted", logging.String(logging.FieldRunID, res.RunID))
	s.writeJSON(w, http.StatusAccepted, CreateResponse{
		RunID:    res.RunID,
		Status:   res.Status,
		Manifest: res.Layout.Manifest,
		Workdir:  res.Layout.Base,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.runs.Lookup(runID); err != nil {
		s.writeError(w, err)
		return
	}
	requestID, _ := services.RequestIDFromContext(r.Context())
	if !s.startRun(runID, requestID) {
		s.writeError(w, services.New(services.CodeOutputWriteFailed, "run is already executing", map[string]any{"run_id": runID}))
		return
	}
	s.writeJSON(w, http.StatusAccepted, StartResponse{RunID: runID, Status: "started"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	layout, err := s.runs.Lookup(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.runs.Status(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		RunID:          runID,
		Status:         m.Status,
		ExitStatus:     m.ExitStatus,
		Degraded:       m.Degraded,
		DegradedReason: m.DegradedReason,
		PartialReason:  m.PartialReason,
		Error:          m.Error,
		Phases:         m.Phases,
		Manifest:       layout.Manifest,
		Active:         s.isActive(runID),
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	layout, err := s.runs.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := os.ReadFile(layout.Manifest)
	if err != nil {
		s.writeError(w, services.Wrap(services.CodeInputNotFound, "manifest missing", err, map[string]any{"manifest": layout.Manifest}))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleLogs returns the raw event log as text, or a decoded window when
// format=json is requested.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	layout, err := s.runs.Lookup(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	query := r.URL.Query()
	if query.Get("format") != "json" {
		data, err := os.ReadFile(layout.Events)
		if err != nil {
			s.writeError(w, services.Wrap(services.CodeInputNotFound, "event log missing", err, map[string]any{"events": layout.Events}))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	opts := logs.TailOptions{
		Offset: -1,
		Stage:  query.Get("stage"),
		Level:  query.Get("level"),
		Follow: query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true"),
	}
	if v := query.Get("offset"); v != "" {
		if opts.Offset, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.writeError(w, services.New(services.CodeValidation, "offset must be an integer", map[string]any{"offset": v}))
			return
		}
	}
	if v := query.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil || opts.Limit < 0 {
			s.writeError(w, services.New(services.CodeValidation, "limit must be a non-negative integer", map[string]any{"limit": v}))
			return
		}
	}
	if opts.Follow {
		opts.Wait = defaultLogWait
		if v := query.Get("wait"); v != "" {
			if opts.Wait, err = time.ParseDuration(v); err != nil {
				s.writeError(w, services.New(services.CodeValidation, "wait must be a duration", map[string]any{"wait": v}))
				return
			}
		}
		opts.Wait = min(opts.Wait, maxLogWait)
	}
	res, err := s.runs.Logs(r.Context(), runID, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := services.Response(err)
	s.writeJSON(w, services.HTTPStatus(resp.Code), resp)
}

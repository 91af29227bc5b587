// Package opsapi is the operator HTTP surface: health, metrics, a manual
// tick, failure records, cadence state, producer enqueue and requeue.
package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"signalbot/internal/cadence"
	"signalbot/internal/consumer"
	"signalbot/internal/producer"
	"signalbot/internal/storage"
	"signalbot/internal/telemetry"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

type Ticker interface {
	Tick(ctx context.Context) consumer.Report
}

type FailureLister interface {
	List(ctx context.Context, since time.Time, limit int) ([]workitem.DeliveryFailure, error)
}

type CadenceViewer interface {
	Status(ctx context.Context, now time.Time) ([]cadence.EntryStatus, error)
}

// Deps wires the handlers. Ticker may be nil when the consumer is disabled.
type Deps struct {
	Items    storage.Items
	Ticker   Ticker
	Failures FailureLister
	Cadence  CadenceViewer
	Producer *producer.Producer
	// Profiling mounts net/http/pprof under /debug behind the token.
	Profiling bool
}

// Server wires HTTP handlers for operator tooling.
type Server struct {
	deps  Deps
	token string
	log   logx.Logger
}

func New(deps Deps, token string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{deps: deps, token: strings.TrimSpace(token), log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/tick", s.handleTick)
		r.Get("/failures", s.handleFailures)
		r.Get("/cadence", s.handleCadence)
		r.Get("/stats", s.handleStats)
		r.Post("/items", s.handleEnqueue)
		r.Get("/items/{id}", s.handleGetItem)
		r.Post("/items/{id}/requeue", s.handleRequeue)
	})
	if s.deps.Profiling {
		r.With(s.auth).Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ticker == nil {
		writeError(w, http.StatusServiceUnavailable, "consumer disabled")
		return
	}
	rep := s.deps.Ticker.Tick(r.Context())
	s.log.Info("manual tick", logx.Int("items", len(rep.Items)), logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	recs, err := s.deps.Failures.List(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (s *Server) handleCadence(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Cadence.Status(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": st})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Items.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string]int, len(counts))
	for _, st := range workitem.Statuses() {
		out[string(st)] = counts[st]
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": out})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, err := producer.DecodeRequest(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	it, err := s.deps.Producer.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, workitem.ErrInvalidPayload), errors.Is(err, producer.ErrExpired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, it)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, err := s.deps.Items.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	it, err := s.deps.Producer.Requeue(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
		return
	case errors.Is(err, producer.ErrNotRequeueable), errors.Is(err, producer.ErrExpired):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

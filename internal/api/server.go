// Package api serves the read-only operational surface of a monitor or
// sweeper process: health, Prometheus metrics, queue depths, and the set of
// live monitors.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/keakon/delayed/internal/config"
	"github.com/keakon/delayed/internal/logger"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/worker"
)

// Server is the admin HTTP server.
type Server struct {
	router *chi.Mux
	client *redis.Client
	queues []*queue.Queue
	config *config.Config
}

// NewServer creates an admin server over the given queues.
func NewServer(cfg *config.Config, client *redis.Client, queues []*queue.Queue) *Server {
	s := &Server{
		router: chi.NewRouter(),
		client: client,
		queues: queues,
		config: cfg,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))

	if cfg.Metrics.Enabled {
		s.router.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	s.router.Get("/queues", s.getQueues)
	s.router.Get("/workers", s.getWorkers)

	return s
}

// Router returns the underlying router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe runs the admin server until it fails or is shut down.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.AdminPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	logger.WithComponent("admin").Info().Str("addr", addr).Msg("admin server listening")
	return srv.ListenAndServe()
}

// getQueues reports depth, pending notifications and in-flight count per
// queue.
func (s *Server) getQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats := make(map[string]any, len(s.queues))
	for _, q := range s.queues {
		depth, err := q.Len(ctx)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to get queue statistics")
			return
		}
		noti, err := q.NotiLen(ctx)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to get queue statistics")
			return
		}
		inflight, err := q.DequeuedLen(ctx)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to get queue statistics")
			return
		}
		stats[q.Name()] = map[string]int64{
			"depth":         depth,
			"notifications": noti,
			"in_flight":     inflight,
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

// getWorkers reports the monitors with a live heartbeat.
func (s *Server) getWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := worker.GetActiveWorkers(r.Context(), s.client)
	if err != nil {
		logger.WithComponent("admin").Error().Err(err).Msg("failed to get active workers")
		s.respondError(w, http.StatusInternalServerError, "failed to get workers")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"workers": workers,
		"count":   len(workers),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithComponent("admin").Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

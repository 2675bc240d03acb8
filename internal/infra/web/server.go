package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	portuc "job-coordinator/internal/domain/ports/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the admin HTTP API over the job store.
type Server struct {
	jobs   portuc.JobFacade
	queues portuc.QueueAdmin
	auth   *AuthManager
	log    *zerolog.Logger
}

func NewServer(jobs portuc.JobFacade, queues portuc.QueueAdmin, auth *AuthManager, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "AdminServer").Logger()
	return &Server{jobs: jobs, queues: queues, auth: auth, log: &l}
}

// Routes builds the router. /health and /metrics are public; everything
// under /api/v1 requires an admin token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), Recover(s.log), RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireAdmin(s.auth, s.log), Timeout(10*time.Second))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.enqueueJob)
			r.Get("/", s.listJobs)
			r.Get("/{id}", s.getJob)
			r.Patch("/{id}", s.updateJob)
			r.Post("/{id}/cancel", s.cancelJob)
		})
		r.Route("/groups", func(r chi.Router) {
			r.Post("/", s.enqueueGroup)
			r.Get("/{id}", s.getGroup)
			r.Post("/{id}/cancel", s.cancelGroup)
		})
		r.Route("/queues/{queueType}", func(r chi.Router) {
			r.Get("/", s.queueState)
			r.Post("/stop", s.setStop(true))
			r.Post("/resume", s.setStop(false))
		})
	})
	return r
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Int("port", port).Msg("admin API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("admin API stopped")
	return nil
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/infra/stream"
	"storybook-orchestrator/internal/usecase"
)

type Server struct {
	jobUC        usecase.JobUseCase
	automationUC usecase.AutomationUseCase
	rec          usecase.Reconciler
	bus          *stream.Broadcaster
	auth         *AuthManager
	adminSecret  string
	webhookToken string
	log          *zerolog.Logger
}

func NewServer(
	jobUC usecase.JobUseCase,
	automationUC usecase.AutomationUseCase,
	rec usecase.Reconciler,
	bus *stream.Broadcaster,
	adminSecret, jwtSecret, webhookToken string,
	logger *zerolog.Logger,
) *Server {
	l := logger.With().Str("component", "api").Logger()
	return &Server{
		jobUC:        jobUC,
		automationUC: automationUC,
		rec:          rec,
		bus:          bus,
		auth:         NewAuthManager(jwtSecret, 30*time.Minute),
		adminSecret:  adminSecret,
		webhookToken: webhookToken,
		log:          &l,
	}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/{jobType}/{jobID}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/admin/login", s.handleAdminLogin)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/stream", s.handleJobStream)
		r.With(s.requireAdmin).Get("/jobs", s.handleListJobs)

		r.Post("/automation/runs", s.handleStartRun)
		r.Get("/automation/runs/{id}", s.handleGetRun)
		r.Get("/automation/runs/{id}/stream", s.handleRunStream)
	})

	return r
}

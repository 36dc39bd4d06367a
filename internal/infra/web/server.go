package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/usecase"
)

// Server exposes the three confirmation channels plus a small admin API.
type Server struct {
	reconcileUC usecase.ReconcileUseCase
	intentUC    usecase.IntentUseCase
	orphans     repository.OrphanRepository
	apiKey      string
	jwtSecret   string
	log         *zerolog.Logger
}

func NewServer(
	reconcileUC usecase.ReconcileUseCase,
	intentUC usecase.IntentUseCase,
	orphans repository.OrphanRepository,
	apiKey string,
	jwtSecret string,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		reconcileUC: reconcileUC,
		intentUC:    intentUC,
		orphans:     orphans,
		apiKey:      apiKey,
		jwtSecret:   jwtSecret,
		log:         logger,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(traceContext)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Browser redirect return; provider and token ride our own query params.
	r.Get("/pay/callback", s.handleRedirect)
	// Server-to-server callbacks, one route per provider.
	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/payments/plan", s.handleInitiatePlan)
		r.Post("/payments/invoice", s.handleInitiateInvoice)
		r.Get("/plans", s.handleListPlans)
		r.Get("/orphans", s.handleListOrphans)
		r.Get("/stats/revenue", s.handleRevenue)
	})

	return r
}

// traceContext copies chi's request id into the logging context so every log
// line emitted for the request carries the same trace_id.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware provides simple Bearer token authentication for the admin API.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			s.log.Error().Msg("admin API key is not configured")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || strings.ToLower(tokenParts[0]) != "bearer" {
			http.Error(w, "Unauthorized: Malformed token", http.StatusUnauthorized)
			return
		}
		if tokenParts[1] != s.apiKey {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

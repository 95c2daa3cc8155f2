// Package httpapi wires the control plane's external HTTP surface: query
// submission/status/cancellation, cache command/scan endpoints, and the
// chi middleware stack (request IDs, CORS, rate limiting, auth) in front
// of them.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fanoutctl/internal/config"
	"fanoutctl/internal/domain"
	"fanoutctl/internal/kvscan"
	appmw "fanoutctl/internal/middleware"
	"fanoutctl/internal/sqlexec"
)

// Server holds the dependencies the HTTP handlers need: the two executors,
// the shared execution store, the per-replica active-client registry, and
// the re-authentication verifier for dangerous SQL verbs.
type Server struct {
	sql    *sqlexec.Executor
	scan   *kvscan.Executor
	store  domain.ExecutionStore
	active domain.ActiveClientRegistry
	reauth reauthVerifier
	log    *slog.Logger
}

// NewServer constructs the HTTP server's dependency bag.
func NewServer(sqlExec *sqlexec.Executor, scanExec *kvscan.Executor, store domain.ExecutionStore, active domain.ActiveClientRegistry, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{
		sql:    sqlExec,
		scan:   scanExec,
		store:  store,
		active: active,
		reauth: newReauthVerifier(cfg.Runtime.ReauthPasswordHash),
		log:    log,
	}
}

// NewRouter builds the chi router for the full §6.1 surface.
func NewRouter(s *Server, validator appmw.JWTValidator, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(appmw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Runtime.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appmw.RateLimiter(appmw.RateLimitConfig{
		RequestsPerSecond: cfg.Runtime.RateLimitRPS,
		Burst:             cfg.Runtime.RateLimitBurst,
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(api chi.Router) {
		api.Use(appmw.AuthMiddleware(validator))

		api.Route("/query", func(q chi.Router) {
			q.Post("/execute", s.handleQueryExecute)
			q.Post("/validate", s.handleQueryValidate)
			q.Get("/status/{id}", s.handleQueryStatus)
			q.Post("/cancel/{id}", s.handleQueryCancel)
			q.Get("/active", s.handleQueryActive)
		})

		api.Route("/redis", func(kv chi.Router) {
			kv.Post("/execute", s.handleRedisExecute)
			kv.Post("/scan", s.handleRedisScan)
			kv.Get("/scan/{id}", s.handleRedisScanStatus)
			kv.Post("/scan/{id}/cancel", s.handleRedisScanCancel)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

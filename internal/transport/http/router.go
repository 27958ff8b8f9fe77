package http

import (
	"net/http"

	"github.com/followswap/internal/application/follow"
	"github.com/followswap/internal/config"
	"github.com/followswap/internal/infrastructure/dynamo"
	jwtinfra "github.com/followswap/internal/infrastructure/jwt"
	"github.com/followswap/internal/infrastructure/smtp"
	"github.com/followswap/internal/infrastructure/sns"
	"github.com/followswap/internal/transport/http/handler"
	appmiddleware "github.com/followswap/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"
)

// Deps holds all infrastructure dependencies for the router.
type Deps struct {
	RequestRepo *dynamo.RequestRepo
	AccountRepo *dynamo.AccountRepo
	Mailer      smtp.Mailer
	SMSSender   sns.SMSSender
	JWTProvider *jwtinfra.Provider
	FollowSvc   follow.Service
}

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	followSvc := deps.FollowSvc
	if followSvc == nil {
		followSvc = follow.NewService(follow.ServiceDeps{
			Requests:   deps.RequestRepo,
			Accounts:   deps.AccountRepo,
			Mailer:     deps.Mailer,
			SMSSender:  deps.SMSSender,
			FollowTTL:  cfg.FollowTTL,
			QueueLimit: cfg.QueueLimit,
		})
	}

	// 5 requests/second, burst of 10 — applied to the mutating endpoints,
	// which are the abuse targets (code guessing, request spam).
	mutatingRL := appmiddleware.NewRateLimiter(rate.Limit(5), 10)

	healthH := handler.NewHealthHandler()
	followH := handler.NewFollowHandler(followSvc)

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no auth) ──────────────────────────────────────────
		r.Get("/health-check/{action}", healthH.Ping)

		// ── Authenticated routes ─────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(appmiddleware.Auth(deps.JWTProvider))

			r.With(mutatingRL.Limit).Post("/follows", followH.Request)
			r.Get("/follows/queue", followH.Queue)
			r.With(mutatingRL.Limit).Post("/follows/{id}/verify", followH.Verify)
			r.Get("/follows/history", followH.History)
			r.Get("/stats", followH.Stats)
		})
	})

	return r
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/chartqueue/internal/api/middleware"
	"github.com/kiranshivaraju/chartqueue/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	AdminAuth        *mw.AdminAuth
	RateLimit        *mw.RateLimit
	WebhookSignature func(http.Handler) http.Handler

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	WebhookHandler http.HandlerFunc

	UserStatusHandler   http.HandlerFunc
	ListAnalysesHandler http.HandlerFunc
	PruneHandler        http.HandlerFunc
	RequeueJobHandler   http.HandlerFunc
	FailJobHandler      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.WebhookSignature)
		r.Post("/webhook", orNotImplemented(deps.WebhookHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.AdminAuth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/users/{userID}/status", orNotImplemented(deps.UserStatusHandler))
		r.Get("/api/v1/users/{userID}/analyses", orNotImplemented(deps.ListAnalysesHandler))
		r.Post("/api/v1/users/{userID}/prune", orNotImplemented(deps.PruneHandler))

		r.Post("/api/v1/jobs/{jobID}/requeue", orNotImplemented(deps.RequeueJobHandler))
		r.Post("/api/v1/jobs/{jobID}/fail", orNotImplemented(deps.FailJobHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

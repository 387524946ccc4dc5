/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack, and the route table. This
  is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request, echoed in the request log
  2. RealIP:         Client address for rate limiting behind a proxy
  3. Actor:          X-User-ID -> request context
  4. RequestLogger:  One slog line per request
  5. Recoverer:      Panic recovery (500 instead of crash)
  6. Metrics:        Prometheus counters/histograms per route
  7. CORS:           Cross-origin requests for the admin frontend
  8. RateLimiter:    Per-client token bucket on /api (optional)

ROUTE GROUPS:
  /api/rules, /api/campaigns           Rule catalog and campaigns
  /api/hooks/*                         Upstream business hooks
  /api/simulate, /api/sources          Dry-run calculations, stored sources
  /api/events/*                        Commission event lifecycle and splits
  /api/batch/generate                  Batch generation over a time range
  /api/settlements/*                   Settlement lifecycle
  /api/users/{id}/balance              Balance summary
  /api/disputes/*                      Disputes
  /api/goals, /api/recurring           Goals and recurring commissions
  /api/scenarios/*                     Demo data
  /metrics, /healthz                   Operations

SECURITY NOTE:
  Authentication and authorization happen upstream. The gateway forwards the
  caller identity in X-User-ID, which is recorded as the actor.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, metrics, actor, rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tunes NewRouter. A nil RateLimiter disables rate limiting.
type RouterOptions struct {
	Logger         *slog.Logger
	AllowedOrigins []string
	RateLimiter    *RateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Actor)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Middleware)
		}

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/calculation-types", h.ListCalculationTypes)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Delete("/{id}", h.DeleteCampaign)
		})

		r.Route("/hooks", func(r chi.Router) {
			r.Post("/work-order-completed", h.WorkOrderCompleted)
			r.Post("/installment-paid", h.InstallmentPaid)
			r.Post("/order-invoiced", h.OrderInvoiced)
		})

		r.Post("/simulate", h.Simulate)
		r.Get("/sources", h.ListSources)
		r.Post("/batch/generate", h.GenerateBatch)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/batch-approve", h.BatchApproveEvents)
			r.Post("/batch-reverse", h.BatchReverseEvents)
			r.Get("/{id}", h.GetEvent)
			r.Get("/{id}/splits", h.ListSplits)
			r.Post("/{id}/approve", h.ApproveEvent)
			r.Post("/{id}/reverse", h.ReverseEvent)
			r.Post("/{id}/split", h.SplitEvent)
		})

		r.Route("/settlements", func(r chi.Router) {
			r.Get("/", h.ListSettlements)
			r.Post("/close", h.CloseSettlement)
			r.Get("/{id}", h.GetSettlement)
			r.Get("/{id}/events", h.ListSettlementEvents)
			r.Post("/{id}/approve", h.ApproveSettlement)
			r.Post("/{id}/reject", h.RejectSettlement)
			r.Post("/{id}/pay", h.PaySettlement)
			r.Post("/{id}/reopen", h.ReopenSettlement)
		})

		r.Get("/users/{id}/balance", h.GetBalance)

		r.Route("/disputes", func(r chi.Router) {
			r.Get("/", h.ListDisputes)
			r.Post("/", h.OpenDispute)
			r.Get("/{id}", h.GetDispute)
			r.Post("/{id}/resolve", h.ResolveDispute)
		})

		r.Route("/goals", func(r chi.Router) {
			r.Get("/", h.ListGoals)
			r.Post("/", h.SaveGoal)
			r.Post("/evaluate", h.EvaluateGoals)
			r.Get("/{id}/progress", h.GoalProgress)
		})

		r.Route("/recurring", func(r chi.Router) {
			r.Get("/", h.ListRecurring)
			r.Post("/", h.SaveRecurring)
			r.Post("/process", h.ProcessRecurring)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

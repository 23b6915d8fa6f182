/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/hubs/*        Hub registry
  /api/items/*       Supply catalog
  /api/events/*      Disaster event registry
  /api/stock/*       Derived stock views
  /api/ledger/*      Movement recording
  /api/requests/*    Needs List workflow
  /api/changes/*     Change request reviews
  /api/operations    Idempotent operation envelope
  /api/scenarios/*   Demo scenario loading (development only)

SECURITY NOTE:
  Actor identity comes from X-Actor-* headers, expected to be set by an
  authenticating proxy. There is no authentication in this service itself.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-Id", "X-Actor-Roles", "X-Actor-Hubs"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Hub registry
		r.Route("/hubs", func(r chi.Router) {
			r.Get("/", h.ListHubs)
			r.Post("/", h.CreateHub)
			r.Get("/{id}", h.GetHub)
		})

		// Supply catalog
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/{sku}", h.GetItem)
		})

		// Disaster events
		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListDisasterEvents)
			r.Post("/", h.CreateDisasterEvent)
			r.Get("/{id}", h.GetDisasterEvent)
			r.Put("/{id}", h.UpdateDisasterEvent)
		})

		// Derived stock
		r.Route("/stock", func(r chi.Router) {
			r.Get("/low", h.LowStock)
			r.Get("/{sku}", h.GetStock)
		})

		// Movement ledger
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/", h.ListEntries)
			r.Post("/intake", h.Intake)
			r.Post("/distribute", h.Distribute)
			r.Post("/transfer", h.Transfer)
		})

		// Needs List workflow
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.CreateRequest)

			r.Route("/{seq}", func(r chi.Router) {
				r.Get("/", h.GetRequest)
				r.Put("/", h.UpdateDraft)
				r.Post("/submit", h.Submit)
				r.Post("/fulfilment", h.SaveFulfilment)
				r.Post("/finalize", h.Finalize)
				r.Post("/approve", h.Approve)
				r.Post("/send-back", h.SendBack)
				r.Post("/dispatch", h.Dispatch)
				r.Post("/receive", h.Receive)
				r.Post("/complete", h.Complete)
				r.Post("/reject", h.Reject)

				r.Post("/lock", h.AcquireLock)
				r.Put("/lock", h.RenewLock)
				r.Delete("/lock", h.ReleaseLock)

				r.Get("/changes", h.ListChanges)
				r.Post("/changes", h.OpenChange)
				r.Get("/versions", h.ListVersions)
			})
		})

		// Change request reviews
		r.Route("/changes", func(r chi.Router) {
			r.Get("/{id}", h.GetChange)
			r.Post("/{id}/resolve", h.ResolveChange)
			r.Post("/{id}/dismiss", h.DismissChange)
		})

		// Idempotent operation envelope
		r.Post("/operations", h.SubmitOperation)

		// Demo scenarios (development only)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

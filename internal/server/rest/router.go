package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig tunes the middleware stack around the handlers.
type RouterConfig struct {
	// PublicKey enables the RS256 bearer-token fallback when non-nil.
	PublicKey *rsa.PublicKey

	// CORSOrigins lists allowed browser origins; CORS handling is skipped
	// when empty.
	CORSOrigins []string
}

// NewRouter returns the configured chi.Router for the Command Center API.
//
// Route layout:
//
//	GET  /ops/ping                         – liveness probe
//	GET  /ops/health                       – component health detail
//	GET  /ops/metrics                      – Prometheus text exposition
//	POST /events/publish                   – event ingestion
//	GET  /events/recent                    – filtered event query
//	GET  /events/stats                     – aggregate event counts
//	GET  /events/types                     – schema registry contents
//	GET  /events/stream                    – live stream (SSE)
//	GET  /events/stream/ws                 – live stream (WebSocket)
//	POST /alerts/rules                     – create rule (admin)
//	GET  /alerts/rules                     – list rules
//	GET  /alerts/rules/{id}                – fetch rule
//	DELETE /alerts/rules/{id}              – delete rule (admin)
//	PATCH /alerts/rules/{id}/enabled       – toggle rule (admin)
//	POST /alerts/evaluate                  – one-shot evaluation (admin)
//	GET  /alerts/deliveries                – queue contents (admin/operator)
//	GET  /alerts/deliveries/stats          – queue + history summary (admin/operator)
//	GET  /alerts/deliveries/history        – attempt history (admin/operator)
//	POST /alerts/deliveries/{id}/replay    – replay delivery (admin)
//	GET  /audit/operator                   – audit records (admin/operator)
//	GET  /audit/operator/stats             – audit summary (admin/operator)
//	GET  /audit/operator/verify            – hash-chain verification (admin/operator)
func NewRouter(srv *Server, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-User-Roles"},
			MaxAge:         300,
		}))
	}

	r.Use(IdentityMiddleware(cfg.PublicKey, srv.logger))

	r.Route("/ops", func(r chi.Router) {
		r.Get("/ping", srv.handlePing)
		r.Get("/health", srv.handleHealth)
		r.Handle("/metrics", srv.counters.Handler())
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/publish", srv.handlePublishEvent)
		r.Get("/recent", srv.handleRecentEvents)
		r.Get("/stats", srv.handleEventStats)
		r.Get("/types", srv.handleEventTypes)
		r.Get("/stream", srv.handleStream)
		r.Get("/stream/ws", srv.handleStreamWS)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/rules", srv.handleListRules)
		r.Get("/rules/{id}", srv.handleGetRule)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))
			r.Post("/rules", srv.handleCreateRule)
			r.Delete("/rules/{id}", srv.handleDeleteRule)
			r.Patch("/rules/{id}/enabled", srv.handleToggleRule)
			r.Post("/evaluate", srv.handleEvaluate)
			r.Post("/deliveries/{id}/replay", srv.handleReplayDelivery)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin, RoleOperator))
			r.Get("/deliveries", srv.handleListDeliveries)
			r.Get("/deliveries/stats", srv.handleDeliveryStats)
			r.Get("/deliveries/history", srv.handleDeliveryHistory)
		})
	})

	r.Route("/audit", func(r chi.Router) {
		r.Use(RequireRole(RoleAdmin, RoleOperator))
		r.Get("/operator", srv.handleAuditRecords)
		r.Get("/operator/stats", srv.handleAuditStats)
		r.Get("/operator/verify", srv.handleAuditVerify)
	})

	return r
}

package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sniperbc/subscriptions/internal/commission"
	"github.com/sniperbc/subscriptions/internal/config"
	"github.com/sniperbc/subscriptions/internal/ledger"
	"github.com/sniperbc/subscriptions/internal/store"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config        *config.Config
	Store         *store.Store
	Subscriptions *subscription.Service
	Engine        *commission.Engine
	Intents       ledger.IntentCreator // nil if no ledger service is configured
	Version       string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	serviceAuth := func(next http.Handler) http.Handler {
		return ServiceKeyMiddleware(deps.Config.ServiceKey, next)
	}

	// Health and readiness are unauthenticated.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(HandleStatus(deps.Store, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Authentication runs before the limiters so unauthenticated traffic
	// cannot spend a legitimate caller's budget.
	trusted := deps.Config.TrustedProxies

	// Payment webhook (service-key authenticated)
	webhookHandler := NewWebhookHandler(deps.Subscriptions, deps.Engine, deps.Config.OriginatingService)
	webhookLimiter := NewRateLimiter(120, time.Minute, trusted)
	mux.Handle("POST /api/payments/webhook", serviceAuth(webhookLimiter.Middleware(webhookHandler)))

	// Subscription API (service-key authenticated, called through the gateway)
	apiLimiter := NewRateLimiter(300, time.Minute, trusted)
	mux.Handle("POST /api/subscriptions/upgrade",
		serviceAuth(apiLimiter.Middleware(HandleInitiateUpgrade(deps.Subscriptions, deps.Intents, deps.Config.OriginatingService))))
	mux.Handle("GET /api/subscriptions/{user_id}",
		serviceAuth(apiLimiter.Middleware(HandleGetSubscription(deps.Subscriptions))))

	// Admin API (key-authenticated)
	mux.Handle("GET /admin/distributions/{source_event_id}", adminAuth(HandleGetDistribution(deps.Store)))
	mux.Handle("GET /admin/users/{user_id}/subscriptions", adminAuth(HandleListSubscriptions(deps.Store)))
}

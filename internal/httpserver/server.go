package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/callbacks"
	"github.com/CedrosPay/ticketing/internal/circuitbreaker"
	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/idempotency"
	"github.com/CedrosPay/ticketing/internal/logger"
	"github.com/CedrosPay/ticketing/internal/metrics"
	"github.com/CedrosPay/ticketing/internal/ratelimit"
	"github.com/CedrosPay/ticketing/internal/reconcile"
	"github.com/CedrosPay/ticketing/internal/storage"
	"github.com/CedrosPay/ticketing/internal/token"
)

var serverStartTime = time.Now()

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Store       storage.Store
	Reconciler  *reconcile.Reconciler
	Tokens      *token.Generator
	Idempotency idempotency.Store
	Breakers    *circuitbreaker.Manager
	DLQ         callbacks.DLQStore // optional; enables /admin/dlq
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer // source for /metrics; default registry when nil
	Logger      zerolog.Logger
}

// Server is the standalone HTTP server for the ticketing routes.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

type handlers struct {
	cfg         *config.Config
	store       storage.Store
	reconciler  *reconcile.Reconciler
	tokens      *token.Generator
	idempotency idempotency.Store
	breakers    *circuitbreaker.Manager
	dlq         callbacks.DLQStore
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func newHandlers(cfg *config.Config, deps Deps) handlers {
	tokens := deps.Tokens
	if tokens == nil {
		tokens = token.NewGenerator()
	}
	return handlers{
		cfg:         cfg,
		store:       deps.Store,
		reconciler:  deps.Reconciler,
		tokens:      tokens,
		idempotency: deps.Idempotency,
		breakers:    deps.Breakers,
		dlq:         deps.DLQ,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}
}

// New builds the HTTP server with a configured router.
func New(cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, deps)
	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
}

// ConfigureRouter attaches the ticketing routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Deps) {
	if router == nil {
		return
	}
	h := newHandlers(cfg, deps)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Idempotency-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", idempotency.HeaderReplay},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rl := ratelimit.ConfigFrom(cfg.RateLimit, deps.Metrics)
	rl.Exempt = hasAdminKey(cfg.Admin.APIKey)
	router.Use(ratelimit.GlobalLimiter(rl))

	prefix := cfg.Server.RoutePrefix
	openAdmin := adminAuth(cfg.Admin.APIKey, false)

	metricsHandler := promhttp.Handler()
	if deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", h.health)
		r.With(openAdmin).Handle(prefix+"/metrics", metricsHandler)
	})

	idem := func(next http.Handler) http.Handler { return next }
	if deps.Idempotency != nil {
		idem = idempotency.Middleware(deps.Idempotency, cfg.Idempotency.TTL.Duration)
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Providers retry from a small set of addresses, so the webhook is
		// not limited per IP.
		r.Post(prefix+"/payments/webhook", h.paymentWebhook)
		r.With(ratelimit.IPLimiter(rl), idem).Post(prefix+"/payments/verify", h.verifyPayment)
		r.With(ratelimit.IPLimiter(rl), idem).Post(prefix+"/payments/callback-receipt", h.callbackReceipt)
		r.With(ratelimit.LookupLimiter(rl)).Get(prefix+"/tickets/{token}", h.getTicket)
		r.With(openAdmin, idem).Post(prefix+"/purchases", h.createPurchase)
	})

	if cfg.Admin.APIKey == "" {
		deps.Logger.Info().Msg("admin.disabled")
		return
	}
	router.Route(prefix+"/admin", func(r chi.Router) {
		r.Use(adminAuth(cfg.Admin.APIKey, true))
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/purchases/{reference}", h.adminGetPurchase)
		r.Post("/reconcile/{reference}", h.adminReconcile)
		r.Get("/deliveries", h.adminListDeliveries)
		r.Get("/deliveries/{id}", h.adminGetDelivery)
		r.Post("/deliveries/{id}/retry", h.adminRetryDelivery)
		r.Delete("/deliveries/{id}", h.adminDeleteDelivery)
		r.Get("/dlq", h.adminListDLQ)
		r.Delete("/dlq/{id}", h.adminDeleteDLQ)
	})
}

// Router returns the configured router.
func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

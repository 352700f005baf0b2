// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/ratelimit"
	"github.com/matrix-engine/internal/service"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	service    *service.MembershipService
	budget     *ratelimit.BudgetTracker
	costs      *ratelimit.CostRegistry
	checks     map[string]HealthCheck
	config     *ServerConfig
	clock      clockwork.Clock
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Per-client token bucket
	RequestsPerSecond float64
	Burst             int

	MetricsEnabled bool
	MetricsPath    string
}

// Option customizes a Server.
type Option func(*Server)

// WithBudget enforces the cluster-wide request budget on top of the
// per-client limit.
func WithBudget(budget *ratelimit.BudgetTracker, costs *ratelimit.CostRegistry) Option {
	return func(s *Server) {
		s.budget = budget
		s.costs = costs
	}
}

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, svc *service.MembershipService, opts ...Option) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		service: svc,
		checks:  make(map[string]HealthCheck),
		config:  config,
		clock:   svc.Clock(),
		logger:  logging.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.costs == nil {
		s.costs = ratelimit.NewCostRegistry(nil)
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst, s.budget, s.costs)

	// Order matters: metrics and logging see the final status, including
	// recovered panics and rate limit rejections.
	s.router.Use(MetricsMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes. Route names double as request
// cost keys for the budget.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.config.MetricsEnabled {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, promhttp.Handler()).Methods("GET")
	}

	// Preflight requests only need to reach CORSMiddleware.
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	api := s.router.PathPrefix("/api").Subrouter()

	// Members
	api.HandleFunc("/members", s.handleRegister).Methods("POST").Name(ratelimit.RouteRegister)
	api.HandleFunc("/members/{wallet}", s.handleGetMember).Methods("GET").Name("get_member")
	api.HandleFunc("/members/{wallet}/activate", s.handleActivate).Methods("POST").Name(ratelimit.RouteActivate)
	api.HandleFunc("/members/{wallet}/upgrade", s.handleUpgrade).Methods("POST").Name(ratelimit.RouteUpgrade)
	api.HandleFunc("/members/{wallet}/eligibility/{level}", s.handleEligibility).Methods("GET").Name("eligibility")
	api.HandleFunc("/members/{wallet}/referrals", s.handleReferrals).Methods("GET").Name("referrals")
	api.HandleFunc("/members/{wallet}/placement", s.handlePlacement).Methods("GET").Name("placement")
	api.HandleFunc("/members/{wallet}/activity", s.handleActivity).Methods("GET").Name("activity")

	// Balances
	api.HandleFunc("/members/{wallet}/balance", s.handleGetBalance).Methods("GET").Name("balance")
	api.HandleFunc("/members/{wallet}/balance/entries", s.handleBalanceEntries).Methods("GET").Name("balance_entries")
	api.HandleFunc("/members/{wallet}/withdraw", s.handleWithdraw).Methods("POST").Name(ratelimit.RouteWithdraw)
	api.HandleFunc("/members/{wallet}/rewards/release-bcc", s.handleReleaseRewardBcc).Methods("POST").Name(ratelimit.RouteReleaseBcc)
	api.HandleFunc("/balances/transfer", s.handleTransfer).Methods("POST").Name(ratelimit.RouteTransferBcc)

	// Rewards
	api.HandleFunc("/members/{wallet}/rewards", s.handleListRewards).Methods("GET").Name("list_rewards")
	api.HandleFunc("/rewards/{id}", s.handleGetReward).Methods("GET").Name("get_reward")
	api.HandleFunc("/rewards/{id}/claim", s.handleClaimReward).Methods("POST").Name(ratelimit.RouteClaimReward)

	// Matrix
	api.HandleFunc("/matrix/{root}/stats", s.handleMatrixStats).Methods("GET").Name(ratelimit.RouteMatrixStats)
	api.HandleFunc("/matrix/{root}/layers/{layer}", s.handleMatrixLayer).Methods("GET").Name(ratelimit.RouteMatrixLayer)
	api.HandleFunc("/tiers", s.handleTiers).Methods("GET").Name("tiers")

	// Operator endpoints. The background worker runs the same jobs on a schedule.
	api.HandleFunc("/admin/rewards/sweep", s.handleSweep).Methods("POST").Name(ratelimit.RouteSweepRewards)
	api.HandleFunc("/admin/distributions/retry", s.handleRetryQueue).Methods("POST").Name("retry_distributions")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.WithField("dependency", name).WithError(err).Warn("Health check failed")
			deps[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":       overall,
		"service":      "matrix-engine",
		"dependencies": deps,
	})
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

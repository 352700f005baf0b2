package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/ratelimit"
)

// RateLimiter applies a token bucket per client and, when a budget is
// configured, charges each request's route cost against the shared
// Redis budget.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int

	budget *ratelimit.BudgetTracker
	costs  *ratelimit.CostRegistry
	logger *logging.Logger
}

// NewRateLimiter creates a new rate limiter. budget may be nil.
func NewRateLimiter(rps float64, burst int, budget *ratelimit.BudgetTracker, costs *ratelimit.CostRegistry) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if costs == nil {
		costs = ratelimit.NewCostRegistry(nil)
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     limit,
		burstSize: burst,
		budget:    budget,
		costs:     costs,
		logger:    logging.Named("rate_limiter"),
	}
}

// getLimiter returns the limiter for a client
func (rl *RateLimiter) getLimiter(client string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[client]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[client]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[client] = limiter

	return limiter
}

// clientKey identifies the caller: the wallet header when present,
// otherwise the remote IP.
func clientKey(r *http.Request) string {
	if wallet := r.Header.Get("X-Wallet-Address"); wallet != "" {
		return wallet
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
		return route.GetName()
	}
	return r.URL.Path
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			limiter := rl.getLimiter(clientKey(r))
			if !limiter.Allow() {
				rejectRateLimited(w, 1)
				return
			}

			if rl.budget != nil {
				route := routeName(r)
				cost, priority := rl.costs.Cost(route)
				ok, wait, err := rl.budget.TryConsume(r.Context(), cost, priority)
				if err != nil {
					rl.logger.WithField("route", route).WithError(err).Warn("Request budget unavailable, allowing request")
				}
				if !ok {
					secs := int(math.Ceil(wait.Seconds()))
					if secs < 1 {
						secs = 1
					}
					rejectRateLimited(w, secs)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rejectRateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	respondAppError(w, apperrors.NewRateLimitError(retryAfter))
}

// Package router wires the two HTTP planes described in spec.md §4: the
// subdomain-routed public plane and the tunnel-provisioning admin plane,
// composed behind a single entry point with chi's request-ID and recovery
// middleware and structured request logging, following the teacher
// gateway's router conventions.
package router

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/clientmanager"
	"github.com/tunnelrelay/rendezvous/config"
	"github.com/tunnelrelay/rendezvous/frontend/adminplane"
	"github.com/tunnelrelay/rendezvous/frontend/publicplane"
	"github.com/tunnelrelay/rendezvous/hmacauth"
	"github.com/tunnelrelay/rendezvous/middleware"
	"github.com/tunnelrelay/rendezvous/noncecache"
)

// New builds the combined handler. manager owns the tunnel registry and
// port pool; nonces and auth may be nil when LT_HMAC_SECRET is unset, in
// which case the admin plane's creation routes run unauthenticated.
func New(logger zerolog.Logger, cfg *config.Config, manager *clientmanager.Manager, nonces *noncecache.Cache) http.Handler {
	admin := adminplane.New(logger, cfg, manager, buildAuth(logger, cfg, nonces), buildRateLimiter(logger, cfg))
	public := publicplane.New(logger, cfg, manager, admin.ServeHTTP)

	return withAccessLog(logger, public)
}

// AdminOnly returns just the admin plane's handler, used when
// LT_ADMIN_PORT configures it on a separate listener from the public
// plane (spec.md §6).
func AdminOnly(logger zerolog.Logger, cfg *config.Config, manager *clientmanager.Manager, nonces *noncecache.Cache) http.Handler {
	admin := adminplane.New(logger, cfg, manager, buildAuth(logger, cfg, nonces), buildRateLimiter(logger, cfg))
	return withAccessLog(logger, admin)
}

func buildAuth(logger zerolog.Logger, cfg *config.Config, nonces *noncecache.Cache) *hmacauth.Authenticator {
	if !cfg.HMACEnabled() {
		return nil
	}
	return hmacauth.New(logger, cfg.HMACSecret, cfg.HMACTimestampTolerance, cfg.HMACNonceThreshold, cfg.HMACNonceCacheTTL, nonces, cfg.IsDevelopment())
}

func buildRateLimiter(logger zerolog.Logger, cfg *config.Config) *middleware.RateLimiter {
	if cfg.RateLimitRPM <= 0 {
		return nil
	}
	return middleware.NewRateLimiter(logger, cfg.RateLimitRPM)
}

// withAccessLog wraps next with chi's request-ID injection, panic
// recovery, and a structured access-log line — the ambient pattern the
// teacher gateway's router applies ahead of any route-specific chain.
func withAccessLog(logger zerolog.Logger, next http.Handler) http.Handler {
	withID := chimw.RequestID(next)
	recovered := chimw.Recoverer(withID)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		recovered.ServeHTTP(rw, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("host", r.Host).
			Str("req_id", chimw.GetReqID(r.Context())).
			Int("status", rw.Status()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

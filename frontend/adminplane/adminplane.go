// Package adminplane implements the tunnel-provisioning HTTP API: id
// validation, client identification, HMAC-gated creation routes, and the
// status endpoints (spec.md §4.5).
package adminplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/clientmanager"
	"github.com/tunnelrelay/rendezvous/config"
	"github.com/tunnelrelay/rendezvous/hmacauth"
	"github.com/tunnelrelay/rendezvous/identifier"
	"github.com/tunnelrelay/rendezvous/middleware"
)

var subdomainRe = regexp.MustCompile(`^(?:[a-z0-9][a-z0-9\-]{4,63}[a-z0-9]|[a-z0-9]{4,63})$`)

const invalidSubdomainMessage = "Invalid subdomain. Subdomains must be lowercase and between 4 and 63 alphanumeric characters."

var clientTokenRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Frontend serves the admin plane.
type Frontend struct {
	logger      zerolog.Logger
	cfg         *config.Config
	manager     *clientmanager.Manager
	auth        *hmacauth.Authenticator // nil if HMAC disabled
	rateLimiter *middleware.RateLimiter
}

// New constructs the admin plane's chi router. rateLimiter may be nil to
// disable creation-route rate limiting.
func New(logger zerolog.Logger, cfg *config.Config, manager *clientmanager.Manager, auth *hmacauth.Authenticator, rateLimiter *middleware.RateLimiter) http.Handler {
	f := &Frontend{
		logger:      logger.With().Str("component", "admin_plane").Logger(),
		cfg:         cfg,
		manager:     manager,
		auth:        auth,
		rateLimiter: rateLimiter,
	}

	r := chi.NewRouter()
	r.Use(middleware.SecurityHeadersMiddleware)
	r.Use(middleware.NewTimeoutMiddleware(logger, cfg.RequestTimeout).Handler)

	r.Get("/api/status", f.handleStatus)
	r.Get("/api/tunnels/{id}/status", f.handleTunnelStatus)

	creation := chi.NewRouter()
	if rateLimiter != nil {
		creation.Use(rateLimiter.Handler(f.rateLimitKey))
	}
	if auth != nil {
		creation.Use(auth.Middleware)
	}
	creation.Get("/", f.handleRoot)
	creation.Get("/{id}", f.handleCreate)
	r.Mount("/", creation)

	return r
}

func (f *Frontend) rateLimitKey(r *http.Request) string {
	ident, _ := f.identify(r)
	return ident.Kind.String() + ":" + ident.Value
}

func (f *Frontend) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": f.manager.Stats().Tunnels,
		"mem": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
			"goroutines":        runtime.NumGoroutine(),
		},
	})
}

func (f *Frontend) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := f.manager.GetClient(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"connected_sockets": c.Stats().Connected,
	})
}

func (f *Frontend) handleRoot(w http.ResponseWriter, r *http.Request) {
	if _, hasNew := r.URL.Query()["new"]; hasNew {
		f.createTunnel(w, r, "")
		return
	}
	http.Redirect(w, r, f.cfg.Landing, http.StatusFound)
}

func (f *Frontend) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !subdomainRe.MatchString(id) {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": invalidSubdomainMessage})
		return
	}
	f.createTunnel(w, r, id)
}

func (f *Frontend) createTunnel(w http.ResponseWriter, r *http.Request, requestedID string) {
	ident, sourceIP := f.identify(r)

	res, err := f.manager.NewClient(requestedID, ident, sourceIP)
	if err != nil {
		var reserved *clientmanager.ReservedError
		if errors.As(err, &reserved) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "Subdomain reserved",
				"message": fmt.Sprintf("Subdomain %q is reserved by another client. Try again in %ds or use a different subdomain.", reserved.ID, reserved.RemainingSeconds),
			})
			return
		}
		f.logger.Error().Err(err).Msg("failed to create tunnel")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":             res.ID,
		"port":           res.Port,
		"max_conn_count": res.MaxConnCount,
		"url":            f.publicURL(r, res.ID, res.Port),
	})
}

// identify derives the caller's identifier from X-LT-Client-Token if
// present and valid, else from source IP (honoring X-Forwarded-For /
// X-Real-IP only when trust-proxy is enabled), per spec.md §4.5.
func (f *Frontend) identify(r *http.Request) (identifier.Identifier, string) {
	if tok := strings.TrimSpace(r.Header.Get("X-LT-Client-Token")); tok != "" && len(tok) <= 256 && clientTokenRe.MatchString(tok) {
		return identifier.FromToken(tok), f.sourceIP(r)
	}
	ip := f.sourceIP(r)
	return identifier.FromIP(ip), ip
}

func (f *Frontend) sourceIP(r *http.Request) string {
	if f.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
		if xr := r.Header.Get("X-Real-IP"); xr != "" {
			return strings.TrimSpace(xr)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// publicURL builds the tunnel URL per spec.md §4.5: scheme from
// LT_SECURE, host from the request's Host header (without its port),
// port suffix from LT_HTTP(S)_PROXY_PORT else the listening port, omitted
// when it equals the scheme's default port.
func (f *Frontend) publicURL(r *http.Request, id string, listenPort int) string {
	scheme := "http"
	defaultPort := 80
	if f.cfg.Secure {
		scheme = "https"
		defaultPort = 443
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = f.cfg.Domain
	}

	port := listenPort
	if f.cfg.Secure && f.cfg.HTTPSProxyPort != 0 {
		port = f.cfg.HTTPSProxyPort
	} else if !f.cfg.Secure && f.cfg.HTTPProxyPort != 0 {
		port = f.cfg.HTTPProxyPort
	}

	url := fmt.Sprintf("%s://%s.%s", scheme, id, host)
	if port != defaultPort && port != 0 {
		url += ":" + strconv.Itoa(port)
	}
	return url
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

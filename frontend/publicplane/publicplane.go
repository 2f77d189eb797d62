// Package publicplane implements the subdomain-routed HTTP/WebSocket
// front-end: Host-header routing to a Client, 404/503 backpressure
// semantics, and upgrade waits (spec.md §4.4).
package publicplane

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/client"
	"github.com/tunnelrelay/rendezvous/clientmanager"
	"github.com/tunnelrelay/rendezvous/config"
)

// AdminFallback is invoked for requests whose Host header carries no
// recognizable subdomain (single-port deployments route these to the
// admin plane, per spec.md §4.4 step 3).
type AdminFallback func(w http.ResponseWriter, r *http.Request)

// Frontend serves the public plane.
type Frontend struct {
	logger   zerolog.Logger
	cfg      *config.Config
	manager  *clientmanager.Manager
	fallback AdminFallback
}

// New constructs a public-plane Frontend.
func New(logger zerolog.Logger, cfg *config.Config, manager *clientmanager.Manager, fallback AdminFallback) *Frontend {
	return &Frontend{
		logger:   logger.With().Str("component", "public_plane").Logger(),
		cfg:      cfg,
		manager:  manager,
		fallback: fallback,
	}
}

// ServeHTTP implements spec.md §4.4.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	host := r.Host
	if host == "" {
		http.Error(w, "Host header is required", http.StatusBadRequest)
		return
	}

	sub := f.subdomain(host)
	if sub == "" {
		f.fallback(w, r)
		return
	}

	if isUpgrade(r) {
		f.serveUpgrade(w, r, sub)
		return
	}

	c, ok := f.manager.GetClient(sub)
	if !ok {
		http.Error(w, "Tunnel Not Found", http.StatusNotFound)
		return
	}

	if c.InGrace() {
		f.writeRetryLater(w, http.StatusServiceUnavailable, "Service Temporarily Unavailable", ceilSeconds(c.GetGracePeriodRemaining()))
		return
	}
	if c.IsOnline() && !c.HasAvailableSockets() {
		f.writeRetryLater(w, http.StatusServiceUnavailable, "Service Unavailable", f.cfg.RetryAfterSeconds)
		return
	}

	// A client that has never connected (PendingFirstConnect) falls
	// through to handleRequest per spec.md §4.4's enumerated conditions;
	// the per-request timeout in Client.HandleRequest bounds how long it
	// waits for a first socket before replying 503.
	c.HandleRequest(w, r)
}

// subdomain extracts the subdomain label from host using the configured
// base domain, returning "" if host doesn't carry one (spec.md §4.4 step 3).
func (f *Frontend) subdomain(host string) string {
	if f.cfg.Domain == "" {
		return ""
	}
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	suffix := "." + f.cfg.Domain
	if !strings.HasSuffix(hostname, suffix) {
		return ""
	}
	sub := strings.TrimSuffix(hostname, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// serveUpgrade implements the upgrade-wait logic of spec.md §4.4: waiting
// up to min(WEBSOCKET_TIMEOUT, graceRemaining) for online during grace,
// or polling availability at SOCKET_CHECK_INTERVAL once online.
func (f *Frontend) serveUpgrade(w http.ResponseWriter, r *http.Request, sub string) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	c, ok := f.manager.GetClient(sub)
	if !ok {
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		writeRawStatus(conn, http.StatusNotFound, "Tunnel Not Found", 0)
		conn.Close()
		return
	}

	wsTimeout := f.cfg.WebsocketTimeout
	if wsTimeout <= 0 {
		wsTimeout = 10 * time.Second
	}

	if c.InGrace() {
		wait := c.GetGracePeriodRemaining()
		if wait > wsTimeout {
			wait = wsTimeout
		}
		if !f.waitForOnline(c, wait) {
			conn, _, err := hj.Hijack()
			if err != nil {
				return
			}
			writeRawStatus(conn, http.StatusServiceUnavailable, "Service Temporarily Unavailable", f.cfg.RetryAfterSeconds)
			conn.Close()
			return
		}
	}
	// A client that has never connected (PendingFirstConnect) is treated
	// like "online but no sockets yet" below and waits the same way.

	if !c.HasAvailableSockets() {
		if !f.waitForAvailable(c, wsTimeout) {
			conn, _, err := hj.Hijack()
			if err != nil {
				return
			}
			writeRawStatus(conn, http.StatusServiceUnavailable, "Service Unavailable", f.cfg.RetryAfterSeconds)
			conn.Close()
			return
		}
	}

	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	c.HandleUpgrade(r, conn)
}

func (f *Frontend) waitForOnline(c *client.Client, timeout time.Duration) bool {
	interval := f.cfg.SocketCheckInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsOnline() {
			return true
		}
		time.Sleep(interval)
	}
	return c.IsOnline()
}

func (f *Frontend) waitForAvailable(c *client.Client, timeout time.Duration) bool {
	interval := f.cfg.SocketCheckInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.HasAvailableSockets() {
			return true
		}
		time.Sleep(interval)
	}
	return c.HasAvailableSockets()
}

func (f *Frontend) writeRetryLater(w http.ResponseWriter, status int, message string, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	http.Error(w, message, status)
}

func writeRawStatus(conn net.Conn, status int, message string, retryAfterSeconds int) {
	statusText := http.StatusText(status)
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, statusText)
	if retryAfterSeconds > 0 {
		fmt.Fprintf(&sb, "Retry-After: %d\r\n", retryAfterSeconds)
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(message))
	sb.WriteString("Connection: close\r\n\r\n")
	sb.WriteString(message)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	bw := bufio.NewWriter(conn)
	bw.WriteString(sb.String())
	bw.Flush()
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package client implements the Client session wrapping one Agent:
// online/offline lifecycle, the configurable grace period, and request /
// WebSocket forwarding over the agent's socket pool (spec.md §4.2).
//
// Client subscribes to its Agent's online/offline signals rather than the
// Agent holding a reference back to Client, breaking the event-emitter
// cycle the source pattern had (see DESIGN.md / spec.md §9).
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/agent"
	"github.com/tunnelrelay/rendezvous/config"
	"github.com/tunnelrelay/rendezvous/identifier"
	"github.com/tunnelrelay/rendezvous/middleware"
)

// State is one node of the Client lifecycle state machine (spec.md §4.2).
type State int

const (
	StatePendingFirstConnect State = iota
	StateOnline
	StateOfflineGrace
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOfflineGrace:
		return "offline_grace"
	case StateClosed:
		return "closed"
	default:
		return "pending_first_connect"
	}
}

// Client wraps one Agent with session lifecycle and HTTP/WebSocket
// forwarding.
type Client struct {
	logger    zerolog.Logger
	cfg       *config.Config
	id        string
	createdAt time.Time
	agent     *agent.Agent
	sourceIP  string

	mu            sync.Mutex
	state         State
	ident         identifier.Identifier
	graceTimer    *time.Timer
	graceDeadline time.Time

	closeSubsMu sync.Mutex
	closeSubs   []func()
	closeOnce   sync.Once
}

// New constructs a Client wrapping ag. It immediately subscribes to the
// agent's online/offline signals, then schedules a deferred check (after
// the current work unit) that arms the grace timer only if the client
// hasn't already gone online — resolving the race where the first tunnel
// socket attaches before the constructor returns (spec.md §4.2).
func New(logger zerolog.Logger, cfg *config.Config, ag *agent.Agent, id string, ident identifier.Identifier, sourceIP string) *Client {
	c := &Client{
		logger:    logger.With().Str("component", "client").Str("client_id", id).Logger(),
		cfg:       cfg,
		id:        id,
		createdAt: time.Now(),
		agent:     ag,
		sourceIP:  sourceIP,
		state:     StatePendingFirstConnect,
		ident:     ident,
	}

	ag.OnOnline(c.onAgentOnline)
	ag.OnOffline(c.onAgentOffline)

	go func() {
		c.mu.Lock()
		if c.state == StatePendingFirstConnect {
			c.armGraceTimerLocked()
		}
		c.mu.Unlock()
	}()

	return c
}

// ID returns the client's subdomain id.
func (c *Client) ID() string { return c.id }

// Identifier returns the identifier used for grace-period reservation.
func (c *Client) Identifier() identifier.Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

// SourceIP returns the original connecting IP recorded at creation.
func (c *Client) SourceIP() string { return c.sourceIP }

// CreatedAt returns the creation timestamp.
func (c *Client) CreatedAt() time.Time { return c.createdAt }

// Agent returns the underlying Agent, so the manager can call Listen/Destroy.
func (c *Client) Agent() *agent.Agent { return c.agent }

func (c *Client) onAgentOnline() {
	c.mu.Lock()
	switch c.state {
	case StatePendingFirstConnect, StateOfflineGrace:
		c.cancelGraceTimerLocked()
		c.state = StateOnline
	}
	c.mu.Unlock()
}

func (c *Client) onAgentOffline() {
	c.mu.Lock()
	if c.state == StateOnline {
		c.state = StateOfflineGrace
		c.armGraceTimerLocked()
	}
	c.mu.Unlock()
}

// armGraceTimerLocked reads the grace period lazily from cfg on every arm,
// per spec.md §4.2, so runtime configuration changes (as used in tests)
// take effect immediately. Must be called with c.mu held.
func (c *Client) armGraceTimerLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	grace := c.cfg.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if grace > c.cfg.MaxGracePeriod && c.cfg.MaxGracePeriod > 0 {
		grace = c.cfg.MaxGracePeriod
	}
	c.graceDeadline = time.Now().Add(grace)
	c.graceTimer = time.AfterFunc(grace, c.onGraceExpired)
}

func (c *Client) cancelGraceTimerLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.graceDeadline = time.Time{}
}

// onGraceExpired fires when either the initial grace timer (armed in New
// for a client that never connects) or the offline-grace timer (armed in
// onAgentOffline) elapses. Both must close the client: a provisioned
// tunnel whose client never dials in otherwise holds its registry entry,
// agent and port forever.
func (c *Client) onGraceExpired() {
	c.mu.Lock()
	switch c.state {
	case StatePendingFirstConnect, StateOfflineGrace:
	default:
		// An online signal arrived first and already cancelled this
		// sequence; spec.md §5 requires that be processed strictly
		// before this callback's effects.
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.graceTimer = nil
	c.mu.Unlock()

	c.closeOnce.Do(c.fireClose)
}

// Close terminates the client's lifetime immediately and idempotently,
// used both for explicit shutdown and fatal agent errors (spec.md §4.2
// "Any -> Closed").
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.cancelGraceTimerLocked()
	c.state = StateClosed
	c.mu.Unlock()

	c.closeOnce.Do(c.fireClose)
}

// OnClose registers a callback fired exactly once when the client
// transitions to Closed. The ClientManager uses this to remove the
// client from its registry.
func (c *Client) OnClose(fn func()) {
	c.closeSubsMu.Lock()
	c.closeSubs = append(c.closeSubs, fn)
	c.closeSubsMu.Unlock()
}

func (c *Client) fireClose() {
	c.closeSubsMu.Lock()
	subs := append([]func(){}, c.closeSubs...)
	c.closeSubsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
	c.agent.Destroy()
}

// IsOnline reports whether the client is currently in the Online state.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOnline
}

// InGrace reports whether the client is offline but within its grace
// window.
func (c *Client) InGrace() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOfflineGrace
}

// IsClosed reports whether the client has reached its terminal state.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

// HasAvailableSockets reports whether the agent could hand out a socket
// immediately.
func (c *Client) HasAvailableSockets() bool {
	return c.agent.HasAvailable()
}

// GetGracePeriodRemaining returns the time until close if currently in
// grace, or 0 otherwise.
func (c *Client) GetGracePeriodRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOfflineGrace {
		return 0
	}
	d := time.Until(c.graceDeadline)
	if d < 0 {
		return 0
	}
	return d
}

// Stats returns the underlying agent's pool statistics.
func (c *Client) Stats() agent.Stats {
	return c.agent.Stats()
}

type connResult struct {
	conn net.Conn
	err  error
}

// HandleRequest pipes req into an outbound HTTP request sent through the
// agent's socket pool, streaming the upstream reply back to w (spec.md
// §4.2 "handleRequest").
func (c *Client) HandleRequest(w http.ResponseWriter, r *http.Request) {
	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	connCh := make(chan connResult, 1)
	cancelWait := c.agent.CreateConnection(func(conn net.Conn, err error) {
		connCh <- connResult{conn, err}
	})
	defer cancelWait()

	var conn net.Conn
	select {
	case res := <-connCh:
		if res.err != nil {
			c.writeRetryUnavailable(w, "Service Unavailable")
			return
		}
		conn = res.conn
	case <-ctx.Done():
		c.writeRetryUnavailable(w, "Service Unavailable")
		return
	}
	defer conn.Close()

	middleware.StripHopByHopRequestHeaders(r.Header)
	if err := r.Write(conn); err != nil {
		// Outbound error before response headers flushed: 503 w/ Retry-After.
		c.writeRetryUnavailable(w, "Service Unavailable")
		return
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), r)
	if err != nil {
		c.writeRetryUnavailable(w, "Service Unavailable")
		return
	}
	defer resp.Body.Close()

	middleware.StripHopByHopResponseHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(w, resp.Body)
		done <- copyErr
	}()

	select {
	case copyErr := <-done:
		if copyErr != nil {
			c.logger.Debug().Err(copyErr).Msg("error streaming proxied response body")
		}
	case <-ctx.Done():
		// Headers already flushed — failure is silently logged, per
		// spec.md §7.
		conn.Close()
		c.logger.Warn().Msg("request timed out after response headers were sent")
	}
}

func (c *Client) writeRetryUnavailable(w http.ResponseWriter, message string) {
	retryAfter := c.cfg.RetryAfterSeconds
	if retryAfter <= 0 {
		retryAfter = 5
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	http.Error(w, message, http.StatusServiceUnavailable)
}

// HandleUpgrade forwards a WebSocket-style upgrade over a raw agent
// socket (spec.md §4.2 "handleUpgrade"). clientConn is the hijacked
// public-facing connection; r is the parsed upgrade request used to
// reconstruct the request line and headers sent to the agent socket.
//
// Go's net/http canonicalizes header keys before a handler ever sees the
// request (textproto.ReadMIMEHeader), so byte-for-byte casing/ordering of
// the original wire request is already gone by this point; this
// reconstructs the request deterministically from the canonical header
// map instead of attempting to recover original bytes (see DESIGN.md).
func (c *Client) HandleUpgrade(r *http.Request, clientConn net.Conn) {
	timeout := c.cfg.WebsocketTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	clientDead := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		clientConn.Read(buf)
		close(clientDead)
	}()

	connCh := make(chan connResult, 1)
	cancelWait := c.agent.CreateConnection(func(conn net.Conn, err error) {
		connCh <- connResult{conn, err}
	})
	defer cancelWait()

	var agentConn net.Conn
	select {
	case res := <-connCh:
		clientConn.SetReadDeadline(time.Unix(0, 1))
		clientConn.SetReadDeadline(time.Time{})
		if res.err != nil {
			writeRawUnavailable(clientConn, c.cfg.RetryAfterSeconds)
			clientConn.Close()
			return
		}
		agentConn = res.conn
	case <-clientDead:
		// The waiting client's socket died before an agent socket became
		// available; nothing further to write to it.
		return
	case <-time.After(timeout):
		clientConn.SetReadDeadline(time.Unix(0, 1))
		clientConn.SetReadDeadline(time.Time{})
		writeRawUnavailable(clientConn, c.cfg.RetryAfterSeconds)
		clientConn.Close()
		return
	}
	defer agentConn.Close()

	if err := writeUpgradeRequest(agentConn, r); err != nil {
		clientConn.Close()
		return
	}

	pipeBidirectional(clientConn, agentConn)
}

func writeUpgradeRequest(w io.Writer, r *http.Request) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI()); err != nil {
		return err
	}
	keys := make([]string, 0, len(r.Header)+1)
	headers := make(map[string][]string, len(r.Header)+1)
	for k, v := range r.Header {
		headers[k] = v
		keys = append(keys, k)
	}
	if _, ok := headers["Host"]; !ok && r.Host != "" {
		headers["Host"] = []string{r.Host}
		keys = append(keys, "Host")
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func writeRawUnavailable(conn net.Conn, retryAfter int) {
	body := "Service Unavailable"
	resp := fmt.Sprintf(
		"HTTP/1.1 503 Service Unavailable\r\nRetry-After: %d\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		retryAfter, len(body), body,
	)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(resp))
}

// pipeBidirectional copies bytes both directions until either side closes,
// propagating the close to the other side.
func pipeBidirectional(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}

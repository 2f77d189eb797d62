// Package agent implements the TunnelAgent: a TCP listener dedicated to
// one tunnel client, with a bounded pool of idle sockets and a FIFO queue
// of waiting HTTP/upgrade requests (spec.md §4.1).
//
// Agent owns no reference to its Client; it exposes state through pulled
// queries (Stats, HasAvailable) and two signal subscriptions (OnOnline,
// OnOffline) so the Client can drive its lifecycle without Agent knowing
// it exists. This breaks the event-emitter cycle the source pattern had
// (see DESIGN.md).
package agent

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Callback receives a leased socket, or a non-nil error if the lease
// could not be satisfied (agent closed while waiting).
type Callback func(conn net.Conn, err error)

// Sentinel errors surfaced to callers of CreateConnection.
var (
	ErrAlreadyStarted = errors.New("agent: already started")
	ErrAgentClosed    = errors.New("agent: closed")
)

// Stats is a point-in-time snapshot of pool utilization.
type Stats struct {
	Connected int
	Rejected  uint64
	Available int
	Waiting   int
}

// waiterEntry pairs a queued callback with an id so a caller that times
// out can dequeue exactly its own entry (CreateConnection's returned
// cancel func), without disturbing other waiters ahead of or behind it.
type waiterEntry struct {
	id uint64
	cb Callback
}

// Agent is the per-client socket pool and request multiplexer.
type Agent struct {
	logger        zerolog.Logger
	clientID      string
	maxSockets    int
	preferredPort int

	mu           sync.Mutex
	listener     net.Listener
	port         int
	started      bool
	closed       bool
	connected    int
	idle         []*pooledConn
	waiters      []waiterEntry
	nextWaiterID uint64
	rejected     uint64

	onlineSubs  []func()
	offlineSubs []func()
}

// New creates an Agent for clientID. preferredPort is 0 for an OS-assigned
// ephemeral port, matching spec.md's "or an OS-assigned ephemeral port if
// none" rule.
func New(logger zerolog.Logger, clientID string, maxSockets, preferredPort int) *Agent {
	return &Agent{
		logger:        logger.With().Str("component", "agent").Str("client_id", clientID).Logger(),
		clientID:      clientID,
		maxSockets:    maxSockets,
		preferredPort: preferredPort,
	}
}

// OnOnline registers a callback fired exactly when connected transitions
// 0 -> 1. Must be called before Listen to avoid missing the first firing.
func (a *Agent) OnOnline(fn func()) {
	a.mu.Lock()
	a.onlineSubs = append(a.onlineSubs, fn)
	a.mu.Unlock()
}

// OnOffline registers a callback fired exactly when connected transitions
// to 0.
func (a *Agent) OnOffline(fn func()) {
	a.mu.Lock()
	a.offlineSubs = append(a.offlineSubs, fn)
	a.mu.Unlock()
}

// Listen binds the TCP listener and starts accepting tunnel-client
// sockets. Calling it twice fails with ErrAlreadyStarted.
func (a *Agent) Listen() (int, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return 0, ErrAlreadyStarted
	}
	a.started = true
	port := a.preferredPort
	a.mu.Unlock()

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		return 0, fmt.Errorf("agent: listen: %w", err)
	}

	boundPort := l.Addr().(*net.TCPAddr).Port
	a.mu.Lock()
	a.listener = l
	a.port = boundPort
	a.mu.Unlock()

	a.logger.Info().Int("port", boundPort).Msg("tunnel agent listening")
	go a.acceptLoop(l)
	return boundPort, nil
}

func (a *Agent) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		a.handleAccept(conn)
	}
}

// handleAccept implements the four steps of spec.md §4.1 "On incoming TCP
// connection".
func (a *Agent) handleAccept(conn net.Conn) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return
	}

	if a.connected >= a.maxSockets {
		current := a.connected
		available := len(a.idle)
		waiting := len(a.waiters)
		a.rejected++
		rejectedNow := a.rejected
		a.mu.Unlock()

		writeRejection(conn, a.maxSockets, current, available, waiting)
		conn.Close()

		if rejectedNow == 1 || rejectedNow%10 == 0 {
			a.logger.Warn().
				Uint64("rejected_total", rejectedNow).
				Int("max_sockets", a.maxSockets).
				Int("connected", current).
				Msg("rejected tunnel socket over connection limit")
		}
		return
	}

	wasZero := a.connected == 0
	a.connected++

	pc := newPooledConn(conn, a)

	var waiter Callback
	if len(a.waiters) > 0 {
		waiter = a.waiters[0].cb
		a.waiters = a.waiters[1:]
	} else {
		pc.idle = true
		a.idle = append(a.idle, pc)
	}
	a.mu.Unlock()

	if wasZero {
		a.fireOnline()
	}

	if waiter != nil {
		go waiter(pc, nil)
	} else {
		go a.watchIdle(pc)
	}
}

// CreateConnection requests a socket for forwarding one HTTP request or
// upgrade. If the agent is closed, cb fires immediately (asynchronously)
// with ErrAgentClosed. If the idle pool is non-empty, cb fires
// asynchronously with a popped socket. Otherwise cb is queued FIFO.
//
// The returned cancel func dequeues cb if it is still waiting. Callers
// that give up on a pending request (deadline, client disconnect) must
// call it, or a socket that arrives afterward is handed to a callback
// nobody is listening to anymore and is never released.
func (a *Agent) CreateConnection(cb Callback) (cancel func()) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		go cb(nil, ErrAgentClosed)
		return func() {}
	}

	if len(a.idle) > 0 {
		pc := a.idle[0]
		a.idle = a.idle[1:]
		pc.idle = false
		a.mu.Unlock()

		pc.interruptIdleWatch()
		go cb(pc, nil)
		return func() {}
	}

	a.nextWaiterID++
	id := a.nextWaiterID
	a.waiters = append(a.waiters, waiterEntry{id: id, cb: cb})
	a.mu.Unlock()

	return func() { a.cancelWaiter(id) }
}

// cancelWaiter removes the waiter with id from the queue if it is still
// there. It is a no-op if the waiter already fired.
func (a *Agent) cancelWaiter(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiters {
		if w.id == id {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

// watchIdle blocks on a one-byte read to detect the remote end closing
// or erroring while the socket sits unused in the pool (Go has no
// edge-triggered "close" event on net.Conn, unlike the event-emitter
// sockets spec.md's source patterns describe — see DESIGN.md).
func (a *Agent) watchIdle(pc *pooledConn) {
	buf := make([]byte, 1)
	_, _ = pc.Conn.Read(buf)

	a.mu.Lock()
	if !pc.idle {
		// Popped for handoff; the read was interrupted deliberately, not
		// a genuine close. The handoff owns the connection now.
		a.mu.Unlock()
		return
	}
	a.removeIdleLocked(pc)
	a.mu.Unlock()

	pc.Close()
}

func (a *Agent) removeIdleLocked(pc *pooledConn) {
	for i, c := range a.idle {
		if c == pc {
			a.idle = append(a.idle[:i], a.idle[i+1:]...)
			return
		}
	}
}

// onSocketClosed is invoked exactly once per socket, however it was
// closed (idle-watch detected remote close, or the Client finished using
// it and closed it after its HTTP transaction).
func (a *Agent) onSocketClosed(pc *pooledConn) {
	a.mu.Lock()
	if pc.idle {
		a.removeIdleLocked(pc)
	}
	a.connected--
	reachedZero := a.connected == 0
	a.mu.Unlock()

	if reachedZero {
		a.fireOffline()
	}
}

func (a *Agent) fireOnline() {
	a.mu.Lock()
	subs := append([]func(){}, a.onlineSubs...)
	a.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (a *Agent) fireOffline() {
	a.mu.Lock()
	subs := append([]func(){}, a.offlineSubs...)
	a.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Stats returns a point-in-time snapshot.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Connected: a.connected,
		Rejected:  a.rejected,
		Available: len(a.idle),
		Waiting:   len(a.waiters),
	}
}

// HasAvailable reports whether a socket could be handed out immediately.
func (a *Agent) HasAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.idle) > 0
}

// Port returns the bound listen port (valid after Listen succeeds).
func (a *Agent) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Destroy closes the listener. In-flight sockets (handed out of the pool)
// are left to their callers to close when the HTTP transaction ends;
// idle sockets and pending waiters are torn down immediately.
func (a *Agent) Destroy() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	l := a.listener
	idle := a.idle
	a.idle = nil
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, pc := range idle {
		pc.Close()
	}
	for _, w := range waiters {
		go w.cb(nil, ErrAgentClosed)
	}
}


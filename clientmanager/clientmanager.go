// Package clientmanager implements the tunnel registry: id resolution,
// identifier-based subdomain reservation during the grace period, and the
// per-tunnel port pool (spec.md §4.3).
package clientmanager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/agent"
	"github.com/tunnelrelay/rendezvous/client"
	"github.com/tunnelrelay/rendezvous/config"
	"github.com/tunnelrelay/rendezvous/identifier"
)

// lockStripes bounds the number of per-id serialization locks. Requests
// for different ids that happen to hash to the same stripe merely
// contend briefly; this replaces an unbounded map-of-mutexes with a
// fixed-size striped lock, grounded on xxhash's use elsewhere in the
// teacher's request-keying code.
const lockStripes = 64

// ReservedError is returned when a subdomain is reserved by another
// client's active grace period and strict identifier validation is on
// (spec.md §4.3 step 2, §6.2 409 response).
type ReservedError struct {
	ID               string
	RemainingSeconds int
}

func (e *ReservedError) Error() string {
	return fmt.Sprintf("subdomain %q is reserved by another client. Try again in %ds or use a different subdomain.", e.ID, e.RemainingSeconds)
}

// Result is the outcome of a successful NewClient call.
type Result struct {
	ID           string
	Port         int
	MaxConnCount int
}

// Manager is the registry of live Clients keyed by subdomain id.
type Manager struct {
	logger zerolog.Logger
	cfg    *config.Config

	idLocks [lockStripes]sync.Mutex

	mapMu   sync.RWMutex
	clients map[string]*client.Client

	ports *portPool
}

// New constructs a Manager. The port pool is only active if both
// PortRangeStart and PortRangeEnd are configured; otherwise agents always
// bind an OS-assigned ephemeral port.
func New(logger zerolog.Logger, cfg *config.Config) *Manager {
	return &Manager{
		logger:  logger.With().Str("component", "client_manager").Logger(),
		cfg:     cfg,
		clients: make(map[string]*client.Client),
		ports:   newPortPool(cfg.PortRangeStart, cfg.PortRangeEnd),
	}
}

func stripeIndex(id string) uint64 {
	return xxhash.Sum64String(id) % lockStripes
}

// NewClient resolves requestedID against the registry and either mints a
// fresh Client+Agent pair or rejects the request, per the six-step
// algorithm in spec.md §4.3. An empty requestedID always mints a random
// id (the admin front-end's "GET /?new" path).
func (m *Manager) NewClient(requestedID string, ident identifier.Identifier, sourceIP string) (*Result, error) {
	id := requestedID
	if id == "" {
		id = generateRandomID()
	}

	lockIdx := stripeIndex(id)
	m.idLocks[lockIdx].Lock()
	defer m.idLocks[lockIdx].Unlock()

	for {
		existing, ok := m.getClientLocked(id)
		if !ok {
			break
		}

		switch {
		case existing.InGrace():
			if existing.Identifier().Equal(ident) {
				existing.Close()
				break
			}
			if m.cfg.IPValidationStrict {
				remaining := existing.GetGracePeriodRemaining()
				return nil, &ReservedError{
					ID:               id,
					RemainingSeconds: int(math.Ceil(remaining.Seconds())),
				}
			}
			id = generateRandomID()
			continue

		case existing.IsOnline():
			if existing.Identifier().Equal(ident) {
				existing.Close()
				break
			}
			id = generateRandomID()
			continue

		default:
			// PendingFirstConnect (never dialed in) or a Closed entry
			// mid-teardown: stale, but still holding an agent and a port
			// until closed. Close is idempotent, so this is safe even if
			// the entry is already tearing itself down concurrently.
			existing.Close()
		}
		break
	}

	port, err := m.ports.acquire(id)
	if err != nil {
		return nil, err
	}

	ag := agent.New(m.logger, id, m.cfg.MaxSockets, port)
	c := client.New(m.logger, m.cfg, ag, id, ident, sourceIP)

	boundID, boundPort := id, port
	c.OnClose(func() {
		m.removeClient(boundID, c)
		m.ports.release(boundPort)
	})

	m.mapMu.Lock()
	m.clients[id] = c
	m.mapMu.Unlock()

	actualPort, err := ag.Listen()
	if err != nil {
		m.removeClient(id, c)
		m.ports.release(port)
		return nil, fmt.Errorf("clientmanager: agent listen: %w", err)
	}

	return &Result{ID: id, Port: actualPort, MaxConnCount: m.cfg.MaxSockets}, nil
}

func (m *Manager) getClientLocked(id string) (*client.Client, bool) {
	m.mapMu.RLock()
	defer m.mapMu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// GetClient looks up a Client by id.
func (m *Manager) GetClient(id string) (*client.Client, bool) {
	return m.getClientLocked(id)
}

// HasClient reports whether id currently maps to a live Client.
func (m *Manager) HasClient(id string) bool {
	_, ok := m.GetClient(id)
	return ok
}

func (m *Manager) removeClient(id string, c *client.Client) {
	m.mapMu.Lock()
	if cur, ok := m.clients[id]; ok && cur == c {
		delete(m.clients, id)
	}
	m.mapMu.Unlock()
}

// Stats is a point-in-time snapshot of registry and port-pool usage.
type Stats struct {
	Tunnels        int
	AvailablePorts int
	UsedPorts      int
}

// Stats returns the current tunnel count and port-pool usage.
func (m *Manager) Stats() Stats {
	m.mapMu.RLock()
	n := len(m.clients)
	m.mapMu.RUnlock()

	avail, used := m.ports.stats()
	return Stats{Tunnels: n, AvailablePorts: avail, UsedPorts: used}
}

// generateRandomID produces a 16-character lowercase hex id, satisfying
// the admin front-end's subdomain regex (spec.md §4.5) by construction.
func generateRandomID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

package clientmanager

import (
	"errors"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// ErrNoAvailablePorts is returned by acquire when a port pool is
// configured but fully exhausted (spec.md §4.3 step 5).
var ErrNoAvailablePorts = errors.New("clientmanager: no available ports")

// portPool is the [lo,hi] per-tunnel listen-port allocator. With no range
// configured it always hands back port 0 (agent binds an ephemeral port).
type portPool struct {
	configured bool

	mu        sync.Mutex
	available []int
	used      map[int]bool
}

func newPortPool(start, end int) *portPool {
	if start <= 0 || end <= 0 || start > end {
		return &portPool{}
	}
	avail := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		avail = append(avail, p)
	}
	return &portPool{
		configured: true,
		available:  avail,
		used:       make(map[int]bool, len(avail)),
	}
}

// acquire hands out a port, preferring the one rendezvous-hashing picks
// for id among currently available ports so the same id tends to get the
// same port back across reconnects — falling back to whichever hash
// result is actually free. Non-configured pools always return 0.
func (p *portPool) acquire(id string) (int, error) {
	if !p.configured {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return 0, ErrNoAvailablePorts
	}

	nodes := make([]string, len(p.available))
	for i, port := range p.available {
		nodes[i] = strconv.Itoa(port)
	}
	rdv := rendezvous.New(nodes, xxhash.Sum64String)
	chosen := rdv.Lookup(id)
	port, err := strconv.Atoi(chosen)
	if err != nil {
		// Should be unreachable (nodes are all strconv.Itoa output), but
		// fall back to the head of the list rather than fail allocation.
		port = p.available[0]
	}

	p.removeAvailableLocked(port)
	p.used[port] = true
	return port, nil
}

func (p *portPool) removeAvailableLocked(port int) {
	for i, v := range p.available {
		if v == port {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}

// release returns port to the pool exactly once, tracked via the used
// set, per spec.md §4.3 "Port allocator".
func (p *portPool) release(port int) {
	if !p.configured || port == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[port] {
		delete(p.used, port)
		p.available = append(p.available, port)
	}
}

func (p *portPool) stats() (available, used int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.used)
}

package delivery

import "sync"

// Guard tracks message ids with an attempt in flight in this process.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{inflight: make(map[string]struct{})}
}

// TryAcquire claims id. It returns false when another caller holds it.
func (g *Guard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[id]; busy {
		return false
	}
	g.inflight[id] = struct{}{}
	return true
}

func (g *Guard) Release(id string) {
	g.mu.Lock()
	delete(g.inflight, id)
	g.mu.Unlock()
}

// InFlight returns the number of ids currently held.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

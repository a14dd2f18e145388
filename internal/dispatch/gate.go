package dispatch

import "sync"

// Gate is a single-fire stop signal. The first Fire wins and records its
// cause; later calls are no-ops.
type Gate struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	cause error
}

// NewGate returns an unfired gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Fire closes the gate with cause (nil for a requested shutdown). It reports
// whether this call was the one that fired it.
func (g *Gate) Fire(cause error) bool {
	fired := false
	g.once.Do(func() {
		g.mu.Lock()
		g.cause = cause
		g.mu.Unlock()
		close(g.done)
		fired = true
	})
	return fired
}

// Done is closed once the gate fires.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Fired reports whether Fire has been called.
func (g *Gate) Fired() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Cause returns the error the gate fired with.
func (g *Gate) Cause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

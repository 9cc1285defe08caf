package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottledError is returned when a window does not admit a call yet
type ThrottledError struct {
	Window      string
	Until       time.Time // earliest time the next call is permitted
	ServerReset bool      // true when Until came from a server-supplied reset
}

func (e *ThrottledError) Error() string {
	source := "local quota"
	if e.ServerReset {
		source = "server reset"
	}
	return fmt.Sprintf("%s throttled until %s (%s)", e.Window, e.Until.UTC().Format(time.RFC3339), source)
}

// Window tracks the earliest time the next call on one endpoint is
// permitted. Fixed spacing comes from a token bucket; a server-supplied
// reset pushes the window out further.
type Window struct {
	mu           sync.Mutex
	name         string
	every        time.Duration
	limiter      *rate.Limiter
	blockedUntil time.Time
}

// NewWindow admits burst calls at once and then one call per every
func NewWindow(name string, every time.Duration, burst int) *Window {
	if burst < 1 {
		burst = 1
	}
	return &Window{
		name:    name,
		every:   every,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Admit takes a slot at now, or returns a *ThrottledError naming when one frees up
func (w *Window) Admit(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Before(w.blockedUntil) {
		return &ThrottledError{Window: w.name, Until: w.blockedUntil, ServerReset: true}
	}

	r := w.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &ThrottledError{Window: w.name, Until: now.Add(w.every)}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		// only peeking; give the token back
		r.CancelAt(now)
		return &ThrottledError{Window: w.name, Until: now.Add(delay)}
	}
	return nil
}

// BlockUntil records a server-supplied reset. Earlier resets never shorten
// a later one.
func (w *Window) BlockUntil(reset time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if reset.After(w.blockedUntil) {
		w.blockedUntil = reset
	}
}

// Stats reports the window as seen at now
func (w *Window) Stats(now time.Time) WindowStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := now
	if d := w.limiter.TokensAt(now); d < 1 {
		next = now.Add(time.Duration((1 - d) * float64(w.every)))
	}
	if w.blockedUntil.After(next) {
		next = w.blockedUntil
	}

	return WindowStats{
		Name:          w.name,
		Every:         w.every,
		Burst:         w.limiter.Burst(),
		NextAllowedAt: next,
		Delay:         next.Sub(now),
	}
}

// WindowStats is a point-in-time view of a Window
type WindowStats struct {
	Name          string        `json:"name"`
	Every         time.Duration `json:"every"`
	Burst         int           `json:"burst"`
	NextAllowedAt time.Time     `json:"next_allowed_at"`
	Delay         time.Duration `json:"delay"`
}

// IsThrottled returns true if a call made now would be refused
func (s *WindowStats) IsThrottled() bool {
	return s.Delay > 0
}

// Manager holds one Window per endpoint
type Manager struct {
	mu      sync.RWMutex
	windows map[string]*Window
}

// NewManager creates an empty window manager
func NewManager() *Manager {
	return &Manager{windows: make(map[string]*Window)}
}

// AddEndpoint registers a window for endpoint, replacing any previous one
func (m *Manager) AddEndpoint(endpoint string, every time.Duration, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windows[endpoint] = NewWindow(endpoint, every, burst)
}

// Window returns the window for endpoint
func (m *Manager) Window(endpoint string) (*Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.windows[endpoint]
	return w, ok
}

// Admit checks the endpoint's window. Endpoints without a window are always admitted.
func (m *Manager) Admit(endpoint string, now time.Time) error {
	w, ok := m.Window(endpoint)
	if !ok {
		return nil
	}
	return w.Admit(now)
}

// BlockUntil applies a server reset to the endpoint's window
func (m *Manager) BlockUntil(endpoint string, reset time.Time) {
	if w, ok := m.Window(endpoint); ok {
		w.BlockUntil(reset)
	}
}

// Stats returns stats for every endpoint
func (m *Manager) Stats(now time.Time) map[string]WindowStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]WindowStats, len(m.windows))
	for name, w := range m.windows {
		stats[name] = w.Stats(now)
	}
	return stats
}

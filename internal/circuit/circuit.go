// Package circuit wraps github.com/sony/gobreaker into a manager of named
// breakers, used by RestClient's transport (internal/httpx) to stop hammering
// a venue that is failing outright; PushClient's reconnect loop does not go
// through it (ambient reliability; not itself named by
// spec.md, but consistent with the error-handling design in spec.md §7:
// transient network/remote failures are retried locally and only surfaced
// after exhausting the retry budget).
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config configures a single provider's breaker.
type Config struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Manager owns one gobreaker.CircuitBreaker per named provider (venue).
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// AddProvider registers a breaker for name with the given config.
func (m *Manager) AddProvider(name string, cfg Config) {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[name] = gobreaker.NewCircuitBreaker(settings)
}

// Call runs fn through the named provider's breaker. If no breaker is
// registered for name, fn runs unprotected.
func (m *Manager) Call(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return fn(ctx)
	}
	return b.Execute(func() (interface{}, error) { return fn(ctx) })
}

// State returns the current state string ("closed"/"open"/"half-open") for
// the named provider, or "" if unregistered.
func (m *Manager) State(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	if !ok {
		return ""
	}
	return b.State().String()
}

// Counts returns the raw gobreaker counts for the named provider.
func (m *Manager) Counts(name string) (gobreaker.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	if !ok {
		return gobreaker.Counts{}, fmt.Errorf("circuit: no breaker registered for %q", name)
	}
	return b.Counts(), nil
}

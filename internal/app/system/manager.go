package system

import (
	"context"
	"fmt"
	"sync"
)

// Manager owns the lifecycle of the process's registered services. Services
// start in registration order and stop in reverse order, so a later
// registration may safely depend on an earlier one already being up.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  []Service
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the managed set. Register must not be called
// concurrently with Start or Stop.
func (m *Manager) Register(svc Service) {
	if svc == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, svc)
}

// Services returns the registered services in registration order.
func (m *Manager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Service, len(m.services))
	copy(out, m.services)
	return out
}

// Start starts every registered service in order. If a service fails to
// start, Start stops the services that already started (in reverse order)
// before returning the original error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	services := make([]Service, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			m.mu.Lock()
			started := make([]Service, len(m.started))
			copy(started, m.started)
			m.mu.Unlock()
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.mu.Lock()
		m.started = append(m.started, svc)
		m.mu.Unlock()
	}
	return nil
}

// Stop stops every started service in reverse start order, collecting and
// returning the first error encountered while still attempting to stop the
// remaining services.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := make([]Service, len(m.started))
	copy(started, m.started)
	m.started = nil
	m.mu.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", started[i].Name(), err)
		}
	}
	return firstErr
}

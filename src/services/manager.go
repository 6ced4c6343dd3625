// Package services starts and stops the bot's long-running parts in order.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Service is a part of the bot with a start and a stop step.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// Func adapts a pair of functions to Service. Either may be nil.
type Func struct {
	ServiceName string
	OnStart     func(ctx context.Context) error
	OnStop      func(ctx context.Context)
}

// Name implements Service.
func (f Func) Name() string { return f.ServiceName }

// Start implements Service.
func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

// Stop implements Service.
func (f Func) Stop(ctx context.Context) {
	if f.OnStop != nil {
		f.OnStop(ctx)
	}
}

// Manager coordinates the lifecycle of registered services.
type Manager struct {
	log      *slog.Logger
	mu       sync.Mutex
	services []Service
	started  []Service
	running  bool
}

// NewManager creates a manager for svcs, started in the given order.
func NewManager(log *slog.Logger, svcs ...Service) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, services: svcs}
}

// Add registers another service. It fails once Start has run.
func (m *Manager) Add(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("services.Manager: cannot add %s after start", svc.Name())
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every service. If one fails, the ones already started are
// stopped in reverse order and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("services.Manager already started")
	}

	started := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		if svc == nil {
			continue
		}
		if err := svc.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop(ctx)
			}
			return fmt.Errorf("service %s failed: %w", svc.Name(), err)
		}
		m.log.Debug(fmt.Sprintf("services: %s started", svc.Name()))
		started = append(started, svc)
	}
	m.started = started
	m.running = true
	return nil
}

// Stop stops started services in reverse order. Calling it twice is safe.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.started) - 1; i >= 0; i-- {
		m.started[i].Stop(ctx)
		m.log.Debug(fmt.Sprintf("services: %s stopped", m.started[i].Name()))
	}
	m.started = nil
	m.running = false
}

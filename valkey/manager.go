package valkey

import (
	"context"
	"errors"
	"sync"

	"s7link/config"
	"s7link/logging"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// Name identifies the reporter kind.
func (m *Manager) Name() string { return "valkey" }

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range configs {
		m.publishers = append(m.publishers, NewPublisher(&configs[i], namespace))
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig, namespace string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, namespace)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop outside the lock.
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			logging.DebugLog("valkey", "failed to start %s: %v", pub.config.Name, err)
			continue
		}
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// ReportOutcome stores an encoded job outcome on every running publisher.
func (m *Manager) ReportOutcome(ctx context.Context, ref uint16, failed bool, payload []byte) error {
	var errs []error
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.Publish(ctx, ref, failed, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

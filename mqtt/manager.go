package mqtt

import (
	"context"
	"errors"
	"sort"
	"sync"

	"s7link/config"
	"s7link/logging"
)

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Name identifies the reporter kind.
func (m *Manager) Name() string { return "mqtt" }

// Add adds a publisher to the manager, replacing one with the same name.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	old := m.publishers[pub.Name()]
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()

	if old != nil && old != pub {
		old.Stop()
	}
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled || pub.IsRunning() {
			continue
		}
		if err := pub.Start(); err != nil {
			logging.DebugLog("mqtt", "failed to start %s: %v", pub.Name(), err)
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

// ReportOutcome publishes an encoded job outcome on every running publisher.
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

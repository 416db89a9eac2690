package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/segmentio/kafka-go"

	"s7link/config"
)

// Manager manages multiple Kafka producer connections.
type Manager struct {
	producers map[string]*Producer
	namespace string
	mu        sync.RWMutex
}

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		producers: make(map[string]*Producer),
	}
}

// Name identifies the reporter kind.
func (m *Manager) Name() string { return "kafka" }

// LoadFromConfig adds a producer per configured cluster.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, namespace string) {
	m.mu.Lock()
	m.namespace = namespace
	m.mu.Unlock()

	for i := range cfgs {
		m.AddCluster(FromConfig(&cfgs[i]))
	}
}

// AddCluster adds a new Kafka cluster configuration. Duplicate names are ignored.
func (m *Manager) AddCluster(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg)
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
	}
	m.mu.Unlock()

	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (m *Manager) list() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	return out
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.Connect()
}

// StartAll connects every enabled cluster and returns how many connected.
func (m *Manager) StartAll() int {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for _, p := range m.list() {
		if !p.config.Enabled {
			continue
		}
		wg.Add(1)
		go func(p *Producer) {
			defer wg.Done()
			if err := p.Connect(); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return started
}

// StopAll disconnects from all Kafka clusters.
func (m *Manager) StopAll() {
	for _, p := range m.list() {
		p.Disconnect()
	}
}

// OutcomeMessage builds the Kafka message for an encoded job outcome. The
// key is the PDU reference so outcomes for one reference share a partition.
func OutcomeMessage(ref uint16, failed bool, payload []byte) kafka.Message {
	state := "completed"
	if failed {
		state = "failed"
	}
	return kafka.Message{
		Key:   []byte(fmt.Sprintf("%04x", ref)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "s7-state", Value: []byte(state)},
		},
	}
}

// ReportOutcome produces an encoded job outcome to every connected cluster.
func (m *Manager) ReportOutcome(ctx context.Context, ref uint16, failed bool, payload []byte) error {
	m.mu.RLock()
	ns := m.namespace
	m.mu.RUnlock()

	msg := OutcomeMessage(ref, failed, payload)
	var errs []error
	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		if err := p.ProduceWithRetry(ctx, p.config.OutcomeTopic(ns), msg); err != nil {
			errs = append(errs, fmt.Errorf("kafka %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

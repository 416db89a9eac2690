package engine

import (
	"fmt"

	"s7link/config"
	"s7link/kafka"
	"s7link/mqtt"
)

// ReporterStatus describes one configured reporter instance.
type ReporterStatus struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Address string `json:"address,omitempty"`
}

// ListReporters returns every configured reporter, grouped by kind.
func (e *Engine) ListReporters() []ReporterStatus {
	var out []ReporterStatus
	for _, p := range e.mqttMgr.List() {
		out = append(out, ReporterStatus{
			Kind: "mqtt", Name: p.Name(), Enabled: p.Config().Enabled,
			Running: p.IsRunning(), Address: p.Address(),
		})
	}
	for _, p := range e.valkeyMgr.List() {
		out = append(out, ReporterStatus{
			Kind: "valkey", Name: p.Name(), Enabled: p.Config().Enabled,
			Running: p.IsRunning(), Address: p.Address(),
		})
	}
	for _, name := range e.kafkaMgr.ListClusters() {
		p := e.kafkaMgr.GetProducer(name)
		if p == nil {
			continue
		}
		out = append(out, ReporterStatus{
			Kind: "kafka", Name: name, Enabled: p.Enabled(),
			Running: p.GetStatus() == kafka.StatusConnected,
		})
	}
	return out
}

// StartReporter starts a reporter by kind and name.
func (e *Engine) StartReporter(kind, name string) error {
	switch kind {
	case "mqtt":
		return e.StartMQTT(name)
	case "valkey":
		return e.StartValkey(name)
	case "kafka":
		return e.StartKafka(name)
	default:
		return fmt.Errorf("%w: unknown reporter kind '%s'", ErrInvalidInput, kind)
	}
}

// StopReporter stops a reporter by kind and name.
func (e *Engine) StopReporter(kind, name string) error {
	switch kind {
	case "mqtt":
		return e.StopMQTT(name)
	case "valkey":
		return e.StopValkey(name)
	case "kafka":
		return e.StopKafka(name)
	default:
		return fmt.Errorf("%w: unknown reporter kind '%s'", ErrInvalidInput, kind)
	}
}

// CreateMQTT adds an MQTT broker, saves config and registers the publisher.
func (e *Engine) CreateMQTT(c config.MQTTConfig) error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if c.Broker == "" {
		return fmt.Errorf("%w: broker address is required", ErrInvalidInput)
	}
	if c.QoS > 2 {
		return fmt.Errorf("%w: qos %d", ErrInvalidInput, c.QoS)
	}
	if e.cfg.FindMQTT(c.Name) != nil {
		return fmt.Errorf("%w: MQTT broker '%s'", ErrAlreadyExists, c.Name)
	}
	if c.Port == 0 {
		c.Port = 1883
	}

	e.cfg.Lock()
	e.cfg.AddMQTT(c)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	pub := mqtt.NewPublisher(e.cfg.FindMQTT(c.Name), e.cfg.Namespace)
	e.mqttMgr.Add(pub)
	if c.Enabled {
		if err := pub.Start(); err != nil {
			e.log.Warn().Err(err).Str("mqtt", c.Name).Msg("start failed")
		}
	}

	e.emit(EventReporterCreated, ServiceEvent{Kind: "mqtt", Name: c.Name})
	return nil
}

// DeleteMQTT removes an MQTT broker from config and the manager.
func (e *Engine) DeleteMQTT(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveMQTT(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.mqttMgr.Remove(name)
	e.emit(EventReporterDeleted, ServiceEvent{Kind: "mqtt", Name: name})
	return nil
}

// StartMQTT connects an MQTT publisher.
func (e *Engine) StartMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.emit(EventReporterStarted, ServiceEvent{Kind: "mqtt", Name: name})
	return nil
}

// StopMQTT disconnects an MQTT publisher.
func (e *Engine) StopMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	pub.Stop()
	e.emit(EventReporterStopped, ServiceEvent{Kind: "mqtt", Name: name})
	return nil
}

// CreateValkey adds a Valkey server, saves config and registers the publisher.
func (e *Engine) CreateValkey(c config.ValkeyConfig) error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	if e.cfg.FindValkey(c.Name) != nil {
		return fmt.Errorf("%w: Valkey server '%s'", ErrAlreadyExists, c.Name)
	}

	e.cfg.Lock()
	e.cfg.AddValkey(c)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	pub := e.valkeyMgr.Add(e.cfg.FindValkey(c.Name), e.cfg.Namespace)
	if c.Enabled {
		if err := pub.Start(); err != nil {
			e.log.Warn().Err(err).Str("valkey", c.Name).Msg("start failed")
		}
	}

	e.emit(EventReporterCreated, ServiceEvent{Kind: "valkey", Name: c.Name})
	return nil
}

// DeleteValkey removes a Valkey server from config and the manager.
func (e *Engine) DeleteValkey(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveValkey(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.valkeyMgr.Remove(name)
	e.emit(EventReporterDeleted, ServiceEvent{Kind: "valkey", Name: name})
	return nil
}

// StartValkey connects a Valkey publisher.
func (e *Engine) StartValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.emit(EventReporterStarted, ServiceEvent{Kind: "valkey", Name: name})
	return nil
}

// StopValkey disconnects a Valkey publisher.
func (e *Engine) StopValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Stop(); err != nil {
		return err
	}
	e.emit(EventReporterStopped, ServiceEvent{Kind: "valkey", Name: name})
	return nil
}

// CreateKafka adds a Kafka cluster, saves config and registers the producer.
func (e *Engine) CreateKafka(c config.KafkaConfig) error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidInput)
	}
	if e.cfg.FindKafka(c.Name) != nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrAlreadyExists, c.Name)
	}

	e.cfg.Lock()
	e.cfg.AddKafka(c)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.kafkaMgr.AddCluster(kafka.FromConfig(e.cfg.FindKafka(c.Name)))
	if c.Enabled {
		if err := e.kafkaMgr.Connect(c.Name); err != nil {
			e.log.Warn().Err(err).Str("kafka", c.Name).Msg("connect failed")
		}
	}

	e.emit(EventReporterCreated, ServiceEvent{Kind: "kafka", Name: c.Name})
	return nil
}

// DeleteKafka removes a Kafka cluster from config and the manager.
func (e *Engine) DeleteKafka(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveKafka(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.kafkaMgr.RemoveCluster(name)
	e.emit(EventReporterDeleted, ServiceEvent{Kind: "kafka", Name: name})
	return nil
}

// StartKafka connects a Kafka producer.
func (e *Engine) StartKafka(name string) error {
	if e.kafkaMgr.GetProducer(name) == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.kafkaMgr.Connect(name); err != nil {
		return err
	}
	e.emit(EventReporterStarted, ServiceEvent{Kind: "kafka", Name: name})
	return nil
}

// StopKafka disconnects a Kafka producer.
func (e *Engine) StopKafka(name string) error {
	p := e.kafkaMgr.GetProducer(name)
	if p == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	p.Disconnect()
	e.emit(EventReporterStopped, ServiceEvent{Kind: "kafka", Name: name})
	return nil
}

// Package mqtt publishes S7 job outcomes to MQTT brokers.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"s7link/config"
	"s7link/logging"
)

// ErrNotRunning is returned when publishing on a disconnected publisher.
var ErrNotRunning = errors.New("mqtt publisher not running")

// Publisher handles the MQTT connection to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	published atomic.Int64
	failed    atomic.Int64
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

func (p *Publisher) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "s7link-" + p.config.Name
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.DebugDisconnect("mqtt", p.Address(), err.Error())
	})
	return opts
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Connect without holding the lock.
	client := pahomqtt.NewClient(p.clientOptions())
	logging.DebugLog("mqtt", "connecting %s to %s", p.config.Name, p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", p.Address(), errors.New("timeout"))
		return fmt.Errorf("mqtt %s: connection timeout", p.config.Name)
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", p.Address(), err)
		return fmt.Errorf("mqtt %s: %w", p.config.Name, err)
	}
	logging.DebugConnect("mqtt", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	client.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

// Topic returns the topic a job outcome in the given state is published on:
// {namespace}[/{selector}]/s7/outcomes/{state}.
func (p *Publisher) Topic(state string) string {
	return BuildTopic(p.namespace, p.config.Selector, "s7", "outcomes", state)
}

// BuildTopic joins topic levels with '/', dropping empty levels and
// stray separators.
func BuildTopic(levels ...string) string {
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		l = strings.Trim(l, "/")
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "/")
}

func outcomeState(failed bool) string {
	if failed {
		return "failed"
	}
	return "completed"
}

// Publish sends an encoded outcome for PDU reference ref and waits for the
// broker to accept it or ctx to end.
func (p *Publisher) Publish(ctx context.Context, ref uint16, failed bool, payload []byte) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return ErrNotRunning
	}

	topic := p.Topic(outcomeState(failed))
	token := client.Publish(topic, p.config.QoS, p.config.Retain, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		p.failed.Add(1)
		return fmt.Errorf("mqtt %s: publish ref 0x%04X: %w", p.config.Name, ref, ctx.Err())
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("mqtt %s: publish ref 0x%04X: %w", p.config.Name, ref, err)
	}
	p.published.Add(1)
	logging.DebugLog("mqtt", "published ref 0x%04X to %s", ref, topic)
	return nil
}

// Stats returns the number of published and failed messages.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

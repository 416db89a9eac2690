package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"s7link/logging"
)

// ErrNotConnected is returned when producing on a disconnected cluster.
var ErrNotConnected = errors.New("kafka cluster not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer writes messages to one Kafka cluster.
type Producer struct {
	config  *Config
	writers map[string]*kafka.Writer // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(config *Config) *Producer {
	return &Producer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// Name returns the cluster name.
func (p *Producer) Name() string { return p.config.Name }

// Enabled reports whether the cluster is enabled in configuration.
func (p *Producer) Enabled() bool { return p.config.Enabled }

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that a broker is reachable and marks the cluster connected.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	if len(brokers) == 0 {
		p.setError(fmt.Errorf("kafka %s: no brokers configured", name))
		return p.GetError()
	}

	logging.DebugLog("kafka", "connecting %s to brokers %v", name, brokers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := p.createDialer().DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		p.setError(fmt.Errorf("failed to connect: %w", err))
		logging.DebugConnectError("kafka", brokers[0], err)
		return p.GetError()
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugConnect("kafka", brokers[0])
	return nil
}

func (p *Producer) setError(err error) {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", p.config.Name, "stopped")
}

// Produce sends one message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, msg kafka.Message) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	start := time.Now()
	err = writer.WriteMessages(ctx, msg)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
		logging.DebugLog("kafka", "produce %s: topic %q failed after %v: %v", p.config.Name, topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	return nil
}

// ProduceWithRetry retries Produce with linear backoff until it succeeds,
// retries run out or ctx ends.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, msg kafka.Message) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryBackoff * time.Duration(attempt)):
			}
		}

		err := p.Produce(ctx, topic, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{}, // same PDU reference, same partition
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: p.config.AutoCreateTopics,
	}

	p.writers[topic] = writer
	logging.DebugLog("kafka", "%s: created writer for topic %q (auto-create=%v)",
		p.config.Name, topic, p.config.AutoCreateTopics)
	return writer, nil
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       p.config.GetTLSConfig(),
	}
	if mechanism := p.getSASLMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         p.config.GetTLSConfig(),
	}
	if mechanism := p.getSASLMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

// getSASLMechanism returns the configured SASL mechanism, or nil when
// no credentials are set.
func (p *Producer) getSASLMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}

	switch p.config.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: p.config.Username,
			Password: p.config.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, err := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		if err != nil {
			logging.DebugError("kafka", "scram-sha-256", err)
			return nil
		}
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, err := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		if err != nil {
			logging.DebugError("kafka", "scram-sha-512", err)
			return nil
		}
		return mechanism
	default:
		return nil
	}
}

// Package valkey stores and publishes S7 job outcomes on Valkey/Redis servers.
package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"s7link/config"
	"s7link/logging"
)

// RecentLimit is the number of outcomes kept in the recent list.
const RecentLimit = 100

// ErrNotRunning is returned when publishing on a disconnected publisher.
var ErrNotRunning = errors.New("valkey publisher not running")

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Keys names the keys and channel one publisher writes.
type Keys struct {
	Outcome string // per-reference outcome, {ns}:{sel}:s7:outcome:{ref}
	Recent  string // capped list of recent outcomes
	Failed  string // capped list of recent failures
	Channel string // pub/sub channel for every outcome
}

// KeysFor returns the keys for PDU reference ref.
func KeysFor(namespace, selector string, ref uint16) Keys {
	base := joinKey(namespace, selector, "s7")
	return Keys{
		Outcome: joinKey(base, "outcome", fmt.Sprintf("%04x", ref)),
		Recent:  joinKey(base, "outcomes", "recent"),
		Failed:  joinKey(base, "outcomes", "failed"),
		Channel: joinKey(base, "outcomes"),
	}
}

// Publisher handles publishing job outcomes to a Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

func (p *Publisher) options() *redis.Options {
	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return opts
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Create client and test connection without holding the lock.
	client := redis.NewClient(p.options())

	logging.DebugLog("valkey", "connecting to %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.config.Address, err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnect("valkey", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	logging.DebugDisconnect("valkey", p.config.Address, "stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// Publish stores an encoded outcome under its reference key, pushes it
// onto the recent (and, when failed, the failure) list and announces it
// on the outcome channel when PublishChanges is set. All commands go in
// one MULTI/EXEC.
func (p *Publisher) Publish(ctx context.Context, ref uint16, failed bool, payload []byte) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return ErrNotRunning
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	keys := KeysFor(p.namespace, cfg.Selector, ref)
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keys.Outcome, payload, cfg.KeyTTL)
		pipe.LPush(ctx, keys.Recent, payload)
		pipe.LTrim(ctx, keys.Recent, 0, RecentLimit-1)
		if failed {
			pipe.LPush(ctx, keys.Failed, payload)
			pipe.LTrim(ctx, keys.Failed, 0, RecentLimit-1)
		}
		if cfg.PublishChanges {
			pipe.Publish(ctx, keys.Channel, payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("valkey %s: store ref 0x%04X: %w", cfg.Name, ref, err)
	}
	logging.DebugLog("valkey", "stored ref 0x%04X at %s", ref, keys.Outcome)
	return nil
}

// Package config handles configuration persistence for s7link.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"s7link/logging"
	"s7link/s7"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace" toml:"namespace"` // topic/key isolation for reporters
	Context   ContextConfig  `yaml:"context" toml:"context"`
	Dispatch  DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Log       LogConfig      `yaml:"log" toml:"log"`
	Status    StatusConfig   `yaml:"status" toml:"status"`
	MQTT      []MQTTConfig   `yaml:"mqtt" toml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty" toml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty" toml:"kafka,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex

	changeListeners map[ConfigListenerID]func()
	listenersMu     sync.RWMutex
	listenerCounter uint64
}

// ContextConfig describes the session values of one ISO-on-TCP connection.
// LocalTSAP and RemoteTSAP are hex strings; when both are empty the TSAPs
// are derived from Rack and Slot.
type ContextConfig struct {
	Rack            int    `yaml:"rack" toml:"rack"`
	Slot            int    `yaml:"slot" toml:"slot"`
	LocalTSAP       string `yaml:"local_tsap,omitempty" toml:"local_tsap,omitempty"`
	RemoteTSAP      string `yaml:"remote_tsap,omitempty" toml:"remote_tsap,omitempty"`
	TPDUSize        int    `yaml:"tpdu_size" toml:"tpdu_size"` // COTP size code, 0x07-0x0D
	PDUSize         int    `yaml:"pdu_size" toml:"pdu_size"`
	SourceReference int    `yaml:"source_reference" toml:"source_reference"`
}

// DispatchConfig bounds the job pipeline.
type DispatchConfig struct {
	JobTimeout  time.Duration `yaml:"job_timeout" toml:"job_timeout"`     // 0 = no deadline
	MaxInFlight int           `yaml:"max_in_flight" toml:"max_in_flight"` // 0 = unbounded
}

// LogConfig selects log level and the optional protocol debug log.
type LogConfig struct {
	Level     string `yaml:"level" toml:"level"`
	File      string `yaml:"file,omitempty" toml:"file,omitempty"`
	Debug     string `yaml:"debug,omitempty" toml:"debug,omitempty"` // protocol filter, e.g. "s7,cotp"
	DebugFile string `yaml:"debug_file,omitempty" toml:"debug_file,omitempty"`
}

// StatusConfig holds the HTTP status API settings.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`   // e.g. "127.0.0.1:8102"
	History int    `yaml:"history" toml:"history"` // recent outcomes kept, default 256
}

// MQTTConfig holds MQTT reporter configuration.
type MQTTConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Broker   string `yaml:"broker" toml:"broker"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username,omitempty" toml:"username,omitempty"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	Selector string `yaml:"selector,omitempty" toml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty" toml:"use_tls,omitempty"`
	QoS      byte   `yaml:"qos,omitempty" toml:"qos,omitempty"`
	Retain   bool   `yaml:"retain,omitempty" toml:"retain,omitempty"`
}

// ValkeyConfig holds Valkey/Redis reporter configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name" toml:"name"`
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	Address        string        `yaml:"address" toml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty" toml:"password,omitempty"`
	Database       int           `yaml:"database" toml:"database"`
	Selector       string        `yaml:"selector,omitempty" toml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty" toml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty" toml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty" toml:"publish_changes,omitempty"`
}

// KafkaConfig holds Kafka cluster configuration.
// AutoCreateTopics is a pointer so "not set" can default to true.
type KafkaConfig struct {
	Name             string        `yaml:"name" toml:"name"`
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	Brokers          []string      `yaml:"brokers" toml:"brokers"`
	UseTLS           bool          `yaml:"use_tls,omitempty" toml:"use_tls,omitempty"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify,omitempty" toml:"tls_skip_verify,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty" toml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string        `yaml:"username,omitempty" toml:"username,omitempty"`
	Password         string        `yaml:"password,omitempty" toml:"password,omitempty"`
	RequiredAcks     int           `yaml:"required_acks,omitempty" toml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries       int           `yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty" toml:"retry_backoff,omitempty"`
	Topic            string        `yaml:"topic,omitempty" toml:"topic,omitempty"` // default {namespace}-s7-outcomes
	Selector         string        `yaml:"selector,omitempty" toml:"selector,omitempty"`
	AutoCreateTopics *bool         `yaml:"auto_create_topics,omitempty" toml:"auto_create_topics,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "s7link",
		Context: ContextConfig{
			Rack:            0,
			Slot:            2,
			TPDUSize:        0x0A,
			PDUSize:         480,
			SourceReference: 1,
		},
		Dispatch: DispatchConfig{
			JobTimeout:  5 * time.Second,
			MaxInFlight: 8,
		},
		Log: LogConfig{
			Level: "info",
		},
		Status: StatusConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8102",
			History: 256,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultMQTTConfig returns an MQTT reporter pointed at a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Enabled:  true,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "s7link-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey reporter pointed at a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Enabled:        true,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka reporter pointed at a local broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:         name,
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// DefaultPath returns the default configuration file path (~/.s7link/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".s7link", "config.yaml")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads configuration from a YAML or TOML file, chosen by extension.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Status.History <= 0 {
		cfg.Status.History = 256
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := c.marshal(path)
	c.dataMu.Unlock() // release before I/O

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

func (c *Config) marshal(path string) ([]byte, error) {
	if !isTOML(path) {
		return yaml.Marshal(c)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// S7Context builds the codec context described by the Context and
// Dispatch sections.
func (c *Config) S7Context() (*s7.Context, error) {
	cc := c.Context

	var ctx *s7.Context
	if cc.LocalTSAP == "" && cc.RemoteTSAP == "" {
		var err error
		if ctx, err = s7.NewContext(cc.Rack, cc.Slot); err != nil {
			return nil, err
		}
	} else {
		local, err := decodeTSAP("local_tsap", cc.LocalTSAP)
		if err != nil {
			return nil, err
		}
		remote, err := decodeTSAP("remote_tsap", cc.RemoteTSAP)
		if err != nil {
			return nil, err
		}
		ctx = &s7.Context{SourceTSAP: local, DestinationTSAP: remote}
	}

	if cc.TPDUSize < 0 || cc.TPDUSize > 0xFF {
		return nil, fmt.Errorf("%w: tpdu_size %d", s7.ErrInvalidContext, cc.TPDUSize)
	}
	if cc.PDUSize < 0 || cc.PDUSize > 0xFFFF {
		return nil, fmt.Errorf("%w: pdu_size %d", s7.ErrInvalidContext, cc.PDUSize)
	}
	if cc.SourceReference < -0x8000 || cc.SourceReference > 0x7FFF {
		return nil, fmt.Errorf("%w: source_reference %d", s7.ErrInvalidContext, cc.SourceReference)
	}
	ctx.TPDUSize = byte(cc.TPDUSize)
	ctx.PDUSize = uint16(cc.PDUSize)
	ctx.SourceReference = int16(cc.SourceReference)
	ctx.JobTimeout = c.Dispatch.JobTimeout

	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return ctx, nil
}

func decodeTSAP(field, s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(s), "0x"), " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", s7.ErrInvalidContext, field, err)
	}
	return b, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, and underscores")
	}
	if _, err := c.S7Context(); err != nil {
		return err
	}
	if c.Dispatch.MaxInFlight < 0 {
		return fmt.Errorf("dispatch: negative max_in_flight")
	}
	if c.Status.Enabled && c.Status.Listen == "" {
		return fmt.Errorf("status: listen address required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := validateDebugFilter(c.Log.Debug); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	seen := make(map[string]bool)
	check := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("%s: reporter name required", kind)
		}
		key := kind + "/" + name
		if seen[key] {
			return fmt.Errorf("%s: duplicate reporter %q", kind, name)
		}
		seen[key] = true
		return nil
	}
	for _, m := range c.MQTT {
		if err := check("mqtt", m.Name); err != nil {
			return err
		}
		if m.Enabled && m.Broker == "" {
			return fmt.Errorf("mqtt %s: broker required", m.Name)
		}
		if m.QoS > 2 {
			return fmt.Errorf("mqtt %s: qos %d out of range", m.Name, m.QoS)
		}
	}
	for _, v := range c.Valkey {
		if err := check("valkey", v.Name); err != nil {
			return err
		}
		if v.Enabled && v.Address == "" {
			return fmt.Errorf("valkey %s: address required", v.Name)
		}
	}
	for _, k := range c.Kafka {
		if err := check("kafka", k.Name); err != nil {
			return err
		}
		if k.Enabled && len(k.Brokers) == 0 {
			return fmt.Errorf("kafka %s: at least one broker required", k.Name)
		}
	}
	return nil
}

// validateDebugFilter accepts "all" or a comma-separated list of known
// protocol names.
func validateDebugFilter(filter string) error {
	if filter == "" || filter == "all" {
		return nil
	}
	known := make(map[string]bool)
	for _, p := range logging.KnownProtocols() {
		known[p] = true
	}
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if !known[p] {
			return fmt.Errorf("unknown debug protocol %q (known: %s)", p, strings.Join(logging.KnownProtocols(), ", "))
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// Package kafka produces S7 job outcomes to Kafka clusters.
package kafka

import (
	"crypto/tls"
	"time"

	"s7link/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds the runtime configuration for one Kafka cluster.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	RequiredAcks int // -1=all, 0=none, 1=leader only
	MaxRetries   int
	RetryBackoff time.Duration

	Topic            string // empty = {namespace}-s7-outcomes
	Selector         string
	AutoCreateTopics bool
}

// FromConfig converts a persisted cluster block into a runtime Config.
// An unset auto_create_topics defaults to true.
func FromConfig(kc *config.KafkaConfig) *Config {
	autoCreate := true
	if kc.AutoCreateTopics != nil {
		autoCreate = *kc.AutoCreateTopics
	}
	return &Config{
		Name:             kc.Name,
		Enabled:          kc.Enabled,
		Brokers:          kc.Brokers,
		UseTLS:           kc.UseTLS,
		TLSSkipVerify:    kc.TLSSkipVerify,
		SASLMechanism:    SASLMechanism(kc.SASLMechanism),
		Username:         kc.Username,
		Password:         kc.Password,
		RequiredAcks:     kc.RequiredAcks,
		MaxRetries:       kc.MaxRetries,
		RetryBackoff:     kc.RetryBackoff,
		Topic:            kc.Topic,
		Selector:         kc.Selector,
		AutoCreateTopics: autoCreate,
	}
}

// OutcomeTopic returns the topic job outcomes are produced to.
func (c *Config) OutcomeTopic(namespace string) string {
	if c.Topic != "" {
		return c.Topic
	}
	topic := "s7-outcomes"
	if c.Selector != "" {
		topic = c.Selector + "-" + topic
	}
	if namespace != "" {
		topic = namespace + "-" + topic
	}
	return topic
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go/sasl/plain"

	"s7link/config"
)

func boolPtr(b bool) *bool { return &b }

func TestFromConfig(t *testing.T) {
	t.Run("auto create defaults to true", func(t *testing.T) {
		kc := config.DefaultKafkaConfig("k")
		if c := FromConfig(&kc); !c.AutoCreateTopics {
			t.Error("expected AutoCreateTopics true when unset")
		}
	})

	t.Run("explicit false is kept", func(t *testing.T) {
		kc := config.DefaultKafkaConfig("k")
		kc.AutoCreateTopics = boolPtr(false)
		if c := FromConfig(&kc); c.AutoCreateTopics {
			t.Error("expected AutoCreateTopics false")
		}
	})

	t.Run("fields copied", func(t *testing.T) {
		kc := config.DefaultKafkaConfig("k")
		kc.SASLMechanism = "SCRAM-SHA-512"
		kc.Topic = "custom"
		c := FromConfig(&kc)
		if c.SASLMechanism != SASLSCRAMSHA512 || c.Topic != "custom" || c.RequiredAcks != -1 {
			t.Errorf("FromConfig() = %+v", c)
		}
	})
}

func TestOutcomeTopic(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		namespace string
		want      string
	}{
		{"default", Config{}, "plant1", "plant1-s7-outcomes"},
		{"selector", Config{Selector: "line2"}, "plant1", "plant1-line2-s7-outcomes"},
		{"no namespace", Config{}, "", "s7-outcomes"},
		{"explicit topic", Config{Topic: "events", Selector: "x"}, "plant1", "events"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.OutcomeTopic(tc.namespace); got != tc.want {
				t.Errorf("OutcomeTopic() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOutcomeMessage(t *testing.T) {
	msg := OutcomeMessage(0x1234, true, []byte(`{"ref":4660}`))
	if string(msg.Key) != "1234" {
		t.Errorf("Key = %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "failed" {
		t.Errorf("Headers = %+v", msg.Headers)
	}

	msg = OutcomeMessage(1, false, nil)
	if string(msg.Headers[0].Value) != "completed" {
		t.Errorf("state header = %q", msg.Headers[0].Value)
	}
}

func TestGetSASLMechanism(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantNil  bool
		wantName string
	}{
		{"no username", Config{SASLMechanism: SASLPlain}, true, ""},
		{"plain", Config{SASLMechanism: SASLPlain, Username: "u", Password: "p"}, false, "PLAIN"},
		{"scram 256", Config{SASLMechanism: SASLSCRAMSHA256, Username: "u", Password: "p"}, false, "SCRAM-SHA-256"},
		{"scram 512", Config{SASLMechanism: SASLSCRAMSHA512, Username: "u", Password: "p"}, false, "SCRAM-SHA-512"},
		{"unknown", Config{SASLMechanism: "GSSAPI", Username: "u"}, true, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			m := NewProducer(&cfg).getSASLMechanism()
			if tc.wantNil {
				if m != nil {
					t.Errorf("expected nil mechanism, got %T", m)
				}
				return
			}
			if m == nil {
				t.Fatal("expected a mechanism")
			}
			if m.Name() != tc.wantName {
				t.Errorf("Name() = %q, want %q", m.Name(), tc.wantName)
			}
		})
	}

	cfg := Config{SASLMechanism: SASLPlain, Username: "u", Password: "p"}
	if _, ok := NewProducer(&cfg).getSASLMechanism().(plain.Mechanism); !ok {
		t.Error("PLAIN should use plain.Mechanism")
	}
}

func TestProducer_NotConnected(t *testing.T) {
	cfg := FromConfig(&config.KafkaConfig{Name: "k", Brokers: []string{"localhost:9092"}})
	p := NewProducer(cfg)

	if p.GetStatus() != StatusDisconnected {
		t.Fatalf("status = %v", p.GetStatus())
	}
	err := p.ProduceWithRetry(context.Background(), "t", OutcomeMessage(1, false, nil))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestProducer_ConnectNoBrokers(t *testing.T) {
	p := NewProducer(&Config{Name: "empty"})
	if err := p.Connect(); err == nil {
		t.Fatal("expected error with no brokers")
	}
	if p.GetStatus() != StatusError {
		t.Errorf("status = %v, want Error", p.GetStatus())
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	cfgs := []config.KafkaConfig{config.DefaultKafkaConfig("b"), config.DefaultKafkaConfig("a")}
	cfgs[0].Enabled = false
	cfgs[1].Enabled = false
	m.LoadFromConfig(cfgs, "plant1")

	if names := m.ListClusters(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("ListClusters() = %v", names)
	}
	if started := m.StartAll(); started != 0 {
		t.Errorf("StartAll() = %d for disabled clusters", started)
	}
	if err := m.ReportOutcome(context.Background(), 1, false, []byte(`{}`)); err != nil {
		t.Errorf("ReportOutcome() with nothing connected = %v", err)
	}
	if err := m.Connect("missing"); err == nil {
		t.Error("expected error for unknown cluster")
	}
	m.RemoveCluster("a")
	if m.GetProducer("a") != nil {
		t.Error("cluster not removed")
	}
	m.StopAll()
}

func TestConnectionStatus_String(t *testing.T) {
	if StatusConnected.String() != "Connected" || ConnectionStatus(99).String() != "Unknown" {
		t.Error("unexpected status strings")
	}
}

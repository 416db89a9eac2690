package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"s7link/s7"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Context.PDUSize != 480 {
		t.Errorf("expected PDU size 480, got %d", cfg.Context.PDUSize)
	}
	if cfg.Context.TPDUSize != 0x0A {
		t.Errorf("expected TPDU size code 0x0A, got %#x", cfg.Context.TPDUSize)
	}
	if cfg.Dispatch.JobTimeout != 5*time.Second {
		t.Errorf("expected 5s job timeout, got %v", cfg.Dispatch.JobTimeout)
	}
	if !cfg.Status.Enabled || cfg.Status.Listen == "" {
		t.Error("expected status API enabled with a listen address")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestDefaultMQTTConfig(t *testing.T) {
	mqtt := DefaultMQTTConfig("test")

	if mqtt.Name != "test" {
		t.Errorf("expected name 'test', got %s", mqtt.Name)
	}
	if mqtt.Broker != "localhost" {
		t.Errorf("expected broker 'localhost', got %s", mqtt.Broker)
	}
	if mqtt.Port != 1883 {
		t.Errorf("expected port 1883, got %d", mqtt.Port)
	}
	if mqtt.Selector != "" {
		t.Errorf("expected selector '', got %s", mqtt.Selector)
	}
}

func TestDefaultValkeyConfig(t *testing.T) {
	valkey := DefaultValkeyConfig("test")

	if valkey.Name != "test" {
		t.Errorf("expected name 'test', got %s", valkey.Name)
	}
	if valkey.Address != "localhost:6379" {
		t.Errorf("expected address 'localhost:6379', got %s", valkey.Address)
	}
	if !valkey.PublishChanges {
		t.Error("expected PublishChanges to be true")
	}
}

func TestDefaultKafkaConfig(t *testing.T) {
	kafka := DefaultKafkaConfig("test")

	if kafka.Name != "test" {
		t.Errorf("expected name 'test', got %s", kafka.Name)
	}
	if len(kafka.Brokers) != 1 || kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("expected brokers ['localhost:9092'], got %v", kafka.Brokers)
	}
	if kafka.RequiredAcks != -1 {
		t.Errorf("expected RequiredAcks -1, got %d", kafka.RequiredAcks)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Context.PDUSize != 480 {
			t.Error("expected default config")
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := DefaultConfig()
		cfg.Context.LocalTSAP = "0100"
		cfg.Context.RemoteTSAP = "0102"
		cfg.Dispatch.JobTimeout = 500 * time.Millisecond
		cfg.AddMQTT(MQTTConfig{Name: "TestMQTT", Broker: "mqtt.local", Port: 1883})

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Dispatch.JobTimeout != 500*time.Millisecond {
			t.Errorf("expected 500ms job timeout, got %v", loaded.Dispatch.JobTimeout)
		}
		if loaded.Context.RemoteTSAP != "0102" {
			t.Errorf("remote TSAP not preserved: %q", loaded.Context.RemoteTSAP)
		}
		if len(loaded.MQTT) != 1 || loaded.MQTT[0].Broker != "mqtt.local" {
			t.Error("MQTT config not preserved")
		}
	})

	t.Run("loads toml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "s7link.toml")
		data := `namespace = "plant1"

[context]
rack = 0
slot = 1
tpdu_size = 10
pdu_size = 240
source_reference = 7

[dispatch]
job_timeout = "2s"
max_in_flight = 4

[[kafka]]
name = "events"
enabled = true
brokers = ["kafka-1:9092", "kafka-2:9092"]
sasl_mechanism = "SCRAM-SHA-256"
`
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Namespace != "plant1" {
			t.Errorf("namespace = %q", cfg.Namespace)
		}
		if cfg.Dispatch.JobTimeout != 2*time.Second || cfg.Dispatch.MaxInFlight != 4 {
			t.Errorf("dispatch = %+v", cfg.Dispatch)
		}
		k := cfg.FindKafka("events")
		if k == nil || len(k.Brokers) != 2 || k.SASLMechanism != "SCRAM-SHA-256" {
			t.Errorf("kafka = %+v", k)
		}

		ctx, err := cfg.S7Context()
		if err != nil {
			t.Fatalf("S7Context: %v", err)
		}
		if ctx.PDUSize != 240 || ctx.SourceReference != 7 || !bytes.Equal(ctx.DestinationTSAP, []byte{0x01, 0x01}) {
			t.Errorf("context = %+v", ctx)
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		cfg := DefaultConfig()

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		_, err := Load(path)
		if err == nil {
			t.Error("expected error for invalid YAML")
		}
	})

	t.Run("returns error for invalid toml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.toml")
		os.WriteFile(path, []byte("[context\nrack = "), 0644)

		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid TOML")
		}
	})
}

func TestS7Context(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantSrc []byte
		wantDst []byte
		wantErr bool
	}{
		{
			name:    "rack and slot",
			modify:  func(c *Config) { c.Context.Rack, c.Context.Slot = 1, 3 },
			wantSrc: []byte{0x01, 0x00},
			wantDst: []byte{0x01, 0x23},
		},
		{
			name: "explicit TSAPs",
			modify: func(c *Config) {
				c.Context.LocalTSAP = "10 00"
				c.Context.RemoteTSAP = "0x0301"
			},
			wantSrc: []byte{0x10, 0x00},
			wantDst: []byte{0x03, 0x01},
		},
		{
			name:    "bad hex",
			modify:  func(c *Config) { c.Context.RemoteTSAP = "zz" },
			wantErr: true,
		},
		{
			name:    "slot out of range",
			modify:  func(c *Config) { c.Context.Slot = 40 },
			wantErr: true,
		},
		{
			name:    "PDU size too large",
			modify:  func(c *Config) { c.Context.PDUSize = 4096 },
			wantErr: true,
		},
		{
			name:    "TPDU code out of range",
			modify:  func(c *Config) { c.Context.TPDUSize = 0x20 },
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			ctx, err := cfg.S7Context()
			if tc.wantErr {
				if !errors.Is(err, s7.ErrInvalidContext) {
					t.Fatalf("err = %v, want ErrInvalidContext", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("S7Context: %v", err)
			}
			if !bytes.Equal(ctx.SourceTSAP, tc.wantSrc) || !bytes.Equal(ctx.DestinationTSAP, tc.wantDst) {
				t.Errorf("TSAPs = % X / % X", ctx.SourceTSAP, ctx.DestinationTSAP)
			}
			if ctx.JobTimeout != cfg.Dispatch.JobTimeout {
				t.Errorf("JobTimeout = %v", ctx.JobTimeout)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, true},
		{"negative in-flight", func(c *Config) { c.Dispatch.MaxInFlight = -1 }, true},
		{"status without listen", func(c *Config) { c.Status.Listen = "" }, true},
		{"unnamed mqtt", func(c *Config) { c.AddMQTT(MQTTConfig{Broker: "x"}) }, true},
		{"duplicate kafka", func(c *Config) {
			c.AddKafka(DefaultKafkaConfig("k"))
			c.AddKafka(DefaultKafkaConfig("k"))
		}, true},
		{"same name different kinds", func(c *Config) {
			c.AddKafka(DefaultKafkaConfig("r"))
			c.AddValkey(DefaultValkeyConfig("r"))
		}, false},
		{"valkey without address", func(c *Config) { c.AddValkey(ValkeyConfig{Name: "v", Enabled: true}) }, true},
		{"debug filter", func(c *Config) { c.Log.Debug = "S7, cotp,engine" }, false},
		{"debug all", func(c *Config) { c.Log.Debug = "all" }, false},
		{"unknown debug protocol", func(c *Config) { c.Log.Debug = "s7,modbus" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"mqtt qos 3", func(c *Config) {
			m := DefaultMQTTConfig("m")
			m.QoS = 3
			c.AddMQTT(m)
		}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestReporterOperations(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("AddMQTT and FindMQTT", func(t *testing.T) {
		cfg.AddMQTT(MQTTConfig{Name: "Broker1", Broker: "mqtt.local"})

		found := cfg.FindMQTT("Broker1")
		if found == nil {
			t.Fatal("FindMQTT returned nil")
		}
		if found.Broker != "mqtt.local" {
			t.Errorf("expected broker 'mqtt.local', got %s", found.Broker)
		}
	})

	t.Run("RemoveMQTT", func(t *testing.T) {
		if !cfg.RemoveMQTT("Broker1") {
			t.Error("RemoveMQTT returned false")
		}
		if cfg.RemoveMQTT("Broker1") {
			t.Error("expected false for removed broker")
		}
	})

	t.Run("Valkey", func(t *testing.T) {
		cfg.AddValkey(DefaultValkeyConfig("v1"))
		if cfg.FindValkey("v1") == nil {
			t.Fatal("FindValkey returned nil")
		}
		if !cfg.RemoveValkey("v1") || cfg.FindValkey("v1") != nil {
			t.Error("Valkey not removed")
		}
	})

	t.Run("Kafka", func(t *testing.T) {
		cfg.AddKafka(DefaultKafkaConfig("k1"))
		if cfg.FindKafka("k1") == nil {
			t.Fatal("FindKafka returned nil")
		}
		if !cfg.RemoveKafka("k1") || cfg.FindKafka("k1") != nil {
			t.Error("Kafka not removed")
		}
	})
}

func TestChangeListeners(t *testing.T) {
	cfg := DefaultConfig()
	called := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { called <- struct{}{} })

	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("listener not called after Save")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
		t.Error("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

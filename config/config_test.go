package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"optolink/opto"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Namespace != "optolink" {
		t.Errorf("namespace = %q, want optolink", cfg.Namespace)
	}
	if got := cfg.ReaderAddress(); got != "127.0.0.1:5005" {
		t.Errorf("reader address = %s, want 127.0.0.1:5005", got)
	}
	if cfg.Reader.Collect != time.Second {
		t.Errorf("collect = %v, want 1s", cfg.Reader.Collect)
	}
	if cfg.Reader.NaNPolicy != "null" {
		t.Errorf("nan_policy = %q, want null", cfg.Reader.NaNPolicy)
	}
	if got := cfg.WriterAddress(); got != "10.0.0.1:2001" {
		t.Errorf("writer address = %s, want 10.0.0.1:2001", got)
	}
	if cfg.Writer.Prefix != "FFFF" || cfg.Writer.Suffix != "" {
		t.Errorf("prefix/suffix = %q/%q, want FFFF/empty", cfg.Writer.Prefix, cfg.Writer.Suffix)
	}
	if cfg.Writer.Address != "F0260000" || cfg.Writer.Write != "FFFFFFFF" {
		t.Errorf("writer defaults = %s/%s", cfg.Writer.Address, cfg.Writer.Write)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Web.SessionSecret == "" {
		t.Error("session secret not generated")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults not saved: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again.Web.SessionSecret != cfg.Web.SessionSecret {
		t.Error("session secret regenerated on reload")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
namespace: plant1
reader:
  enabled: true
  host: 0.0.0.0
  port: 6000
  collect: 250ms
  nan_policy: raw
  max_workers: 8
  inputs:
    - {name: tank_level, type: float, index: 0}
    - {name: cycles, type: integer, index: 12}
    - {name: pump_run, type: digital, index: 63}
writer:
  enabled: true
  host: 192.168.1.50
  port: 2001
  prefix: FFFF
  timeout: 2s
mqtt:
  - name: local
    enabled: true
    broker: localhost
    port: 1883
    client_id: optolink
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	gw, err := cfg.GatewayConfig()
	if err != nil {
		t.Fatalf("GatewayConfig: %v", err)
	}
	if gw.Address != "0.0.0.0:6000" {
		t.Errorf("address = %s", gw.Address)
	}
	if gw.CollectInterval != 250*time.Millisecond {
		t.Errorf("collect = %v", gw.CollectInterval)
	}
	if gw.NaNPolicy != opto.NaNPassThrough {
		t.Errorf("nan policy = %v", gw.NaNPolicy)
	}
	if gw.MaxWorkers != 8 {
		t.Errorf("max workers = %d", gw.MaxWorkers)
	}
	want := []opto.ChannelSelection{
		{Name: "tank_level", Type: opto.ChannelFloat, Index: 0},
		{Name: "cycles", Type: opto.ChannelInteger, Index: 12},
		{Name: "pump_run", Type: opto.ChannelDigital, Index: 63},
	}
	if len(gw.Selections) != len(want) {
		t.Fatalf("selections = %d, want %d", len(gw.Selections), len(want))
	}
	for i := range want {
		if gw.Selections[i] != want[i] {
			t.Errorf("selection %d = %+v, want %+v", i, gw.Selections[i], want[i])
		}
	}

	wc := cfg.WriterConfig()
	if wc.Address != "192.168.1.50:2001" || wc.Prefix != "FFFF" || wc.Timeout != 2*time.Second {
		t.Errorf("writer config = %+v", wc)
	}
	// unset fields keep their defaults
	if cfg.Writer.Address != "F0260000" {
		t.Errorf("writer.address = %q, want default", cfg.Writer.Address)
	}
	if cfg.FindMQTT("local") == nil {
		t.Error("mqtt entry not loaded")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("reader: [not a map"), 0644)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, "invalid namespace"},
		{"bad reader port", func(c *Config) { c.Reader.Port = 70000 }, "reader.port"},
		{"bad nan policy", func(c *Config) { c.Reader.NaNPolicy = "zero" }, "nan_policy"},
		{"bad channel type", func(c *Config) {
			c.Reader.Inputs = []InputConfig{{Name: "x", Type: "string", Index: 0}}
		}, "unknown channel type"},
		{"unnamed input", func(c *Config) {
			c.Reader.Inputs = []InputConfig{{Type: "float", Index: 0}}
		}, "name is required"},
		{"writer without host", func(c *Config) { c.Writer.Enabled = true; c.Writer.Host = "" }, "writer.host"},
		{"duplicate mqtt", func(c *Config) {
			c.MQTT = []MQTTConfig{{Name: "a"}, {Name: "a"}}
		}, "duplicate name"},
		{"mqtt without broker", func(c *Config) {
			c.MQTT = []MQTTConfig{{Name: "a", Enabled: true}}
		}, "broker is required"},
		{"kafka sasl", func(c *Config) {
			c.Kafka = []KafkaConfig{{Name: "k", SASLMechanism: "GSSAPI"}}
		}, "sasl_mechanism"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_OutOfRangeIndexIsWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reader.Inputs = []InputConfig{
		{Name: "ok", Type: "float", Index: 3},
		{Name: "high", Type: "integer", Index: 64},
		{Name: "neg", Type: "digital", Index: -1},
		{Name: "ok", Type: "integer", Index: 4},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	warnings := cfg.InputWarnings()
	if len(warnings) != 3 {
		t.Fatalf("warnings = %v, want 3", warnings)
	}
	if !strings.Contains(warnings[0], "high") || !strings.Contains(warnings[1], "neg") || !strings.Contains(warnings[2], "duplicate") {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestNamedEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddKafka(KafkaConfig{Name: "a", Brokers: []string{"k1:9092"}})
	cfg.AddKafka(KafkaConfig{Name: "b"})

	if cfg.FindKafka("b") == nil {
		t.Fatal("FindKafka(b) = nil")
	}
	if !cfg.UpdateKafka("b", KafkaConfig{Name: "b", Topic: "t"}) {
		t.Fatal("UpdateKafka(b) = false")
	}
	if cfg.FindKafka("b").Topic != "t" {
		t.Error("update not applied")
	}
	if !cfg.RemoveKafka("a") || cfg.RemoveKafka("a") {
		t.Error("RemoveKafka should succeed once")
	}
	if len(cfg.Kafka) != 1 || cfg.Kafka[0].Name != "b" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}

	cfg.AddValkey(ValkeyConfig{Name: "v"})
	if !cfg.RemoveValkey("v") || cfg.FindValkey("v") != nil {
		t.Error("valkey remove failed")
	}

	cfg.AddWebUser(WebUser{Username: "admin", Role: RoleAdmin})
	if u := cfg.FindWebUser("admin"); u == nil || u.Role != RoleAdmin {
		t.Errorf("FindWebUser = %+v", u)
	}
	if cfg.UpdateWebUser("nobody", WebUser{}) {
		t.Error("UpdateWebUser on missing user returned true")
	}
}

func TestSave_NotifiesListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()

	var wg sync.WaitGroup
	wg.Add(1)
	id := cfg.AddOnChangeListener(func() { wg.Done() })

	cfg.Lock()
	cfg.Reader.Port = 5100
	if err := cfg.UnlockAndSave(path); err != nil {
		t.Fatalf("UnlockAndSave: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Reader.Port != 5100 {
		t.Errorf("port = %d, want 5100", loaded.Reader.Port)
	}
}

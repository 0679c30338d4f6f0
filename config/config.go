// Package config handles configuration persistence for optolink.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"optolink/opto"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // root of MQTT topics, Valkey keys and Kafka topics
	Reader    ReaderConfig   `yaml:"reader"`
	Writer    WriterConfig   `yaml:"writer"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	UI        UIConfig       `yaml:"ui,omitempty"`
	Debug     DebugConfig    `yaml:"debug,omitempty"`

	// Callers that modify config should Lock(), modify, then UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// ReaderConfig configures the UDP telemetry gateway.
type ReaderConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Collect    time.Duration `yaml:"collect"`    // batching interval, 0 emits every datagram
	NaNPolicy  string        `yaml:"nan_policy"` // "null" (default) or "raw"
	MaxWorkers int           `yaml:"max_workers,omitempty"`
	ReadBuffer int           `yaml:"read_buffer,omitempty"`
	Inputs     []InputConfig `yaml:"inputs"`
}

// InputConfig selects one channel of the telemetry frame.
type InputConfig struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"` // float, integer, digital
	Index int    `yaml:"index"`
}

// WriterConfig configures the TCP register writer.
type WriterConfig struct {
	Enabled bool          `yaml:"enabled"`
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Prefix  string        `yaml:"prefix"`
	Suffix  string        `yaml:"suffix"`
	Timeout time.Duration `yaml:"timeout"`
	// Address and Write are used when a write request leaves them out.
	Address string `yaml:"address"`
	Write   string `yaml:"write"`
	// ConnectOnStart dials at startup instead of on the first write.
	ConnectOnStart bool `yaml:"connect_on_start,omitempty"`
}

// WebConfig holds the REST API server configuration.
type WebConfig struct {
	Enabled       bool      `yaml:"enabled"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty"`
}

// WebUser is an API user. Admins may write, viewers may only read.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`
}

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name       string `yaml:"name"`
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	ClientID   string `yaml:"client_id"`
	Selector   string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	PerChannel bool   `yaml:"per_channel,omitempty"` // also publish <root>/channels/<name>
	Writeback  bool   `yaml:"writeback,omitempty"`   // subscribe to <root>/write
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
}

// KafkaConfig holds Kafka producer configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // default <namespace>.telemetry
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1 or unset = all, 1 = leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	BatchTimeout  time.Duration `yaml:"batch_timeout,omitempty"`
	Writeback     bool          `yaml:"writeback,omitempty"`      // consume <topic>.writes
	ConsumerGroup string        `yaml:"consumer_group,omitempty"` // default optolink-<name>
}

// UIConfig stores terminal UI preferences.
type UIConfig struct {
	Theme     string `yaml:"theme,omitempty"`
	ASCIIMode bool   `yaml:"ascii_mode,omitempty"`
}

// DebugConfig controls the protocol debug log.
type DebugConfig struct {
	Filter  string `yaml:"filter,omitempty"`   // comma separated protocol tags
	MaxDump int    `yaml:"max_dump,omitempty"` // bytes of each packet to hex dump
}

// DefaultConfig returns a configuration with the PAC defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "optolink",
		Reader: ReaderConfig{
			Enabled:   true,
			Host:      "127.0.0.1",
			Port:      5005,
			Collect:   time.Second,
			NaNPolicy: opto.NaNAsNull.String(),
			Inputs:    []InputConfig{},
		},
		Writer: WriterConfig{
			Enabled: false,
			Host:    "10.0.0.1",
			Port:    2001,
			Prefix:  opto.DefaultPrefix,
			Suffix:  "",
			Timeout: opto.DefaultWriteTimeout,
			Address: "F0260000",
			Write:   "FFFFFFFF",
		},
		Web: WebConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.optolink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".optolink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are saved back on a best-effort basis.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path)
	}

	return cfg, nil
}

// AddOnChangeListener registers a callback run after every successful Save.
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

func (c *Config) Lock()   { c.dataMu.Lock() }
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave is Save for callers already holding Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked releases the lock after marshalling, before any I/O.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
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

// ReaderAddress returns the UDP listen address as host:port.
func (c *Config) ReaderAddress() string {
	return net.JoinHostPort(c.Reader.Host, strconv.Itoa(c.Reader.Port))
}

// WriterAddress returns the PAC command address as host:port.
func (c *Config) WriterAddress() string {
	return net.JoinHostPort(c.Writer.Host, strconv.Itoa(c.Writer.Port))
}

// Selections converts the configured inputs. Indexes are passed through
// unchanged; the mapper skips the ones outside the frame.
func (c *Config) Selections() ([]opto.ChannelSelection, error) {
	sels := make([]opto.ChannelSelection, 0, len(c.Reader.Inputs))
	for i, in := range c.Reader.Inputs {
		t, err := opto.ParseChannelType(in.Type)
		if err != nil {
			return nil, fmt.Errorf("reader.inputs[%d] %q: %w", i, in.Name, err)
		}
		sels = append(sels, opto.ChannelSelection{Name: in.Name, Type: t, Index: in.Index})
	}
	return sels, nil
}

// GatewayConfig converts the reader block to the runtime gateway settings.
func (c *Config) GatewayConfig() (opto.GatewayConfig, error) {
	policy, err := opto.ParseNaNPolicy(c.Reader.NaNPolicy)
	if err != nil {
		return opto.GatewayConfig{}, fmt.Errorf("reader.nan_policy: %w", err)
	}
	sels, err := c.Selections()
	if err != nil {
		return opto.GatewayConfig{}, err
	}
	return opto.GatewayConfig{
		Address:         c.ReaderAddress(),
		Selections:      sels,
		CollectInterval: c.Reader.Collect,
		NaNPolicy:       policy,
		ReadBuffer:      c.Reader.ReadBuffer,
		MaxWorkers:      c.Reader.MaxWorkers,
	}, nil
}

// WriterConfig converts the writer block to the runtime writer settings.
func (c *Config) WriterConfig() opto.WriterConfig {
	return opto.WriterConfig{
		Address: c.WriterAddress(),
		Prefix:  c.Writer.Prefix,
		Suffix:  c.Writer.Suffix,
		Timeout: c.Writer.Timeout,
	}
}

// Validate checks the configuration for errors. Inputs whose index falls
// outside the frame are not errors; see InputWarnings.
func (c *Config) Validate() error {
	var errs []error

	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace %q: must contain only alphanumeric characters, hyphens, underscores and dots", c.Namespace))
	}

	if c.Reader.Enabled {
		if !validPort(c.Reader.Port) {
			errs = append(errs, fmt.Errorf("reader.port %d out of range", c.Reader.Port))
		}
		if c.Reader.Collect < 0 {
			errs = append(errs, fmt.Errorf("reader.collect must not be negative"))
		}
		if c.Reader.MaxWorkers < 0 {
			errs = append(errs, fmt.Errorf("reader.max_workers must not be negative"))
		}
		if _, err := opto.ParseNaNPolicy(c.Reader.NaNPolicy); err != nil {
			errs = append(errs, fmt.Errorf("reader.nan_policy: %w", err))
		}
		for i, in := range c.Reader.Inputs {
			if strings.TrimSpace(in.Name) == "" {
				errs = append(errs, fmt.Errorf("reader.inputs[%d]: name is required", i))
			}
			if _, err := opto.ParseChannelType(in.Type); err != nil {
				errs = append(errs, fmt.Errorf("reader.inputs[%d]: %w", i, err))
			}
		}
	}

	if c.Writer.Enabled {
		if strings.TrimSpace(c.Writer.Host) == "" {
			errs = append(errs, fmt.Errorf("writer.host is required"))
		}
		if !validPort(c.Writer.Port) {
			errs = append(errs, fmt.Errorf("writer.port %d out of range", c.Writer.Port))
		}
	}

	if c.Web.Enabled && !validPort(c.Web.Port) {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}

	errs = append(errs, checkNames("mqtt", len(c.MQTT), func(i int) string { return c.MQTT[i].Name })...)
	errs = append(errs, checkNames("valkey", len(c.Valkey), func(i int) string { return c.Valkey[i].Name })...)
	errs = append(errs, checkNames("kafka", len(c.Kafka), func(i int) string { return c.Kafka[i].Name })...)

	for _, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			errs = append(errs, fmt.Errorf("mqtt %q: broker is required", m.Name))
		}
	}
	for _, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			errs = append(errs, fmt.Errorf("valkey %q: address is required", v.Name))
		}
	}
	for _, k := range c.Kafka {
		if k.Enabled && len(k.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka %q: at least one broker is required", k.Name))
		}
		switch strings.ToUpper(k.SASLMechanism) {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			errs = append(errs, fmt.Errorf("kafka %q: unknown sasl_mechanism %q", k.Name, k.SASLMechanism))
		}
	}

	return errors.Join(errs...)
}

// InputWarnings reports inputs that will never produce a value or that
// shadow an earlier input of the same name.
func (c *Config) InputWarnings() []string {
	var warnings []string
	seen := make(map[string]int)
	for i, in := range c.Reader.Inputs {
		if in.Index < 0 || in.Index >= opto.ChannelCount {
			warnings = append(warnings, fmt.Sprintf("input %q: index %d outside 0..%d, it will be skipped", in.Name, in.Index, opto.ChannelCount-1))
		}
		if j, ok := seen[in.Name]; ok {
			warnings = append(warnings, fmt.Sprintf("input %q: duplicate of reader.inputs[%d], the later value wins", in.Name, j))
		} else {
			seen[in.Name] = i
		}
	}
	return warnings
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func checkNames(kind string, n int, name func(int) string) []error {
	var errs []error
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		nm := name(i)
		if nm == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: name is required", kind, i))
			continue
		}
		if seen[nm] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", kind, nm))
		}
		seen[nm] = true
	}
	return errs
}

// IsValidNamespace reports whether ns contains only alphanumerics,
// hyphens, underscores and dots.
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

// Package valkey stores the latest telemetry record in Valkey/Redis, publishes
// change notifications and serves a write-back request queue.
package valkey

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"optolink/config"
	"optolink/logging"
	"optolink/namespace"
	"optolink/opto"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// TelemetryMessage is stored under <root>:latest and published on <root>:changes.
type TelemetryMessage struct {
	Namespace string       `json:"namespace"`
	Selector  string       `json:"selector,omitempty"`
	Values    *opto.Record `json:"values"`
	Timestamp time.Time    `json:"timestamp"`
}

// WriteRequest is popped from the <root>:writes list.
type WriteRequest struct {
	ID      string      `json:"id,omitempty"`
	Address string      `json:"address,omitempty"`
	Type    string      `json:"type,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

// WriteResponse is published on <root>:write:responses.
type WriteResponse struct {
	ID        string      `json:"id,omitempty"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteHandler performs a register write.
type WriteHandler func(address, typeHint string, value interface{}) error

// redisClient is the subset of *redis.Client the publisher calls.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// Publisher handles one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    redisClient
	running   bool
	mu        sync.RWMutex

	writeHandler      WriteHandler
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup

	newClient func(*redis.Options) redisClient
}

func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		stopChan:  make(chan struct{}),
		newClient: func(opts *redis.Options) redisClient { return redis.NewClient(opts) },
	}
}

func (p *Publisher) Name() string { return p.config.Name }

func (p *Publisher) Config() *config.ValkeyConfig { return p.config }

func (p *Publisher) names() *namespace.Builder { return namespace.New(p.namespace, p.config.Selector) }

// Root is the key prefix: namespace, plus the selector when configured.
func (p *Publisher) Root() string            { return p.names().ValkeyBase() }
func (p *Publisher) LatestKey() string       { return p.names().ValkeyLatestKey() }
func (p *Publisher) ChangesChannel() string  { return p.names().ValkeyChangesChannel() }
func (p *Publisher) WriteQueue() string      { return p.names().ValkeyWriteQueue() }
func (p *Publisher) ResponseChannel() string { return p.names().ValkeyWriteResponseChannel() }

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetOnConnectCallback sets a callback run after each successful Start,
// used to push the current record immediately.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// Start connects and, when enabled, starts the write-back listener.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := p.newClient(opts)
	debugLog("Connecting to Valkey at %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	debugLog("Connected to Valkey at %s", p.config.Address)
	return nil
}

// Stop disconnects. The write-back listener exits within one BLPOP timeout.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	return client.Close()
}

// Publish stores rec under the latest key, with the configured TTL, and
// publishes it on the changes channel when enabled.
func (p *Publisher) Publish(rec *opto.Record) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(TelemetryMessage{
		Namespace: p.namespace,
		Selector:  cfg.Selector,
		Values:    rec,
		Timestamp: rec.Time.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.LatestKey(), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	if cfg.PublishChanges {
		if err := client.Publish(ctx, p.ChangesChannel(), data).Err(); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
	}
	return nil
}

// ParseWriteRequest decodes a queued request, keeping numbers as json.Number.
func ParseWriteRequest(data string) (WriteRequest, error) {
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	err := dec.Decode(&req)
	req.Address = strings.TrimSpace(req.Address)
	return req, err
}

func (p *Publisher) writebackListener(client redisClient, stop <-chan struct{}) {
	defer p.wg.Done()

	queue := p.WriteQueue()
	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queue).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		req, err := ParseWriteRequest(result[1])
		if err != nil {
			debugLog("Failed to parse write request: %v", err)
			p.respond(client, req, fmt.Errorf("invalid JSON: %w", err))
			continue
		}
		p.processWriteRequest(client, req)
	}
}

func (p *Publisher) processWriteRequest(client redisClient, req WriteRequest) {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	var err error
	if handler == nil {
		err = errors.New("no write handler configured")
	} else {
		err = handler(req.Address, req.Type, req.Value)
	}
	p.respond(client, req, err)
	debugLog("Valkey write %s = %v -> success=%v", req.Address, req.Value, err == nil)
}

func (p *Publisher) respond(client redisClient, req WriteRequest, err error) {
	resp := WriteResponse{
		ID:        req.ID,
		Address:   req.Address,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Publish(ctx, p.ResponseChannel(), data)
}

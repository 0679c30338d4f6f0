// Package mqtt publishes telemetry records to MQTT brokers and accepts
// register write requests from them.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"optolink/config"
	"optolink/logging"
	"optolink/namespace"
	"optolink/opto"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// MaxWriteWorkers is the number of write goroutines per publisher. Writes
// to the PAC are serialized by the writer anyway.
const MaxWriteWorkers = 2

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// TelemetryMessage is the retained JSON document published on <root>/telemetry.
type TelemetryMessage struct {
	Topic     string       `json:"topic"`
	Timestamp string       `json:"timestamp"`
	Values    *opto.Record `json:"values"`
}

// ChannelMessage is published on <root>/channels/<name> when per-channel
// topics are enabled.
type ChannelMessage struct {
	Topic     string      `json:"topic"`
	Channel   string      `json:"channel"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON accepted on <root>/write. Address and Value may
// be omitted to use the writer defaults.
type WriteRequest struct {
	Topic   string      `json:"topic"`
	ID      string      `json:"id,omitempty"`
	Address string      `json:"address,omitempty"`
	Type    string      `json:"type,omitempty"` // float, integer, bool, hex
	Value   interface{} `json:"value,omitempty"`
}

// WriteResponse is published on <root>/write/response for every request.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	ID        string      `json:"id,omitempty"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a register write. typeHint is empty when the
// request did not name a type.
type WriteHandler func(address, typeHint string, value interface{}) error

type writeJob struct {
	client pahomqtt.Client
	req    WriteRequest
	err    error // set for requests rejected before reaching the handler
}

// Publisher handles one broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// per-channel change detection
	lastValues map[string]string
	lastMu     sync.Mutex

	writeHandler WriteHandler
	writeQueue   chan writeJob
	wg           sync.WaitGroup
	stopChan     chan struct{}

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewPublisher creates a publisher for one broker. namespace is the topic root.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		lastValues: make(map[string]string),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
		newClient:  pahomqtt.NewClient,
	}
}

func (p *Publisher) Name() string { return p.config.Name }

func (p *Publisher) Config() *config.MQTTConfig { return p.config }

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Publisher) names() *namespace.Builder { return namespace.New(p.namespace, p.config.Selector) }

// RootTopic is the namespace, plus the selector when one is configured.
func (p *Publisher) RootTopic() string      { return p.names().MQTTBase() }
func (p *Publisher) TelemetryTopic() string { return p.names().MQTTTelemetryTopic() }
func (p *Publisher) StatusTopic() string    { return p.names().MQTTStatusTopic() }
func (p *Publisher) WriteTopic() string     { return p.names().MQTTWriteTopic() }
func (p *Publisher) ResponseTopic() string  { return p.names().MQTTWriteResponseTopic() }

func (p *Publisher) ChannelTopic(name string) string { return p.names().MQTTChannelTopic(name) }

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// SetWriteHandler sets the callback for write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// Start connects to the broker and, when write-back is enabled, subscribes
// to the write topic.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetWill(p.StatusTopic(), "offline", 1, true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(p.StatusTopic(), 1, true, "online")
	})

	client := p.newClient(opts)
	logMQTT("Connecting to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("mqtt %s: connection timeout", p.Address())
	}
	if err := token.Error(); err != nil {
		logMQTT("MQTT connection error: %v", err)
		return fmt.Errorf("mqtt %s: %w", p.Address(), err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.Unlock()

	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	if p.config.Writeback {
		for i := 0; i < MaxWriteWorkers; i++ {
			p.wg.Add(1)
			go p.writeWorker(stop, queue)
		}
		p.subscribeWriteTopic(client)
	}

	logMQTT("Connected to MQTT broker %s", p.Address())
	return nil
}

func (p *Publisher) subscribeWriteTopic(client pahomqtt.Client) {
	topic := p.WriteTopic()
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(publishTimeout) {
		logMQTT("Subscribe timeout for %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		logMQTT("Subscribe error for %s: %v", topic, err)
		return
	}
	logMQTT("Subscribed to: %s", topic)
}

// Stop disconnects from the broker and stops the write workers.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Publish(p.StatusTopic(), 1, true, "offline").WaitTimeout(publishTimeout)
	client.Disconnect(500)
}

// Publish sends rec as a retained telemetry document, and as per-channel
// messages for the fields that changed when per-channel topics are on.
func (p *Publisher) Publish(rec *opto.Record) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	ts := rec.Time.UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(TelemetryMessage{Topic: p.RootTopic(), Timestamp: ts, Values: rec})
	if err != nil {
		logMQTT("marshal telemetry: %v", err)
		return false
	}
	if !waitToken(client.Publish(p.TelemetryTopic(), 1, true, payload)) {
		return false
	}

	if p.config.PerChannel {
		p.publishChannels(client, rec, ts)
	}
	return true
}

func (p *Publisher) publishChannels(client pahomqtt.Client, rec *opto.Record, ts string) {
	for _, f := range rec.Fields() {
		key := fmt.Sprintf("%v", f.Value)

		p.lastMu.Lock()
		last, seen := p.lastValues[f.Name]
		p.lastMu.Unlock()
		if seen && last == key {
			continue
		}

		valueJSON, err := opto.MarshalValue(f.Value)
		if err != nil {
			continue
		}
		msg := ChannelMessage{Topic: p.RootTopic(), Channel: f.Name, Value: json.RawMessage(valueJSON), Timestamp: ts}

		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if waitToken(client.Publish(p.ChannelTopic(f.Name), 1, true, payload)) {
			p.lastMu.Lock()
			p.lastValues[f.Name] = key
			p.lastMu.Unlock()
		}
	}
}

func waitToken(t pahomqtt.Token) bool {
	if !t.WaitTimeout(publishTimeout) {
		return false
	}
	return t.Error() == nil
}

// ParseWriteRequest decodes a write request. Numbers are kept as
// json.Number so integers and floats stay distinguishable.
func ParseWriteRequest(payload []byte, rootTopic string) (WriteRequest, error) {
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Topic != "" && req.Topic != rootTopic {
		return req, fmt.Errorf("topic mismatch: expected %s, got %s", rootTopic, req.Topic)
	}
	req.Address = strings.TrimSpace(req.Address)
	return req, nil
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received write request on %s: %s", msg.Topic(), msg.Payload())

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()

	req, err := ParseWriteRequest(msg.Payload(), p.RootTopic())
	job := writeJob{client: client, req: req, err: err}

	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s", req.Address)
		go p.publishWriteResponse(client, req, errors.New("write queue full, try again later"))
	}
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				p.mu.RLock()
				handler := p.writeHandler
				p.mu.RUnlock()
				if handler == nil {
					err = errors.New("no write handler configured")
				} else {
					logMQTT("Executing write: %s = %v", job.req.Address, job.req.Value)
					err = handler(job.req.Address, job.req.Type, job.req.Value)
				}
			}
			if err != nil {
				logMQTT("Write error: %v", err)
			}
			p.publishWriteResponse(job.client, job.req, err)
		}
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, req WriteRequest, err error) {
	resp := WriteResponse{
		Topic:     p.RootTopic(),
		ID:        req.ID,
		Address:   req.Address,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)
	client.Publish(p.ResponseTopic(), 1, false, payload).WaitTimeout(publishTimeout)
}

package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"optolink/config"
)

// WriteBackBatchInterval is how often collected write requests are applied.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON value accepted on the write topic.
type WriteRequest struct {
	RequestID string      `json:"request_id,omitempty"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type,omitempty"`
	Value     interface{} `json:"value,omitempty"`
}

// WriteResponse is produced on the response topic for every request.
type WriteResponse struct {
	RequestID    string      `json:"request_id,omitempty"`
	Address      string      `json:"address,omitempty"`
	Value        interface{} `json:"value,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Deduplicated bool        `json:"deduplicated,omitempty"` // replaced by a newer request for the same address
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler performs a register write.
type WriteHandler func(address, typeHint string, value interface{}) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads write requests for one cluster. Requests for the same
// address collected within one batch interval collapse to the latest.
type Consumer struct {
	config    *config.KafkaConfig
	namespace string
	producer  *Producer
	responses messageWriter
	reader    messageReader
	running   bool
	mu        sync.RWMutex

	writeHandler WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup

	newReader func() (messageReader, error)
}

func NewConsumer(cfg *config.KafkaConfig, namespace string, producer *Producer) *Consumer {
	c := &Consumer{config: cfg, namespace: namespace, producer: producer}
	c.newReader = c.createReader
	return c
}

func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Start begins consuming from the write topic.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	reader, err := c.newReader()
	if err != nil {
		return err
	}
	responses, err := c.producer.newWriter(WriteResponseTopic(c.config, c.namespace))
	if err != nil {
		reader.Close()
		return err
	}

	c.reader = reader
	c.responses = responses
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.consumeLoop(reader, responses, c.stopChan)

	logKafka("Consumer %s started on '%s' (group %s)", c.config.Name, WriteTopic(c.config, c.namespace), ConsumerGroup(c.config))
	return nil
}

// Stop applies pending requests, then closes the reader.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	reader := c.reader
	responses := c.responses
	c.reader = nil
	c.responses = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("Consumer %s stop timeout", c.config.Name)
	}

	reader.Close()
	responses.Close()
}

type pendingWrite struct {
	request WriteRequest
	offset  int64
}

// ParseWriteRequest decodes a request, keeping numbers as json.Number.
func ParseWriteRequest(data []byte) (WriteRequest, error) {
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	req.Address = strings.ToUpper(strings.TrimSpace(req.Address))
	return req, nil
}

func (c *Consumer) consumeLoop(reader messageReader, responses messageWriter, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	pending := make(map[string]pendingWrite)
	var order []string
	var discarded []pendingWrite

	flush := func() {
		if len(pending) == 0 && len(discarded) == 0 {
			return
		}
		c.processBatch(responses, pending, order, discarded)
		pending = make(map[string]pendingWrite)
		order = nil
		discarded = nil
	}

	for {
		select {
		case <-stop:
			flush()
			return
		case <-ticker.C:
			flush()
			continue
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		msg, err := reader.FetchMessage(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}

		req, err := ParseWriteRequest(msg.Value)
		c.commit(reader, msg)
		if err != nil {
			logKafka("Consumer %s: bad write request at offset %d: %v", c.config.Name, msg.Offset, err)
			continue
		}

		key := req.Address
		if existing, ok := pending[key]; ok {
			discarded = append(discarded, existing)
		} else {
			order = append(order, key)
		}
		pending[key] = pendingWrite{request: req, offset: msg.Offset}
	}
}

func (c *Consumer) commit(reader messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logKafka("Consumer %s: commit offset %d: %v", c.config.Name, msg.Offset, err)
	}
}

func (c *Consumer) processBatch(responses messageWriter, pending map[string]pendingWrite, order []string, discarded []pendingWrite) {
	c.mu.RLock()
	handler := c.writeHandler
	c.mu.RUnlock()

	now := time.Now().UTC()
	var out []kafka.Message

	for _, d := range discarded {
		out = append(out, responseMessage(WriteResponse{
			RequestID:    d.request.RequestID,
			Address:      d.request.Address,
			Value:        d.request.Value,
			Deduplicated: true,
			Error:        "replaced by newer request",
			Timestamp:    now,
		}))
	}

	for _, key := range order {
		req := pending[key].request
		var err error
		if handler == nil {
			err = errors.New("no write handler configured")
		} else {
			err = handler(req.Address, req.Type, req.Value)
		}
		resp := WriteResponse{
			RequestID: req.RequestID,
			Address:   req.Address,
			Value:     req.Value,
			Success:   err == nil,
			Timestamp: now,
		}
		if err != nil {
			resp.Error = err.Error()
		}
		out = append(out, responseMessage(resp))
	}

	if len(out) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.producer.produceTo(ctx, responses, out); err != nil {
		logKafka("Consumer %s: send responses: %v", c.config.Name, err)
	}
}

func responseMessage(resp WriteResponse) kafka.Message {
	value, _ := json.Marshal(resp)
	return kafka.Message{Key: []byte(resp.Address), Value: value}
}

func (c *Consumer) createReader() (messageReader, error) {
	mechanism, err := saslMechanism(c.config)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          WriteTopic(c.config, c.namespace),
		GroupID:        ConsumerGroup(c.config),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer: &kafka.Dialer{
			Timeout:       dialTimeout,
			DualStack:     true,
			TLS:           tlsConfig(c.config),
			SASLMechanism: mechanism,
		},
	}), nil
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"optolink/config"
	"optolink/opto"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// TelemetryMessage is the JSON value of each produced message.
type TelemetryMessage struct {
	Namespace string       `json:"namespace"`
	Timestamp string       `json:"timestamp"`
	Values    *opto.Record `json:"values"`
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer sends telemetry for one Kafka cluster.
type Producer struct {
	config    *config.KafkaConfig
	namespace string
	writer    messageWriter
	status    ConnectionStatus
	lastErr   error
	mu        sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time

	// overridable in tests
	probe     func(ctx context.Context) error
	newWriter func(topic string) (messageWriter, error)
}

func NewProducer(cfg *config.KafkaConfig, namespace string) *Producer {
	p := &Producer{config: cfg, namespace: namespace, status: StatusDisconnected}
	p.probe = p.dialBroker
	p.newWriter = p.createWriter
	return p
}

func (p *Producer) Name() string { return p.config.Name }

func (p *Producer) Config() *config.KafkaConfig { return p.config }

// Topic returns the telemetry topic.
func (p *Producer) Topic() string { return TelemetryTopic(p.config, p.namespace) }

func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies a broker is reachable and prepares the topic writer.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	logKafka("CONNECT %s: connecting to brokers %v", p.config.Name, p.config.Brokers)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	err := p.probe(ctx)
	var w messageWriter
	if err == nil {
		w, err = p.newWriter(p.Topic())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.status = StatusError
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		logKafka("CONNECT %s: FAILED - %v", p.config.Name, err)
		return p.lastErr
	}
	if p.writer != nil {
		p.writer.Close()
	}
	p.writer = w
	p.status = StatusConnected
	logKafka("CONNECT %s: connected, producing to '%s'", p.config.Name, p.Topic())
	return nil
}

// Disconnect closes the writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer != nil {
		p.writer.Close()
		p.writer = nil
	}
	p.status = StatusDisconnected
	p.lastErr = nil
	logKafka("DISCONNECT %s: disconnected", p.config.Name)
}

// BuildMessage encodes rec as a Kafka message keyed by namespace so all
// records of one gateway stay ordered on one partition.
func BuildMessage(namespace string, rec *opto.Record) (kafka.Message, error) {
	value, err := json.Marshal(TelemetryMessage{
		Namespace: namespace,
		Timestamp: rec.Time.UTC().Format(time.RFC3339Nano),
		Values:    rec,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(namespace), Value: value, Time: rec.Time}, nil
}

// ProduceRecords sends records to the telemetry topic in one call.
func (p *Producer) ProduceRecords(ctx context.Context, records []*opto.Record) error {
	if len(records) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msg, err := BuildMessage(p.namespace, rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.ProduceBatch(ctx, msgs)
}

// ProduceBatch writes msgs to the telemetry topic.
func (p *Producer) ProduceBatch(ctx context.Context, msgs []kafka.Message) error {
	w, err := p.currentWriter()
	if err != nil {
		return err
	}
	return p.produceTo(ctx, w, msgs)
}

func (p *Producer) currentWriter() (messageWriter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.status != StatusConnected || p.writer == nil {
		return nil, fmt.Errorf("kafka cluster '%s' not connected", p.config.Name)
	}
	return p.writer, nil
}

func (p *Producer) produceTo(ctx context.Context, w messageWriter, msgs []kafka.Message) error {
	start := time.Now()
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(msgs))
		p.lastErr = err
		p.mu.Unlock()
		logKafka("PRODUCE %s: FAILED %d msgs after %v: %v", p.config.Name, len(msgs), time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(msgs))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry retries ProduceRecords with a linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, records []*opto.Record) error {
	backoff := p.config.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		if lastErr = p.ProduceRecords(ctx, records); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

func (p *Producer) createDialer() (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       dialTimeout,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}, nil
}

func (p *Producer) dialBroker(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return errors.New("no brokers configured")
	}
	dialer, err := p.createDialer()
	if err != nil {
		return err
	}

	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return lastErr
}

func (p *Producer) createWriter(topic string) (messageWriter, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	acks := p.config.RequiredAcks
	if acks == 0 {
		acks = int(kafka.RequireAll)
	}

	return &kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			DialTimeout: dialTimeout,
			TLS:         tlsConfig(p.config),
			SASL:        mechanism,
		},
		RequiredAcks:           kafka.RequiredAcks(acks),
		MaxAttempts:            p.config.MaxRetries + 1,
		BatchSize:              100,
		BatchBytes:             1048576,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}, nil
}

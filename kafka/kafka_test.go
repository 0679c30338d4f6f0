package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"optolink/config"
	"optolink/opto"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int // fail this many writes before succeeding
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	msgs    chan kafka.Message
	mu      sync.Mutex
	commits int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.commits += len(msgs)
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error { return nil }

func connectedProducer(t *testing.T, cfg *config.KafkaConfig) (*Producer, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	p := NewProducer(cfg, "plant")
	p.probe = func(context.Context) error { return nil }
	p.newWriter = func(string) (messageWriter, error) { return w, nil }
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p, w
}

func TestTopicNames(t *testing.T) {
	cfg := &config.KafkaConfig{Name: "k"}
	if got := TelemetryTopic(cfg, "plant"); got != "plant.telemetry" {
		t.Errorf("TelemetryTopic = %s", got)
	}
	if got := WriteTopic(cfg, "plant"); got != "plant.telemetry.writes" {
		t.Errorf("WriteTopic = %s", got)
	}
	if got := ConsumerGroup(cfg); got != "optolink-k" {
		t.Errorf("ConsumerGroup = %s", got)
	}

	cfg.Topic = "pac"
	cfg.ConsumerGroup = "grp"
	if got := TelemetryTopic(cfg, "plant"); got != "pac" {
		t.Errorf("TelemetryTopic = %s", got)
	}
	if got := ConsumerGroup(cfg); got != "grp" {
		t.Errorf("ConsumerGroup = %s", got)
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		mechanism string
		username  string
		wantName  string
		wantErr   bool
	}{
		{"", "", "", false},
		{"PLAIN", "", "", false},
		{"", "user", "PLAIN", false},
		{"plain", "user", "PLAIN", false},
		{"SCRAM-SHA-256", "user", "SCRAM-SHA-256", false},
		{"SCRAM-SHA-512", "user", "SCRAM-SHA-512", false},
		{"GSSAPI", "user", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.mechanism+"/"+tt.username, func(t *testing.T) {
			m, err := saslMechanism(&config.KafkaConfig{SASLMechanism: tt.mechanism, Username: tt.username, Password: "pw"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantName == "" {
				if m != nil {
					t.Errorf("mechanism = %v, want nil", m)
				}
				return
			}
			if m == nil || m.Name() != tt.wantName {
				t.Errorf("mechanism = %v, want %s", m, tt.wantName)
			}
		})
	}
}

func TestBuildMessage(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	rec := opto.NewRecord(ts)
	rec.Set("flow", float32(2.5))
	rec.Set("count", uint32(7))

	msg, err := BuildMessage("plant", rec)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "plant" || !msg.Time.Equal(ts) {
		t.Errorf("key/time = %s/%v", msg.Key, msg.Time)
	}
	want := `{"namespace":"plant","timestamp":"2024-05-06T07:08:09Z","values":{"flow":2.5,"count":7}}`
	if string(msg.Value) != want {
		t.Errorf("value = %s\nwant %s", msg.Value, want)
	}
}

func TestProducer_NotConnected(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "k"}, "plant")
	err := p.ProduceRecords(context.Background(), []*opto.Record{opto.NewRecord(time.Now())})
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("err = %v", err)
	}
	if err := p.ProduceRecords(context.Background(), nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestProducer_ConnectFailure(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "k"}, "plant")
	p.probe = func(context.Context) error { return errors.New("connection refused") }

	if err := p.Connect(); err == nil {
		t.Fatal("expected error")
	}
	if p.GetStatus() != StatusError || p.GetError() == nil {
		t.Errorf("status = %v, err = %v", p.GetStatus(), p.GetError())
	}
}

func TestProducer_DialNoBrokers(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "k"}, "plant")
	if err := p.Connect(); err == nil {
		t.Error("expected error with no brokers")
	}
}

func TestProducer_ProduceRecords(t *testing.T) {
	p, w := connectedProducer(t, &config.KafkaConfig{Name: "k"})

	recs := []*opto.Record{opto.NewRecord(time.Now()), opto.NewRecord(time.Now())}
	if err := p.ProduceRecords(context.Background(), recs); err != nil {
		t.Fatal(err)
	}
	if n := len(w.messages()); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
	sent, failed, last := p.GetStats()
	if sent != 2 || failed != 0 || last.IsZero() {
		t.Errorf("stats = %d/%d/%v", sent, failed, last)
	}

	p.Disconnect()
	if !w.closed || p.GetStatus() != StatusDisconnected {
		t.Error("Disconnect did not close writer")
	}
}

func TestProducer_ProduceWithRetry(t *testing.T) {
	p, w := connectedProducer(t, &config.KafkaConfig{Name: "k", MaxRetries: 2, RetryBackoff: time.Millisecond})
	w.fail = 2

	if err := p.ProduceWithRetry(context.Background(), []*opto.Record{opto.NewRecord(time.Now())}); err != nil {
		t.Fatalf("ProduceWithRetry: %v", err)
	}
	if _, failed, _ := p.GetStats(); failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}

	w.fail = 5
	err := p.ProduceWithRetry(context.Background(), []*opto.Record{opto.NewRecord(time.Now())})
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v", err)
	}
}

func TestConsumer_DeduplicatesByAddress(t *testing.T) {
	cfg := &config.KafkaConfig{Name: "k", Writeback: true}
	p, _ := connectedProducer(t, cfg)
	responses := &fakeWriter{}
	p.newWriter = func(topic string) (messageWriter, error) {
		if topic != "plant.telemetry.writes.response" {
			t.Errorf("response topic = %s", topic)
		}
		return responses, nil
	}

	reader := &fakeReader{msgs: make(chan kafka.Message, 8)}
	reader.msgs <- kafka.Message{Offset: 1, Value: []byte(`{"request_id":"a","address":"f0260000","value":1}`)}
	reader.msgs <- kafka.Message{Offset: 2, Value: []byte(`not json`)}
	reader.msgs <- kafka.Message{Offset: 3, Value: []byte(`{"request_id":"b","address":"F0260000","value":2}`)}
	reader.msgs <- kafka.Message{Offset: 4, Value: []byte(`{"request_id":"c","address":"F0380000","type":"hex","value":"00000001"}`)}

	type call struct {
		address, hint string
		value         interface{}
	}
	var mu sync.Mutex
	var calls []call

	c := NewConsumer(cfg, "plant", p)
	c.newReader = func() (messageReader, error) { return reader, nil }
	c.SetWriteHandler(func(address, hint string, value interface{}) error {
		mu.Lock()
		calls = append(calls, call{address, hint, value})
		mu.Unlock()
		if address == "F0380000" {
			return errors.New("rejected")
		}
		return nil
	})

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(responses.messages()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("calls = %+v, want 2", calls)
	}
	if calls[0].address != "F0260000" || calls[0].value.(json.Number) != "2" {
		t.Errorf("first call = %+v, want latest F0260000 request", calls[0])
	}
	if calls[1].hint != "hex" {
		t.Errorf("second call = %+v", calls[1])
	}

	var got []WriteResponse
	for _, m := range responses.messages() {
		var r WriteResponse
		if err := json.Unmarshal(m.Value, &r); err != nil {
			t.Fatal(err)
		}
		got = append(got, r)
	}
	if len(got) != 3 {
		t.Fatalf("responses = %+v", got)
	}
	if got[0].RequestID != "a" || !got[0].Deduplicated || got[0].Success {
		t.Errorf("dedup response = %+v", got[0])
	}
	if got[1].RequestID != "b" || !got[1].Success {
		t.Errorf("response b = %+v", got[1])
	}
	if got[2].RequestID != "c" || got[2].Success || got[2].Error != "rejected" {
		t.Errorf("response c = %+v", got[2])
	}

	reader.mu.Lock()
	commits := reader.commits
	reader.mu.Unlock()
	if commits != 4 {
		t.Errorf("commits = %d, want 4", commits)
	}
	if !responses.closed {
		t.Error("response writer not closed")
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.KafkaConfig{{Name: "b"}, {Name: "a", Writeback: true}}, "plant")

	if names := m.ListClusters(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("ListClusters = %v", names)
	}
	if m.AnyPublishing() {
		t.Error("AnyPublishing with nothing connected")
	}
	if _, err := m.GetClusterStatus("missing"); err == nil {
		t.Error("expected error for missing cluster")
	}
	if err := m.Connect("missing"); err == nil {
		t.Error("expected error for missing cluster")
	}

	m.SetWriteHandler(func(string, string, interface{}) error { return nil })
	m.mu.RLock()
	consumer := m.clusters["a"].consumer
	m.mu.RUnlock()
	if consumer == nil {
		t.Fatal("writeback cluster has no consumer")
	}
	consumer.mu.RLock()
	hasHandler := consumer.writeHandler != nil
	consumer.mu.RUnlock()
	if !hasHandler {
		t.Error("write handler not propagated")
	}

	m.RemoveCluster("a")
	if m.GetProducer("a") != nil {
		t.Error("RemoveCluster did not remove")
	}
	m.StopAll()
}

func TestManager_PublishRecords(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	p, w := connectedProducer(t, &config.KafkaConfig{Name: "k"})
	m.mu.Lock()
	m.clusters["k"] = &cluster{producer: p}
	m.mu.Unlock()

	m.PublishRecords([]*opto.Record{opto.NewRecord(time.Now())})

	deadline := time.Now().Add(2 * time.Second)
	for len(w.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(w.messages()); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	if !m.AnyPublishing() {
		t.Error("AnyPublishing = false with a connected cluster")
	}
}

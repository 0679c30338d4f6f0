package kafka

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"optolink/config"
	"optolink/opto"
)

// MaxPublishWorkers is the number of goroutines producing batches.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending batches.
const MaxPublishQueueSize = 1000

type publishJob struct {
	producer *Producer
	records  []*opto.Record
}

type cluster struct {
	producer *Producer
	consumer *Consumer
}

// Manager manages the configured Kafka clusters and a shared pool of
// publish workers.
type Manager struct {
	clusters     map[string]*cluster
	mu           sync.RWMutex
	writeHandler WriteHandler

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

func NewManager() *Manager {
	return &Manager{
		clusters:     make(map[string]*cluster),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(m.stopChan, m.publishQueue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.ProduceWithRetry(ctx, job.records); err != nil {
				logKafka("Failed to publish %d records to %s: %v", len(job.records), job.producer.Name(), err)
			}
			cancel()
		}
	}
}

// AddCluster registers a cluster. An existing cluster with the same name is kept.
func (m *Manager) AddCluster(cfg *config.KafkaConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clusters[cfg.Name]; exists {
		return
	}
	p := NewProducer(cfg, namespace)
	cl := &cluster{producer: p}
	if cfg.Writeback {
		cl.consumer = NewConsumer(cfg, namespace, p)
		if m.writeHandler != nil {
			cl.consumer.SetWriteHandler(m.writeHandler)
		}
	}
	m.clusters[cfg.Name] = cl
}

// RemoveCluster disconnects and removes a cluster.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	cl, exists := m.clusters[name]
	delete(m.clusters, name)
	m.mu.Unlock()

	if exists {
		cl.stop()
	}
}

func (cl *cluster) stop() {
	if cl.consumer != nil {
		cl.consumer.Stop()
	}
	cl.producer.Disconnect()
}

func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cl, ok := m.clusters[name]; ok {
		return cl.producer
	}
	return nil
}

// ListClusters returns the cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.clusters))
	for name := range m.clusters {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*cluster, 0, len(m.clusters))
	for _, cl := range m.clusters {
		out = append(out, cl)
	}
	return out
}

// Connect connects the named cluster's producer and starts its consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	cl, exists := m.clusters[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return cl.connect()
}

func (cl *cluster) connect() error {
	if err := cl.producer.Connect(); err != nil {
		return err
	}
	if cl.consumer != nil {
		if err := cl.consumer.Start(); err != nil {
			logKafka("Consumer %s failed to start: %v", cl.producer.Name(), err)
		}
	}
	return nil
}

func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	cl, exists := m.clusters[name]
	m.mu.RUnlock()
	if exists {
		cl.stop()
	}
}

// ConnectEnabled connects every enabled cluster in the background.
func (m *Manager) ConnectEnabled() {
	m.startWorkers()
	for _, cl := range m.snapshot() {
		if cl.producer.config.Enabled {
			go cl.connect()
		}
	}
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	oldStop := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, cl := range m.snapshot() {
		cl.stop()
	}
}

// PublishRecords queues records for every connected cluster. Batches are
// dropped when the queue is full.
func (m *Manager) PublishRecords(records []*opto.Record) {
	if len(records) == 0 {
		return
	}
	m.startWorkers()

	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	for _, cl := range m.snapshot() {
		if cl.producer.GetStatus() != StatusConnected {
			continue
		}
		select {
		case queue <- publishJob{producer: cl.producer, records: records}:
		default:
			logKafka("Publish queue full, dropping %d records for %s", len(records), cl.producer.Name())
		}
	}
}

// GetClusterStatus returns the status and last error of a cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return p.GetStatus(), p.GetError()
}

// AnyPublishing reports whether any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	for _, cl := range m.snapshot() {
		if cl.producer.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, namespace string) {
	for i := range cfgs {
		m.AddCluster(&cfgs[i], namespace)
	}
}

// SetWriteHandler installs handler on current and future consumers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()
	for _, cl := range m.snapshot() {
		if cl.consumer != nil {
			cl.consumer.SetWriteHandler(handler)
		}
	}
}

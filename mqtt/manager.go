package mqtt

import (
	"sort"
	"sync"

	"optolink/config"
	"optolink/opto"
)

// Manager owns the configured MQTT publishers.
type Manager struct {
	publishers   map[string]*Publisher
	mu           sync.RWMutex
	writeHandler WriteHandler
}

func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// Add registers pub, replacing and stopping any publisher with the same name.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	old := m.publishers[pub.Name()]
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	m.mu.Unlock()

	if old != nil && old != pub {
		old.Stop()
	}
	if handler != nil {
		pub.SetWriteHandler(handler)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts every enabled publisher that is not running and returns
// how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled || pub.IsRunning() {
			continue
		}
		logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
		if err := pub.Start(); err != nil {
			logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			continue
		}
		started++
	}
	return started
}

func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// PublishRecords sends each record to every running publisher.
func (m *Manager) PublishRecords(records []*opto.Record) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, rec := range records {
			pub.Publish(rec)
		}
	}
}

func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates a publisher per configured broker.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// SetWriteHandler installs handler on current and future publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

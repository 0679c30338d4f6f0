package valkey

import (
	"sync"

	"optolink/config"
	"optolink/opto"
)

// Manager manages multiple Valkey publishers in configuration order.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	writeHandler      WriteHandler
	onConnectCallback func()
}

func NewManager() *Manager {
	return &Manager{publishers: make([]*Publisher, 0)}
}

// LoadFromConfig creates a publisher per configured server.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string) {
	for i := range configs {
		m.Add(&configs[i], namespace)
	}
}

// Add creates and registers a publisher with the shared callbacks.
func (m *Manager) Add(cfg *config.ValkeyConfig, namespace string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, namespace)
	pub.SetWriteHandler(m.writeHandler)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// stop outside the lock; Stop waits for the listener
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
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

func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishRecords stores each record on every running publisher. Only the
// last record of a batch survives under the latest key; every record is
// published on the changes channel.
func (m *Manager) PublishRecords(records []*opto.Record) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, rec := range records {
			if err := pub.Publish(rec); err != nil {
				debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
				break
			}
		}
	}
}

func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHandler = handler
	for _, pub := range m.publishers {
		pub.SetWriteHandler(handler)
	}
}

func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}

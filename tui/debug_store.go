package tui

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"optolink/logging"
)

// LogMessage is one operator log line.
type LogMessage struct {
	Timestamp time.Time
	Message   string
}

// LogStoreListenerID identifies a log store subscriber.
type LogStoreListenerID string

// LogStore keeps the most recent log lines for the log tab and fans new
// lines out to subscribers. It is usable before the UI exists.
type LogStore struct {
	messages    []LogMessage
	mu          sync.RWMutex
	maxLines    int
	listeners   map[LogStoreListenerID]func(LogMessage)
	listenersMu sync.RWMutex
	counter     uint64
	fileLogger  *logging.FileLogger
}

var globalStore *LogStore
var storeOnce sync.Once

// NewLogStore creates a store holding up to maxLines lines.
func NewLogStore(maxLines int) *LogStore {
	return &LogStore{
		messages:  make([]LogMessage, 0),
		maxLines:  maxLines,
		listeners: make(map[LogStoreListenerID]func(LogMessage)),
	}
}

// InitLogStore initializes the global store. Later calls are no-ops.
func InitLogStore(maxLines int) {
	storeOnce.Do(func() {
		globalStore = NewLogStore(maxLines)
	})
}

// GetLogStore returns the global store, or nil before InitLogStore.
func GetLogStore() *LogStore {
	return globalStore
}

// Log adds a line and notifies subscribers. Lines are dropped rather than
// block the caller when the store is contended.
func (s *LogStore) Log(format string, args ...interface{}) {
	msg := LogMessage{
		Timestamp: time.Now(),
		Message:   fmt.Sprintf(format, args...),
	}

	s.mu.RLock()
	fl := s.fileLogger
	s.mu.RUnlock()
	if fl != nil {
		fl.Log("%s", stripColorTags(msg.Message))
	}

	if !s.mu.TryLock() {
		return
	}
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxLines {
		s.messages = s.messages[len(s.messages)-s.maxLines:]
	}
	s.mu.Unlock()

	s.listenersMu.RLock()
	listeners := make([]func(LogMessage), 0, len(s.listeners))
	for _, cb := range s.listeners {
		listeners = append(listeners, cb)
	}
	s.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb(msg)
	}
}

func (s *LogStore) Subscribe(cb func(LogMessage)) LogStoreListenerID {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := LogStoreListenerID(fmt.Sprintf("log-%d", atomic.AddUint64(&s.counter, 1)))
	s.listeners[id] = cb
	return id
}

func (s *LogStore) Unsubscribe(id LogStoreListenerID) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, id)
}

// GetMessages returns a copy of the stored lines, oldest first.
func (s *LogStore) GetMessages() []LogMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]LogMessage, len(s.messages))
	copy(result, s.messages)
	return result
}

func (s *LogStore) Clear() {
	s.mu.Lock()
	s.messages = make([]LogMessage, 0)
	s.mu.Unlock()
}

// SetFileLogger mirrors every line, without color tags, to logger.
func (s *LogStore) SetFileLogger(logger *logging.FileLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileLogger = logger
}

// StoreLog logs to the global store if it exists. It satisfies
// logging.LogFunc and is what the engine logs through in TUI mode.
func StoreLog(format string, args ...interface{}) {
	if globalStore != nil {
		globalStore.Log(format, args...)
	}
}

// stripColorTags removes tview color tags like [red], [-] or [#FFD700::b].
func stripColorTags(s string) string {
	result := make([]byte, 0, len(s))
	inTag := false
	for i := 0; i < len(s); i++ {
		if s[i] == '[' {
			inTag = true
			continue
		}
		if s[i] == ']' && inTag {
			inTag = false
			continue
		}
		if !inTag {
			result = append(result, s[i])
		}
	}
	return string(result)
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"optolink/engine"
	"optolink/logging"
	"optolink/opto"
)

// SSE event names.
const (
	eventRecord  = "record"
	eventWrite   = "write"
	eventWriter  = "writer"
	eventService = "service"
)

type sseEvent struct {
	Type string
	Data interface{}
}

type recordUpdate struct {
	Timestamp string       `json:"timestamp"`
	Values    *opto.Record `json:"values"`
}

type writeUpdate struct {
	Address string `json:"address"`
	Data    string `json:"data,omitempty"`
	Source  string `json:"source"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type writerUpdate struct {
	State string `json:"state"`
}

type serviceUpdate struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Event string `json:"event"`
	Error string `json:"error,omitempty"`
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub fans events out to the connected SSE clients. A slow client
// loses events rather than blocking the engine.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE serves GET /api/events. ?types=record,write filters by event name.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}

	client := &sseClient{
		id:     uuid.NewString(),
		events: make(chan sseEvent, 64),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes the hub to the engine's event bus. The returned
// function unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	bus := h.backend.GetEventBus()
	if bus == nil {
		return h.hub.Stop
	}

	id := bus.SubscribeTypes(func(e engine.Event) {
		if ev, ok := toSSE(e); ok {
			h.hub.Broadcast(ev)
		}
	},
		engine.EventRecordBatch,
		engine.EventWriteDone, engine.EventWriteFailed, engine.EventWriterState,
		engine.EventServiceStarted, engine.EventServiceStopped, engine.EventServiceFailed,
	)

	return func() {
		bus.Unsubscribe(id)
		h.hub.Stop()
	}
}

// toSSE converts an engine event. A record batch is sent as its last record.
func toSSE(e engine.Event) (sseEvent, bool) {
	switch p := e.Payload.(type) {
	case engine.RecordBatchEvent:
		if len(p.Records) == 0 {
			return sseEvent{}, false
		}
		rec := p.Records[len(p.Records)-1]
		return sseEvent{Type: eventRecord, Data: recordUpdate{
			Timestamp: rec.Time.UTC().Format(time.RFC3339Nano),
			Values:    rec,
		}}, true
	case engine.WriteEvent:
		if e.Type == engine.EventWriterState {
			return sseEvent{Type: eventWriter, Data: writerUpdate{State: p.State.String()}}, true
		}
		u := writeUpdate{Address: p.Address, Data: p.Data, Source: p.Source, Success: p.Err == nil}
		if p.Err != nil {
			u.Error = p.Err.Error()
		}
		return sseEvent{Type: eventWrite, Data: u}, true
	case engine.ServiceEvent:
		u := serviceUpdate{Kind: p.Kind, Name: p.Name, Event: e.Type.String()}
		if p.Err != nil {
			u.Error = p.Err.Error()
		}
		return sseEvent{Type: eventService, Data: u}, true
	}
	return sseEvent{}, false
}

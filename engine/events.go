package engine

import (
	"time"

	"optolink/opto"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Telemetry events
	EventRecordBatch EventType = iota + 1

	// Writer events
	EventWriteDone
	EventWriteFailed
	EventWriterState

	// Service events
	EventServiceStarted
	EventServiceStopped
	EventServiceFailed

	// System events
	EventGatewayStarted
	EventGatewayStopped
	EventReplayFinished
)

var eventNames = map[EventType]string{
	EventRecordBatch:    "record_batch",
	EventWriteDone:      "write_done",
	EventWriteFailed:    "write_failed",
	EventWriterState:    "writer_state",
	EventServiceStarted: "service_started",
	EventServiceStopped: "service_stopped",
	EventServiceFailed:  "service_failed",
	EventGatewayStarted: "gateway_started",
	EventGatewayStopped: "gateway_stopped",
	EventReplayFinished: "replay_finished",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// RecordBatchEvent carries one batch handed to the engine by the gateway.
type RecordBatchEvent struct {
	Records []*opto.Record
}

// WriteEvent is the payload of write and writer state events.
type WriteEvent struct {
	Address string
	Data    string // 8 hex digits sent, empty when coercion failed
	Source  string // api, mqtt, valkey, kafka, tui
	Err     error
	State   opto.ConnState
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Kind string // mqtt, valkey, kafka
	Name string
	Err  error
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}

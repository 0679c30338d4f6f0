package engine

import (
	"context"

	"optolink/logging"
	"optolink/opto"
)

// setupWriteHandlers routes MQTT, Valkey and Kafka write requests to the writer.
func setupWriteHandlers(e *Engine) {
	handler := func(source string) func(address, typeHint string, value interface{}) error {
		return func(address, typeHint string, value interface{}) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*e.writer.Timeout())
			defer cancel()
			return e.WriteFrom(ctx, source, address, typeHint, value)
		}
	}
	e.mqttMgr.SetWriteHandler(handler("mqtt"))
	e.valkeyMgr.SetWriteHandler(handler("valkey"))
	e.kafkaMgr.SetWriteHandler(handler("kafka"))
}

// publishRecords fans a batch out to the running services. Each service
// publishes on its own goroutine so a slow broker never stalls the gateway.
func publishRecords(e *Engine, records []*opto.Record) {
	if e.mqttMgr == nil {
		return
	}

	mqttRunning := e.mqttMgr.AnyRunning()
	valkeyRunning := e.valkeyMgr.AnyRunning()
	kafkaPublishing := e.kafkaMgr.AnyPublishing()

	logging.DebugLog("engine", "batch of %d records, MQTT: %v, Valkey: %v, Kafka: %v",
		len(records), mqttRunning, valkeyRunning, kafkaPublishing)

	if mqttRunning {
		go e.mqttMgr.PublishRecords(records)
	}
	if valkeyRunning {
		go e.valkeyMgr.PublishRecords(records)
	}
	if kafkaPublishing {
		e.kafkaMgr.PublishRecords(records) // queues, does not block
	}
}

func (e *Engine) republishLatestToMQTT() {
	if rec := e.Latest(); rec != nil {
		e.mqttMgr.PublishRecords([]*opto.Record{rec})
	}
}

func (e *Engine) republishLatestToValkey() {
	if rec := e.Latest(); rec != nil {
		e.valkeyMgr.PublishRecords([]*opto.Record{rec})
	}
}

// noteWriterState emits EventWriterState when the writer state changed
// since the last call.
func (e *Engine) noteWriterState() {
	if e.writer == nil {
		return
	}
	st := e.writer.State()
	if prev := opto.ConnState(e.lastState.Swap(int32(st))); prev != st {
		e.emit(EventWriterState, WriteEvent{State: st})
	}
}

func (e *Engine) reportService(kind, name string, enabled, running bool) {
	switch {
	case running:
		e.emit(EventServiceStarted, ServiceEvent{Kind: kind, Name: name})
	case enabled:
		e.logFn("%s %s failed to start", kind, name)
		e.emit(EventServiceFailed, ServiceEvent{Kind: kind, Name: name})
	}
}

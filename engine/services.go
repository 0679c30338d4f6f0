package engine

import (
	"fmt"

	"optolink/kafka"
)

// Service kinds accepted by StartService and StopService.
const (
	KindMQTT   = "mqtt"
	KindValkey = "valkey"
	KindKafka  = "kafka"
)

// ServiceStatus describes one configured MQTT broker, Valkey server or
// Kafka cluster.
type ServiceStatus struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Services lists every configured service, MQTT first, then Valkey, then Kafka.
func (e *Engine) Services() []ServiceStatus {
	if e.mqttMgr == nil {
		return nil
	}
	var out []ServiceStatus
	for _, p := range e.mqttMgr.List() {
		out = append(out, ServiceStatus{
			Kind: KindMQTT, Name: p.Name(), Address: p.Address(),
			Enabled: p.Config().Enabled, Running: p.IsRunning(),
		})
	}
	for _, p := range e.valkeyMgr.List() {
		out = append(out, ServiceStatus{
			Kind: KindValkey, Name: p.Name(), Address: p.Address(),
			Enabled: p.Config().Enabled, Running: p.IsRunning(),
		})
	}
	for _, name := range e.kafkaMgr.ListClusters() {
		p := e.kafkaMgr.GetProducer(name)
		if p == nil {
			continue
		}
		st := ServiceStatus{
			Kind: KindKafka, Name: name, Address: p.Topic(),
			Enabled: p.Config().Enabled, Running: p.GetStatus() == kafka.StatusConnected,
		}
		if err := p.GetError(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// StartService starts (or connects) a single named service.
func (e *Engine) StartService(kind, name string) error {
	if e.mqttMgr == nil {
		return ErrNotRunning
	}
	var err error
	switch kind {
	case KindMQTT:
		p := e.mqttMgr.Get(name)
		if p == nil {
			return fmt.Errorf("mqtt %q: %w", name, ErrNotFound)
		}
		if err = p.Start(); err == nil {
			e.republishLatestToMQTT()
		}
	case KindValkey:
		p := e.valkeyMgr.Get(name)
		if p == nil {
			return fmt.Errorf("valkey %q: %w", name, ErrNotFound)
		}
		err = p.Start()
	case KindKafka:
		if e.kafkaMgr.GetProducer(name) == nil {
			return fmt.Errorf("kafka %q: %w", name, ErrNotFound)
		}
		err = e.kafkaMgr.Connect(name)
	default:
		return fmt.Errorf("service kind %q: %w", kind, ErrInvalidInput)
	}

	if err != nil {
		e.emit(EventServiceFailed, ServiceEvent{Kind: kind, Name: name, Err: err})
		return err
	}
	e.logFn("Started %s %s", kind, name)
	e.emit(EventServiceStarted, ServiceEvent{Kind: kind, Name: name})
	return nil
}

// StopService stops (or disconnects) a single named service.
func (e *Engine) StopService(kind, name string) error {
	if e.mqttMgr == nil {
		return ErrNotRunning
	}
	switch kind {
	case KindMQTT:
		p := e.mqttMgr.Get(name)
		if p == nil {
			return fmt.Errorf("mqtt %q: %w", name, ErrNotFound)
		}
		p.Stop()
	case KindValkey:
		p := e.valkeyMgr.Get(name)
		if p == nil {
			return fmt.Errorf("valkey %q: %w", name, ErrNotFound)
		}
		p.Stop()
	case KindKafka:
		if e.kafkaMgr.GetProducer(name) == nil {
			return fmt.Errorf("kafka %q: %w", name, ErrNotFound)
		}
		e.kafkaMgr.Disconnect(name)
	default:
		return fmt.Errorf("service kind %q: %w", kind, ErrInvalidInput)
	}
	e.logFn("Stopped %s %s", kind, name)
	e.emit(EventServiceStopped, ServiceEvent{Kind: kind, Name: name})
	return nil
}

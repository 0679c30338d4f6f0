// Package engine wires the gateway, the writer and the downstream services
// together. TUI, REST API and the headless runner are thin consumers.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"optolink/config"
	"optolink/kafka"
	"optolink/logging"
	"optolink/mqtt"
	"optolink/opto"
	"optolink/valkey"
)

// LogFunc is the operator log callback. Engine never imports the tui package.
type LogFunc = logging.LogFunc

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc
	Dialer     opto.Dialer // overrides the writer's dialer, nil = net.Dialer
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Uptime        time.Duration
	Gateway       opto.GatewayStats
	GatewayActive bool
	Writer        opto.WriterStats
	WriterState   string
	Batches       uint64
	Records       uint64
	LastRecord    time.Time
	MQTT          bool
	Valkey        bool
	Kafka         bool
}

// Engine owns the gateway, the writer and the publisher managers, and is
// the opto.Sink the gateway emits to.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc
	dialer     opto.Dialer

	gateway   *opto.Gateway
	writer    *opto.Writer
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager

	Events *EventBus

	latestMu sync.RWMutex
	latest   *opto.Record
	batches  atomic.Uint64
	records  atomic.Uint64

	started   time.Time
	running   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	lastState atomic.Int32
}

var _ opto.Sink = (*Engine)(nil)

// New creates an Engine. Call Start() to bind sockets and start services.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		dialer:     c.Dialer,
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
	}
}

// Start creates the managers, wires write handlers and starts the enabled
// components. A gateway bind failure is returned; service failures are
// logged and retried by the services themselves.
func (e *Engine) Start() error {
	cfg := e.cfg

	gwCfg, err := cfg.GatewayConfig()
	if err != nil {
		return fmt.Errorf("reader config: %w", err)
	}
	for _, w := range cfg.InputWarnings() {
		e.logFn("Input warning: %s", w)
	}

	wCfg := cfg.WriterConfig()
	if e.dialer != nil {
		wCfg.Dialer = e.dialer
	}
	e.writer = opto.NewWriter(wCfg)
	e.gateway = opto.NewGateway(gwCfg, e)

	e.mqttMgr = mqtt.NewManager()
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	e.valkeyMgr = valkey.NewManager()
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	e.kafkaMgr = kafka.NewManager()
	e.kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)

	setupWriteHandlers(e)
	e.valkeyMgr.SetOnConnectCallback(e.republishLatestToValkey)

	e.started = time.Now()
	e.running.Store(true)

	if cfg.Reader.Enabled {
		if err := e.gateway.Start(); err != nil {
			e.running.Store(false)
			return err
		}
		e.logFn("Listening for telemetry on %s (%d inputs)", e.gateway.LocalAddr(), len(gwCfg.Selections))
		e.emit(EventGatewayStarted, SystemEvent{Detail: e.gateway.LocalAddr().String()})
	}

	if cfg.Writer.Enabled && cfg.Writer.ConnectOnStart {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), wCfg.Timeout)
			defer cancel()
			if err := e.writer.Connect(ctx); err != nil {
				e.logFn("PAC writer connect failed: %v", err)
			} else {
				e.logFn("PAC writer connected to %s", e.writer.Address())
			}
			e.noteWriterState()
		}()
	}

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.logFn("Started %d MQTT publisher(s)", started)
			e.republishLatestToMQTT()
		}
		for _, p := range e.mqttMgr.List() {
			e.reportService("mqtt", p.Name(), p.Config().Enabled, p.IsRunning())
		}
	}()
	go func() {
		if started := e.valkeyMgr.StartAll(); started > 0 {
			e.logFn("Started %d Valkey publisher(s)", started)
		}
		for _, p := range e.valkeyMgr.List() {
			e.reportService("valkey", p.Name(), p.Config().Enabled, p.IsRunning())
		}
	}()
	go e.kafkaMgr.ConnectEnabled()

	return nil
}

// Stop stops the gateway first so the final drained batch still reaches
// the services, then stops the services and the writer.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if e.gateway != nil {
			e.gateway.Stop()
			e.emit(EventGatewayStopped, SystemEvent{})
		}
		if e.mqttMgr != nil {
			e.mqttMgr.StopAll()
		}
		if e.valkeyMgr != nil {
			e.valkeyMgr.StopAll()
		}
		if e.kafkaMgr != nil {
			e.kafkaMgr.StopAll()
		}
		if e.writer != nil {
			e.writer.Stop()
			e.noteWriterState()
		}
		e.running.Store(false)
	})
}

// Emit receives a batch from the gateway or a replay and fans it out.
func (e *Engine) Emit(records []*opto.Record) {
	if len(records) == 0 {
		return
	}

	// unbatched emits race each other; an older record never replaces a newer one
	rec := records[len(records)-1]
	e.latestMu.Lock()
	if e.latest == nil || !rec.Time.Before(e.latest.Time) {
		e.latest = rec
	}
	e.latestMu.Unlock()
	e.batches.Add(1)
	e.records.Add(uint64(len(records)))

	e.emit(EventRecordBatch, RecordBatchEvent{Records: records})
	publishRecords(e, records)
}

// Latest returns the most recent record, or nil before the first datagram.
func (e *Engine) Latest() *opto.Record {
	e.latestMu.RLock()
	defer e.latestMu.RUnlock()
	return e.latest
}

// Replay pushes a pcap capture through the engine as if it arrived live.
func (e *Engine) Replay(ctx context.Context, r io.Reader, speed float64) (opto.ReplayStats, error) {
	gwCfg, err := e.cfg.GatewayConfig()
	if err != nil {
		return opto.ReplayStats{}, err
	}
	stats, err := opto.ReplayPCAP(ctx, r, opto.ReplayConfig{
		Port:       e.cfg.Reader.Port,
		Selections: gwCfg.Selections,
		NaNPolicy:  gwCfg.NaNPolicy,
		Speed:      speed,
	}, e)
	e.emit(EventReplayFinished, SystemEvent{Detail: fmt.Sprintf("%d packets, %d decoded, %d dropped", stats.Packets, stats.Decoded, stats.Dropped)})
	return stats, err
}

// Stats returns a snapshot of all counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Batches: e.batches.Load(),
		Records: e.records.Load(),
	}
	if !e.started.IsZero() {
		s.Uptime = time.Since(e.started)
	}
	if rec := e.Latest(); rec != nil {
		s.LastRecord = rec.Time
	}
	if e.gateway != nil {
		s.Gateway = e.gateway.Stats()
		s.GatewayActive = e.gateway.Running()
	}
	if e.writer != nil {
		s.Writer = e.writer.Stats()
		s.WriterState = e.writer.State().String()
	}
	if e.mqttMgr != nil {
		s.MQTT = e.mqttMgr.AnyRunning()
		s.Valkey = e.valkeyMgr.AnyRunning()
		s.Kafka = e.kafkaMgr.AnyPublishing()
	}
	return s
}

// Inputs returns the configured channel selections.
func (e *Engine) Inputs() []config.InputConfig {
	e.cfg.Lock()
	defer e.cfg.Unlock()
	out := make([]config.InputConfig, len(e.cfg.Reader.Inputs))
	copy(out, e.cfg.Reader.Inputs)
	return out
}

func (e *Engine) GetConfig() *config.Config     { return e.cfg }
func (e *Engine) GetConfigPath() string         { return e.configPath }
func (e *Engine) GetGateway() *opto.Gateway     { return e.gateway }
func (e *Engine) GetWriter() *opto.Writer       { return e.writer }
func (e *Engine) GetMQTTMgr() *mqtt.Manager     { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager   { return e.kafkaMgr }
func (e *Engine) GetEventBus() *EventBus        { return e.Events }
func (e *Engine) Running() bool                 { return e.running.Load() }
func (e *Engine) Done() <-chan struct{}         { return e.stopChan }

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

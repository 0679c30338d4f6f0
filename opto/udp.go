package opto

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"optolink/logging"
)

// DefaultGatewayAddress is the default telemetry listen address.
const DefaultGatewayAddress = "127.0.0.1:5005"

// readBufferSize is larger than FrameSize so oversized datagrams are
// received whole and their trailing bytes ignored by the decoder.
const readBufferSize = 2048

// Sink receives mapped records. Emit is called from gateway goroutines and
// must not retain the slice after returning.
type Sink interface {
	Emit(records []*Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(records []*Record)

func (f SinkFunc) Emit(records []*Record) { f(records) }

// GatewayConfig holds the runtime settings of a Gateway.
type GatewayConfig struct {
	Address         string
	Selections      []ChannelSelection
	CollectInterval time.Duration // 0 emits every record immediately
	NaNPolicy       NaNPolicy
	ReadBuffer      int // socket receive buffer in bytes, 0 = OS default
	MaxWorkers      int // 0 = one goroutine per datagram, unbounded
}

// GatewayStats are cumulative counters since the gateway was created.
type GatewayStats struct {
	Received uint64
	Decoded  uint64
	Dropped  uint64
	Emitted  uint64
	Batches  uint64
}

// Gateway receives telemetry datagrams, decodes and maps them, and hands
// the records to a Sink.
type Gateway struct {
	cfg  GatewayConfig
	sink Sink
	buf  RecordBuffer

	mu       sync.Mutex
	conn     *net.UDPConn
	running  bool
	stopped  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	tickDone chan struct{}
	sem      chan struct{}
	inflight sync.WaitGroup

	received atomic.Uint64
	decoded  atomic.Uint64
	dropped  atomic.Uint64
	emitted  atomic.Uint64
	batches  atomic.Uint64
}

// NewGateway creates a gateway. It does not bind until Start.
func NewGateway(cfg GatewayConfig, sink Sink) *Gateway {
	if cfg.Address == "" {
		cfg.Address = DefaultGatewayAddress
	}
	g := &Gateway{cfg: cfg, sink: sink}
	if cfg.MaxWorkers > 0 {
		g.sem = make(chan struct{}, cfg.MaxWorkers)
	}
	return g
}

// Start binds the UDP socket and starts the read loop, plus the collect
// ticker when batching is enabled.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return ErrGatewayRunning
	}

	addr, err := net.ResolveUDPAddr("udp", g.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", g.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.Address, err)
	}
	if g.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(g.cfg.ReadBuffer); err != nil {
			logging.DebugLog("opto/udp", "UDP %s: set read buffer %d: %v", g.cfg.Address, g.cfg.ReadBuffer, err)
		}
	}

	g.conn = conn
	g.running = true
	g.stopped = false
	g.stopCh = make(chan struct{})
	g.loopDone = make(chan struct{})

	go g.readLoop(conn, g.loopDone)

	if g.cfg.CollectInterval > 0 {
		g.tickDone = make(chan struct{})
		go g.collectLoop(g.cfg.CollectInterval, g.stopCh, g.tickDone)
	} else {
		g.tickDone = nil
	}

	logging.DebugConnectSuccess("opto/udp", conn.LocalAddr().String(),
		fmt.Sprintf("udp listen, %d inputs, collect %s", len(g.cfg.Selections), g.cfg.CollectInterval))
	return nil
}

// Stop closes the socket, waits for in-flight datagrams, stops the collect
// ticker and emits whatever is still buffered. It is safe to call more
// than once and from any goroutine.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running || g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	close(g.stopCh)
	conn := g.conn
	loopDone, tickDone := g.loopDone, g.tickDone
	g.mu.Unlock()

	conn.Close()
	<-loopDone
	g.inflight.Wait()
	if tickDone != nil {
		<-tickDone
	}
	g.flush()

	g.mu.Lock()
	g.running = false
	g.conn = nil
	g.mu.Unlock()

	logging.DebugDisconnect("opto/udp", g.cfg.Address, "gateway stopped")
}

// Running reports whether the gateway is bound.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running && !g.stopped
}

// LocalAddr returns the bound address, or nil before Start.
func (g *Gateway) LocalAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	return g.conn.LocalAddr()
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		Received: g.received.Load(),
		Decoded:  g.decoded.Load(),
		Dropped:  g.dropped.Load(),
		Emitted:  g.emitted.Load(),
		Batches:  g.batches.Load(),
	}
}

func (g *Gateway) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-g.stopCh:
				return
			default:
			}
			logging.DebugError("opto/udp", "udp read", err)
			continue
		}

		g.received.Add(1)
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		logging.DebugRX("opto/udp", pkt)

		if g.sem != nil {
			g.sem <- struct{}{}
		}
		g.inflight.Add(1)
		go g.handle(pkt, from)
	}
}

func (g *Gateway) handle(pkt []byte, from *net.UDPAddr) {
	defer g.inflight.Done()
	if g.sem != nil {
		defer func() { <-g.sem }()
	}

	frame, err := DecodeFrame(pkt, g.cfg.NaNPolicy)
	if err != nil {
		g.dropped.Add(1)
		logging.DebugError("opto/udp", fmt.Sprintf("datagram from %s", from), err)
		return
	}
	g.decoded.Add(1)

	rec := Map(frame, g.cfg.Selections)
	if g.cfg.CollectInterval > 0 {
		g.buf.Append(rec)
		return
	}
	g.emit([]*Record{rec})
}

func (g *Gateway) collectLoop(interval time.Duration, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.flush()
		}
	}
}

func (g *Gateway) flush() {
	if batch := g.buf.DrainAndClear(); len(batch) > 0 {
		g.emit(batch)
	}
}

func (g *Gateway) emit(batch []*Record) {
	g.emitted.Add(uint64(len(batch)))
	g.batches.Add(1)
	if g.sink != nil {
		g.sink.Emit(batch)
	}
}

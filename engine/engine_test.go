package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"optolink/config"
	"optolink/opto"
)

// pacServer accepts TCP connections and delivers every 16-byte command.
type pacServer struct {
	ln       net.Listener
	commands chan []byte
}

func newPACServer(t *testing.T) *pacServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &pacServer{ln: ln, commands: make(chan []byte, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					buf := make([]byte, opto.CommandSize)
					if _, err := io.ReadFull(c, buf); err != nil {
						return
					}
					s.commands <- buf
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *pacServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *pacServer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case c := <-s.commands:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Reader.Port = 0
	cfg.Reader.Collect = 0
	cfg.Reader.Inputs = []config.InputConfig{
		{Name: "level", Type: "float", Index: 0},
		{Name: "count", Type: "integer", Index: 2},
		{Name: "run", Type: "digital", Index: 5},
	}
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) (*Engine, *eventLog) {
	t.Helper()
	e := New(Config{AppConfig: cfg})
	log := &eventLog{}
	e.Events.Subscribe(log.add)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, log
}

func TestEngine_TelemetryRoundTrip(t *testing.T) {
	e, log := startEngine(t, testConfig())

	var f opto.Frame
	f.Floats[0] = opto.NullFloat32{Float32: 12.5, Valid: true}
	f.Ints[2] = 42
	f.Digitals[5] = true

	conn, err := net.Dial("udp", e.GetGateway().LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(opto.EncodeFrame(&f)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.Latest() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no record received")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := e.Latest()
	if v, _ := rec.Get("level"); v != float32(12.5) {
		t.Errorf("level = %v", v)
	}
	if v, _ := rec.Get("count"); v != uint32(42) {
		t.Errorf("count = %v", v)
	}
	if v, _ := rec.Get("run"); v != true {
		t.Errorf("run = %v", v)
	}

	st := e.Stats()
	if st.Batches != 1 || st.Records != 1 || !st.GatewayActive {
		t.Errorf("stats = %+v", st)
	}
	if n := len(log.ofType(EventRecordBatch)); n != 1 {
		t.Errorf("record batch events = %d, want 1", n)
	}
	if n := len(log.ofType(EventGatewayStarted)); n != 1 {
		t.Errorf("gateway started events = %d, want 1", n)
	}
}

func TestEngine_WriteDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Reader.Enabled = false
	e, _ := startEngine(t, cfg)

	if err := e.Write(context.Background(), "F0260000", true); !errors.Is(err, ErrWriterDisabled) {
		t.Errorf("err = %v, want ErrWriterDisabled", err)
	}
}

func TestEngine_WriteNotStarted(t *testing.T) {
	e := New(Config{AppConfig: testConfig()})
	if err := e.Write(context.Background(), "", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestEngine_Write(t *testing.T) {
	pac := newPACServer(t)
	cfg := testConfig()
	cfg.Reader.Enabled = false
	cfg.Writer.Enabled = true
	cfg.Writer.Host = "127.0.0.1"
	cfg.Writer.Port = pac.port()
	e, log := startEngine(t, cfg)

	encode := func(addr, data string) []byte {
		pkt, err := opto.EncodeWrite(opto.DefaultPrefix+addr, data)
		if err != nil {
			t.Fatalf("EncodeWrite: %v", err)
		}
		return pkt
	}

	// defaults from the writer block
	if err := e.Write(context.Background(), "", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := pac.next(t); !bytes.Equal(got, encode(opto.PowerUpClearAddress, opto.PowerUpClearData)) {
		t.Errorf("first command = % X, want power-up clear", got)
	}
	if got := pac.next(t); !bytes.Equal(got, encode("F0260000", "FFFFFFFF")) {
		t.Errorf("command = % X", got)
	}

	if err := e.WriteFrom(context.Background(), "mqtt", " f0270000 ", "float", 1.0); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if got := pac.next(t); !bytes.Equal(got, encode("F0270000", "3F800000")) {
		t.Errorf("command = % X", got)
	}

	done := log.ofType(EventWriteDone)
	if len(done) != 2 {
		t.Fatalf("write done events = %d, want 2", len(done))
	}
	ev := done[1].Payload.(WriteEvent)
	if ev.Address != "F0270000" || ev.Data != "3F800000" || ev.Source != "mqtt" {
		t.Errorf("event = %+v", ev)
	}

	states := log.ofType(EventWriterState)
	if len(states) != 1 || states[0].Payload.(WriteEvent).State != opto.StateConnected {
		t.Errorf("writer state events = %+v", states)
	}
	if st := e.Stats(); st.WriterState != "connected" || st.Writer.Sent != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEngine_WriteInvalidValue(t *testing.T) {
	cfg := testConfig()
	cfg.Reader.Enabled = false
	cfg.Writer.Enabled = true
	e, log := startEngine(t, cfg)

	err := e.Write(context.Background(), "F0260000", []int{1})
	if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, opto.ErrUnsupportedValueType) {
		t.Errorf("err = %v, want invalid input", err)
	}
	if n := len(log.ofType(EventWriteFailed)); n != 0 {
		t.Errorf("write failed events = %d, want 0", n)
	}
}

func TestEngine_WriteCoercionFailure(t *testing.T) {
	pac := newPACServer(t)
	cfg := testConfig()
	cfg.Reader.Enabled = false
	cfg.Writer.Enabled = true
	cfg.Writer.Host = "127.0.0.1"
	cfg.Writer.Port = pac.port()
	e, log := startEngine(t, cfg)

	err := e.WriteFrom(context.Background(), "api", "F0260000", "", -1)
	if !errors.Is(err, opto.ErrNegativeValue) {
		t.Fatalf("err = %v, want ErrNegativeValue", err)
	}

	failed := log.ofType(EventWriteFailed)
	if len(failed) != 1 {
		t.Fatalf("write failed events = %d, want 1", len(failed))
	}
	if ev := failed[0].Payload.(WriteEvent); ev.Data != "" || !errors.Is(ev.Err, opto.ErrNegativeValue) {
		t.Errorf("event = %+v", ev)
	}
	if st := e.Stats(); st.Writer.Connects != 0 {
		t.Errorf("writer connects = %d, want 0", st.Writer.Connects)
	}
}

func TestEngine_LatestKeepsNewest(t *testing.T) {
	e := New(Config{AppConfig: testConfig()})
	now := time.Now()
	newer := opto.NewRecord(now)
	older := opto.NewRecord(now.Add(-time.Second))

	e.Emit([]*opto.Record{newer})
	e.Emit([]*opto.Record{older})
	if e.Latest() != newer {
		t.Error("older record replaced the latest")
	}

	newest := opto.NewRecord(now.Add(time.Second))
	e.Emit([]*opto.Record{newest})
	if e.Latest() != newest {
		t.Error("newer record did not replace the latest")
	}
	if st := e.Stats(); st.Records != 3 {
		t.Errorf("records = %d, want 3", st.Records)
	}
}

func TestEngine_StopIdempotent(t *testing.T) {
	cfg := testConfig()
	e, _ := startEngine(t, cfg)
	e.Stop()
	e.Stop()
	if e.Running() {
		t.Error("still running after Stop")
	}
	select {
	case <-e.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestEngine_Inputs(t *testing.T) {
	e := New(Config{AppConfig: testConfig()})
	in := e.Inputs()
	if len(in) != 3 || in[0].Name != "level" {
		t.Errorf("inputs = %+v", in)
	}
	in[0].Name = "changed"
	if e.Inputs()[0].Name != "level" {
		t.Error("Inputs returned shared slice")
	}
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"optolink/config"
	"optolink/engine"
	"optolink/opto"
)

type writeCall struct {
	source, address, typeHint string
	value                     interface{}
}

type fakeBackend struct {
	cfg    *config.Config
	bus    *engine.EventBus
	latest *opto.Record

	mu       sync.Mutex
	writes   []writeCall
	writeErr error
	started  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{cfg: config.DefaultConfig(), bus: engine.NewEventBus()}
}

func (b *fakeBackend) GetConfig() *config.Config     { return b.cfg }
func (b *fakeBackend) GetEventBus() *engine.EventBus { return b.bus }
func (b *fakeBackend) Inputs() []config.InputConfig  { return b.cfg.Reader.Inputs }

func (b *fakeBackend) Latest() *opto.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *fakeBackend) setLatest(rec *opto.Record) {
	b.mu.Lock()
	b.latest = rec
	b.mu.Unlock()
}

func (b *fakeBackend) Stats() engine.Stats {
	return engine.Stats{Uptime: 90 * time.Second, Batches: 3, Records: 5, WriterState: "connected", GatewayActive: true}
}

func (b *fakeBackend) Services() []engine.ServiceStatus {
	return []engine.ServiceStatus{{Kind: engine.KindMQTT, Name: "local", Enabled: true, Running: true}}
}

func (b *fakeBackend) StartService(kind, name string) error {
	if name != "local" {
		return engine.ErrNotFound
	}
	b.mu.Lock()
	b.started = append(b.started, kind+"/"+name)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) StopService(kind, name string) error {
	if name != "local" {
		return engine.ErrNotFound
	}
	return nil
}

func (b *fakeBackend) WriteFrom(ctx context.Context, source, address, typeHint string, value interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, writeCall{source, address, typeHint, value})
	return b.writeErr
}

func (b *fakeBackend) Writes() []writeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]writeCall(nil), b.writes...)
}

func newTestServer(t *testing.T, b *fakeBackend) *httptest.Server {
	t.Helper()
	router, cleanup := NewRouter(b, &b.cfg.Web)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		cleanup()
		srv.Close()
	})
	return srv
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func postJSON(t *testing.T, c *http.Client, url, body string) *http.Response {
	t.Helper()
	resp, err := c.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, c *http.Client, url string) *http.Response {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func addUser(t *testing.T, cfg *config.Config, name, password, role string) {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	cfg.AddWebUser(config.WebUser{Username: name, PasswordHash: hash, Role: role})
}

func TestServer_StartAndStop(t *testing.T) {
	b := newFakeBackend()
	cfg := &config.WebConfig{Host: "127.0.0.1", Port: 0}
	server := NewServer(b, cfg)

	if server.IsRunning() {
		t.Error("server should not be running initially")
	}
	if got := server.Address(); got != "http://127.0.0.1:0" {
		t.Errorf("Address = %s", got)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !server.IsRunning() {
		t.Error("server should be running after Start")
	}
	if err := server.Start(); err != nil {
		t.Errorf("second Start should not error: %v", err)
	}

	resp := get(t, http.DefaultClient, server.Address()+"/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if server.IsRunning() {
		t.Error("server should not be running after Stop")
	}
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop should not error: %v", err)
	}
}

func TestServer_StartBindError(t *testing.T) {
	b := newFakeBackend()
	first := NewServer(b, &config.WebConfig{Host: "127.0.0.1", Port: 0})
	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Stop()

	port := first.listener.Addr().(*net.TCPAddr).Port
	second := NewServer(b, &config.WebConfig{Host: "127.0.0.1", Port: port})
	if err := second.Start(); err == nil {
		second.Stop()
		t.Fatal("expected bind error")
	}
}

func TestCorsMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	t.Run("sets CORS headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing Access-Control-Allow-Origin header")
		}
		if rec.Code != http.StatusTeapot {
			t.Errorf("status = %d, want passthrough", rec.Code)
		}
	})

	t.Run("handles OPTIONS preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200 for OPTIONS, got %d", rec.Code)
		}
	})
}

func TestLatest(t *testing.T) {
	b := newFakeBackend()
	srv := newTestServer(t, b)

	if resp := get(t, srv.Client(), srv.URL+"/api/latest"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status before telemetry = %d, want 404", resp.StatusCode)
	}

	rec := opto.NewRecord(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	rec.Set("level", float32(1.5))
	rec.Set("run", true)
	b.setLatest(rec)

	resp := get(t, srv.Client(), srv.URL+"/api/latest")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Timestamp string                 `json:"timestamp"`
		Values    map[string]interface{} `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Timestamp != "2024-05-06T07:08:09Z" {
		t.Errorf("timestamp = %s", body.Timestamp)
	}
	if body.Values["level"] != 1.5 || body.Values["run"] != true {
		t.Errorf("values = %v", body.Values)
	}
}

func TestStatsAndServices(t *testing.T) {
	b := newFakeBackend()
	srv := newTestServer(t, b)

	var st StatsResponse
	if err := json.NewDecoder(get(t, srv.Client(), srv.URL+"/api/stats").Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Uptime != "1m30s" || st.Batches != 3 || st.Records != 5 || st.WriterState != "connected" {
		t.Errorf("stats = %+v", st)
	}

	var services []engine.ServiceStatus
	if err := json.NewDecoder(get(t, srv.Client(), srv.URL+"/api/services").Body).Decode(&services); err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 || services[0].Name != "local" {
		t.Errorf("services = %+v", services)
	}

	if resp := postJSON(t, srv.Client(), srv.URL+"/api/services/mqtt/local/start", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("start status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, srv.Client(), srv.URL+"/api/services/mqtt/missing/stop", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("stop missing status = %d, want 404", resp.StatusCode)
	}
}

func TestWrite(t *testing.T) {
	b := newFakeBackend()
	srv := newTestServer(t, b)

	resp := postJSON(t, srv.Client(), srv.URL+"/api/write", `{"address":"F0260000","value":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var wr WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		t.Fatal(err)
	}
	if !wr.Success || wr.ID == "" || wr.Address != "F0260000" {
		t.Errorf("response = %+v", wr)
	}

	writes := b.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d", len(writes))
	}
	if writes[0].source != "api" || writes[0].address != "F0260000" {
		t.Errorf("write = %+v", writes[0])
	}
	if n, ok := writes[0].value.(json.Number); !ok || n.String() != "1" {
		t.Errorf("value = %#v, want json.Number 1", writes[0].value)
	}

	// empty body uses the writer defaults
	postJSON(t, srv.Client(), srv.URL+"/api/write", "")
	if writes := b.Writes(); len(writes) != 2 || writes[1].address != "" || writes[1].value != nil {
		t.Errorf("default write = %+v", writes)
	}
}

func TestWrite_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"invalid JSON", `{"address":`, nil, http.StatusBadRequest},
		{"writer disabled", `{}`, engine.ErrWriterDisabled, http.StatusServiceUnavailable},
		{"bad value", `{"value":-1}`, fmt.Errorf("%w: %w", engine.ErrInvalidInput, opto.ErrNegativeValue), http.StatusBadRequest},
		{"send failed", `{}`, opto.ErrSendFailed, http.StatusBadGateway},
		{"connect failed", `{}`, opto.ErrConnect, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			b.writeErr = tt.err
			srv := newTestServer(t, b)

			resp := postJSON(t, srv.Client(), srv.URL+"/api/write", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrNotFound, http.StatusNotFound},
		{engine.ErrNotRunning, http.StatusServiceUnavailable},
		{opto.ErrValueOutOfRange, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", opto.ErrSendFailed), http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAuth(t *testing.T) {
	b := newFakeBackend()
	addUser(t, b.cfg, "admin", "secret", config.RoleAdmin)
	addUser(t, b.cfg, "view", "look", config.RoleViewer)
	srv := newTestServer(t, b)

	anon := newClient(t)
	if resp := get(t, anon, srv.URL+"/api/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want public", resp.StatusCode)
	}
	if resp := get(t, anon, srv.URL+"/api/latest"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous latest = %d, want 401", resp.StatusCode)
	}
	if resp := postJSON(t, anon, srv.URL+"/api/login", `{"username":"admin","password":"wrong"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password = %d, want 401", resp.StatusCode)
	}
	if resp := postJSON(t, anon, srv.URL+"/api/login", `{"username":"admin"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing password = %d, want 400", resp.StatusCode)
	}

	viewer := newClient(t)
	if resp := postJSON(t, viewer, srv.URL+"/api/login", `{"username":"view","password":"look"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("viewer login = %d", resp.StatusCode)
	}
	if resp := get(t, viewer, srv.URL+"/api/stats"); resp.StatusCode != http.StatusOK {
		t.Errorf("viewer stats = %d", resp.StatusCode)
	}
	if resp := postJSON(t, viewer, srv.URL+"/api/write", `{}`); resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer write = %d, want 403", resp.StatusCode)
	}

	admin := newClient(t)
	resp, err := admin.PostForm(srv.URL+"/api/login", map[string][]string{"username": {"admin"}, "password": {"secret"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin form login = %d", resp.StatusCode)
	}
	if resp := postJSON(t, admin, srv.URL+"/api/write", `{"value":true}`); resp.StatusCode != http.StatusOK {
		t.Errorf("admin write = %d", resp.StatusCode)
	}
	if len(b.Writes()) != 1 {
		t.Errorf("writes = %d, want 1", len(b.Writes()))
	}

	postJSON(t, admin, srv.URL+"/api/logout", "")
	if resp := get(t, admin, srv.URL+"/api/stats"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("after logout = %d, want 401", resp.StatusCode)
	}

	// a removed user's cookie stops working
	b.cfg.Lock()
	b.cfg.RemoveWebUser("view")
	b.cfg.Unlock()
	if resp := get(t, viewer, srv.URL+"/api/stats"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("removed user = %d, want 401", resp.StatusCode)
	}
}

func TestToSSE(t *testing.T) {
	rec := opto.NewRecord(time.Unix(0, 0))
	tests := []struct {
		name string
		in   engine.Event
		want string
		ok   bool
	}{
		{"record", engine.Event{Type: engine.EventRecordBatch, Payload: engine.RecordBatchEvent{Records: []*opto.Record{rec}}}, eventRecord, true},
		{"empty batch", engine.Event{Type: engine.EventRecordBatch, Payload: engine.RecordBatchEvent{}}, "", false},
		{"write", engine.Event{Type: engine.EventWriteDone, Payload: engine.WriteEvent{Address: "F0260000"}}, eventWrite, true},
		{"writer state", engine.Event{Type: engine.EventWriterState, Payload: engine.WriteEvent{State: opto.StateConnected}}, eventWriter, true},
		{"service", engine.Event{Type: engine.EventServiceFailed, Payload: engine.ServiceEvent{Kind: "mqtt", Err: errors.New("x")}}, eventService, true},
		{"other", engine.Event{Type: engine.EventGatewayStarted, Payload: engine.SystemEvent{}}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toSSE(tt.in)
			if ok != tt.ok || got.Type != tt.want {
				t.Errorf("toSSE = %q, %v; want %q, %v", got.Type, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSSE(t *testing.T) {
	b := newFakeBackend()
	srv := newTestServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/events?types=write", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for SSE line")
			return ""
		}
	}

	if l := next(); l != "event: connected" {
		t.Fatalf("first line = %q", l)
	}
	next() // data
	next() // blank

	// the client is registered before "connected" is written
	b.bus.Emit(engine.Event{Type: engine.EventServiceStarted, Payload: engine.ServiceEvent{Kind: "mqtt"}}) // filtered
	b.bus.Emit(engine.Event{Type: engine.EventWriteDone, Payload: engine.WriteEvent{Address: "F0260000", Data: "FFFFFFFF", Source: "api"}})

	if l := next(); l != "event: write" {
		t.Fatalf("event line = %q", l)
	}
	data := strings.TrimPrefix(next(), "data: ")
	var u writeUpdate
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		t.Fatalf("data %q: %v", data, err)
	}
	if u.Address != "F0260000" || u.Data != "FFFFFFFF" || !u.Success {
		t.Errorf("update = %+v", u)
	}
}

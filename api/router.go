package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"optolink/config"
	"optolink/engine"
	"optolink/logging"
	"optolink/opto"
)

// Backend is the part of the engine the API serves.
type Backend interface {
	GetConfig() *config.Config
	GetEventBus() *engine.EventBus
	Latest() *opto.Record
	Stats() engine.Stats
	Inputs() []config.InputConfig
	Services() []engine.ServiceStatus
	StartService(kind, name string) error
	StopService(kind, name string) error
	WriteFrom(ctx context.Context, source, address, typeHint string, value interface{}) error
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Gateway     bool   `json:"gateway"`
	WriterState string `json:"writer_state"`
	Timestamp   string `json:"timestamp"`
}

// LatestResponse is returned by GET /api/latest.
type LatestResponse struct {
	Timestamp string       `json:"timestamp"`
	Values    *opto.Record `json:"values"`
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	Uptime      string            `json:"uptime"`
	Batches     uint64            `json:"batches"`
	Records     uint64            `json:"records"`
	LastRecord  string            `json:"last_record,omitempty"`
	Gateway     opto.GatewayStats `json:"gateway"`
	Writer      opto.WriterStats  `json:"writer"`
	WriterState string            `json:"writer_state"`
	MQTT        bool              `json:"mqtt"`
	Valkey      bool              `json:"valkey"`
	Kafka       bool              `json:"kafka"`
}

// WriteRequest is the body of POST /api/write. Address and value may be
// omitted to use the configured defaults.
type WriteRequest struct {
	Address string      `json:"address,omitempty"`
	Type    string      `json:"type,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

// WriteResponse is returned by POST /api/write.
type WriteResponse struct {
	ID        string      `json:"id"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type handlers struct {
	backend  Backend
	sessions *sessionStore
	hub      *eventHub
	timeout  time.Duration
}

// NewRouter creates the REST API router. The returned cleanup function
// detaches the SSE hub from the event bus.
func NewRouter(backend Backend, cfg *config.WebConfig) (chi.Router, func()) {
	h := &handlers{
		backend:  backend,
		sessions: newSessionStore(cfg.SessionSecret),
		hub:      newEventHub(),
		timeout:  10 * time.Second,
	}
	cleanup := h.setupSSE()

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware)
			r.Get("/latest", h.handleLatest)
			r.Get("/stats", h.handleStats)
			r.Get("/inputs", h.handleInputs)
			r.Get("/services", h.handleServices)
			r.Get("/events", h.handleSSE)

			r.Group(func(r chi.Router) {
				r.Use(h.adminOnlyMiddleware)
				r.Post("/write", h.handleWrite)
				r.Post("/services/{kind}/{name}/start", h.handleServiceStart)
				r.Post("/services/{kind}/{name}/stop", h.handleServiceStop)
			})
		})
	})
	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine and writer errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	h.writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, opto.ErrMalformedCommand),
		errors.Is(err, opto.ErrNegativeValue), errors.Is(err, opto.ErrValueOutOfRange),
		errors.Is(err, opto.ErrUnsupportedValueType):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrWriterDisabled), errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, opto.ErrConnect), errors.Is(err, opto.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.backend.Stats()
	h.writeJSON(w, HealthResponse{
		Status:      "ok",
		Gateway:     st.GatewayActive,
		WriterState: st.WriterState,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec := h.backend.Latest()
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "no telemetry received yet")
		return
	}
	h.writeJSON(w, LatestResponse{
		Timestamp: rec.Time.UTC().Format(time.RFC3339Nano),
		Values:    rec,
	})
}

func (h *handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	st := h.backend.Stats()
	resp := StatsResponse{
		Uptime:      st.Uptime.Truncate(time.Second).String(),
		Batches:     st.Batches,
		Records:     st.Records,
		Gateway:     st.Gateway,
		Writer:      st.Writer,
		WriterState: st.WriterState,
		MQTT:        st.MQTT,
		Valkey:      st.Valkey,
		Kafka:       st.Kafka,
	}
	if !st.LastRecord.IsZero() {
		resp.LastRecord = st.LastRecord.UTC().Format(time.RFC3339Nano)
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleInputs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.backend.Inputs())
}

func (h *handlers) handleServices(w http.ResponseWriter, r *http.Request) {
	services := h.backend.Services()
	if services == nil {
		services = []engine.ServiceStatus{}
	}
	h.writeJSON(w, services)
}

func (h *handlers) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	kind, name := serviceParams(r)
	if err := h.backend.StartService(kind, name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "started"})
}

func (h *handlers) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	kind, name := serviceParams(r)
	if err := h.backend.StopService(kind, name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "stopped"})
}

func serviceParams(r *http.Request) (kind, name string) {
	kind, _ = url.PathUnescape(chi.URLParam(r, "kind"))
	name, _ = url.PathUnescape(chi.URLParam(r, "name"))
	return kind, name
}

// handleWrite sends one register write. Numbers keep their literal form so
// 1 is an integer and 1.0 a float.
func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req WriteRequest
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	err = h.backend.WriteFrom(ctx, "api", req.Address, req.Type, req.Value)

	resp := WriteResponse{
		ID:        uuid.NewString(),
		Address:   req.Address,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	logging.DebugLog("api", "write %s %s = %v -> success=%v", resp.ID, req.Address, req.Value, err == nil)
	if err != nil {
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(resp)
		return
	}
	h.writeJSON(w, resp)
}

// handleLogin accepts a JSON body or a form post.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	} else {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}
	if req.Username == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	cfg := h.backend.GetConfig()
	cfg.Lock()
	var user *config.WebUser
	if u := cfg.FindWebUser(req.Username); u != nil {
		copied := *u
		user = &copied
	}
	cfg.Unlock()

	if user == nil || !checkPassword(req.Password, user.PasswordHash) {
		logging.DebugLog("api", "login failed for %q", req.Username)
		h.writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := h.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		h.writeError(w, http.StatusInternalServerError, "session error: "+err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"username": user.Username, "role": user.Role})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	h.writeJSON(w, map[string]string{"status": "logged out"})
}

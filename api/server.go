// Package api serves the REST API: telemetry, counters, service control
// and register writes, with optional session login.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"optolink/config"
	"optolink/logging"
)

// Server is the REST API server.
type Server struct {
	backend  Backend
	config   *config.WebConfig
	server   *http.Server
	listener net.Listener
	cleanup  func()
	running  bool
	mu       sync.RWMutex
}

func NewServer(backend Backend, cfg *config.WebConfig) *Server {
	return &Server{
		backend: backend,
		config:  cfg,
	}
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start binds the listen address and serves in the background. Bind
// errors are returned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}

	router, cleanup := NewRouter(s.backend, s.config)
	srv := &http.Server{
		Handler:           corsMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.listener = ln
	s.cleanup = cleanup
	s.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.DebugLog("api", "server error: %v", err)
			s.mu.Lock()
			if s.server == srv {
				s.running = false
			}
			s.mu.Unlock()
		}
	}()

	logging.DebugLog("api", "listening on %s", ln.Addr())
	return nil
}

// Stop shuts the server down, waiting up to 5s for requests to finish.
// SSE streams are ended first so Shutdown does not wait on them.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	s.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.listener = nil
	return err
}

// Address returns the base URL, using the bound port while running.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return fmt.Sprintf("http://%s:%d", s.config.Host, tcp.Port)
		}
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

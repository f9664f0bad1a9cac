// Package api provides the HTTP interface to the polled device: JSON
// status and variable endpoints, SSE and WebSocket change streams, and
// authenticated writes.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"sumlink/config"
	"sumlink/logging"
	"sumlink/poller"
	"sumlink/record"
	"sumlink/sumread"
)

// Device is the polled device behind the API. *poller.Poller implements it.
type Device interface {
	Snapshot() poller.Snapshot
	Variables() []*sumread.Variable
	Read(name string) (record.Result, error)
	Write(name string, value interface{}) (record.Result, error)
	Report(w io.Writer, details int)
}

// Server is the HTTP API server.
type Server struct {
	cfg      *config.Config
	device   Device
	sessions *sessionStore
	router   chi.Router

	hub     *eventHub
	server  *http.Server
	running bool
	mu      sync.RWMutex
}

// NewServer creates an API server for device. Users and the session secret
// come from cfg.REST.
func NewServer(cfg *config.Config, device Device) *Server {
	s := &Server{
		cfg:      cfg,
		device:   device,
		sessions: newSessionStore(cfg.REST.SessionSecret),
		hub:      newEventHub(),
	}
	s.router = s.newRouter()
	return s
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

// Handler returns the router. Useful for tests and for mounting elsewhere.
func (s *Server) Handler() http.Handler {
	return s.router
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.hub.stopped() {
		s.hub = newEventHub()
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.REST.Host, s.cfg.REST.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("API"), "", 0),
	}

	srv := s.server
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugLog("API", "server stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop closes the event streams and halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	// Streams hold their requests open; end them before Shutdown waits.
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.REST.Host, s.cfg.REST.Port)
}

func (s *Server) currentHub() *eventHub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub
}

// Publish streams value changes to connected SSE and WebSocket clients.
func (s *Server) Publish(changes []poller.ValueChange) {
	hub := s.currentHub()
	for _, c := range changes {
		hub.Broadcast(event{
			Type:     eventValueChange,
			Variable: c.Name,
			Data: valueUpdate{
				Device:    c.Device,
				Variable:  c.Name,
				Type:      c.TypeName,
				Value:     c.Value,
				Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
	}
}

// PublishHealth streams a device health event.
func (s *Server) PublishHealth(snap poller.Snapshot) {
	s.currentHub().Broadcast(event{
		Type: eventHealth,
		Data: healthResponse(snap, time.Now()),
	})
}

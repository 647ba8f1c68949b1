// Package bridge serves the HTTP surface that turns text requests into chat
// session turns.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/user/llmtunnel/internal/session"
)

// MaxBodyBytes bounds the size of a request body.
const MaxBodyBytes = 1 << 20

// Envelope contents for failed requests.
const (
	ContentError    = "ERROR"
	ContentNotReady = "NOT_READY"
)

var (
	// ErrMalformedRequest is returned for bodies without a non-empty string
	// "text" field.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrSessionNotBound is returned while no session is bound.
	ErrSessionNotBound = errors.New("session not bound")
)

// Conversation is the chat session the bridge forwards turns to.
type Conversation interface {
	Turn(ctx context.Context, text string) (string, error)
	Stats() session.Stats
}

// Envelope is the JSON body of every /text response.
type Envelope struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

// State reports whether the bridge is listening and bound.
type State struct {
	Listening bool `json:"listening"`
	Bound     bool `json:"bound"`
}

// Server routes HTTP requests to a bound Conversation.
type Server struct {
	addr string
	mux  *http.ServeMux

	mu        sync.RWMutex
	conv      Conversation
	srv       *http.Server
	ln        net.Listener
	listening bool
	done      chan struct{}
	serveErr  error
}

// NewServer returns a Server that will listen on addr.
func NewServer(addr string) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
		done: make(chan struct{}),
	}
	s.mux.HandleFunc("POST /text", s.handleText)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Bind attaches the conversation. Requests arriving earlier are answered
// as not ready.
func (s *Server) Bind(c Conversation) {
	s.mu.Lock()
	s.conv = c
	s.mu.Unlock()
}

// State returns the listening and bound flags.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{Listening: s.listening, Bound: s.conv != nil}
}

func (s *Server) conversation() (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conv == nil {
		return nil, ErrSessionNotBound
	}
	return s.conv, nil
}

// Start binds the listener and serves in the background. Listen errors are
// returned immediately.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("bridge already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.ln = ln
	s.listening = true
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(s.done)
		err := s.srv.Serve(ln)

		s.mu.Lock()
		s.listening = false
		if !errors.Is(err, http.ErrServerClosed) {
			s.serveErr = err
		}
		s.mu.Unlock()
	}()

	slog.Info("bridge listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Done is closed when the server stops serving for any reason.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped serving, or nil after a clean
// shutdown.
func (s *Server) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serveErr
}

// Shutdown stops accepting requests, waits for in-flight requests up to the
// ctx deadline and waits for the serve goroutine to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		// Deadline hit with requests still running.
		srv.Close()
	}
	<-s.done
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

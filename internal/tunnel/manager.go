// Package tunnel exposes a local port through a public tunnel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/llmtunnel/internal/retry"
)

var (
	// ErrTunnelAuth is returned when no usable credential is available or
	// the provider rejects it.
	ErrTunnelAuth = errors.New("tunnel authentication failed")
	// ErrTunnelOpen is returned when the provider cannot open the mapping.
	ErrTunnelOpen = errors.New("tunnel open failed")
	// ErrTunnelAlreadyOpen is returned by Open while a tunnel is active.
	ErrTunnelAlreadyOpen = errors.New("tunnel already open")
)

// Tunnel is an open public mapping.
type Tunnel interface {
	URL() string
	Close() error
}

// Provider opens tunnels to local ports. Errors should wrap ErrTunnelAuth
// when the credential was rejected.
type Provider interface {
	Open(ctx context.Context, token string, port int) (Tunnel, error)
}

// Prompter asks the operator for a credential.
type Prompter func() (string, error)

// State describes the tunnel lifecycle.
type State int

const (
	StateAbsent State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// Info is a snapshot of the manager.
type Info struct {
	Port  int
	URL   string
	State State
}

// Manager owns at most one tunnel at a time.
type Manager struct {
	provider Provider
	retry    *retry.Policy

	mu     sync.Mutex
	token  string
	port   int
	tunnel Tunnel
	state  State
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy retries transient open failures. Rejected credentials are
// never retried.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(m *Manager) { m.retry = p }
}

// NewManager returns a Manager using provider.
func NewManager(provider Provider, opts ...Option) *Manager {
	m := &Manager{provider: provider}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authenticate sets the credential. An empty token is requested through
// prompt; a prompt that yields nothing fails with ErrTunnelAuth.
func (m *Manager) Authenticate(token string, prompt Prompter) error {
	token = strings.TrimSpace(token)
	if token == "" && prompt != nil {
		var err error
		token, err = prompt()
		if err != nil {
			return fmt.Errorf("%w: read token: %w", ErrTunnelAuth, err)
		}
		token = strings.TrimSpace(token)
	}
	if token == "" {
		return fmt.Errorf("%w: no authtoken provided", ErrTunnelAuth)
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

// Open maps port to a public URL and returns it.
func (m *Manager) Open(ctx context.Context, port int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOpen {
		return "", fmt.Errorf("%w: %s", ErrTunnelAlreadyOpen, m.tunnel.URL())
	}
	if m.token == "" {
		return "", fmt.Errorf("%w: not authenticated", ErrTunnelAuth)
	}

	var tun Tunnel
	open := func(ctx context.Context) error {
		var err error
		tun, err = m.provider.Open(ctx, m.token, port)
		return err
	}

	var err error
	if m.retry != nil {
		err = m.retry.Do(ctx, open)
	} else {
		err = open(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrTunnelAuth) {
			return "", err
		}
		return "", fmt.Errorf("%w: port %d: %w", ErrTunnelOpen, port, err)
	}

	m.tunnel = tun
	m.port = port
	m.state = StateOpen
	slog.Info("tunnel opened", "port", port, "url", tun.URL())
	return tun.URL(), nil
}

// Close tears the tunnel down. Closing a closed or never-opened manager is
// a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen {
		return nil
	}

	tun := m.tunnel
	m.tunnel = nil
	m.state = StateClosed

	done := make(chan error, 1)
	go func() { done <- tun.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close tunnel: %w", err)
		}
		slog.Info("tunnel closed", "port", m.port)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close tunnel: %w", ctx.Err())
	}
}

// Info returns the current port, URL and state.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{Port: m.port, State: m.state}
	if m.tunnel != nil {
		info.URL = m.tunnel.URL()
	}
	return info
}

// Package session owns the single conversation held against the inference
// engine: an ordered history seeded with a system prompt, mutated only by
// serialized turns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/llmtunnel/pkg/llm"
)

var (
	// ErrEngineLoad is returned by New when the engine cannot be loaded.
	ErrEngineLoad = errors.New("engine load failed")
	// ErrTurnFailed wraps every engine failure during a turn.
	ErrTurnFailed = errors.New("engine turn failed")
	// ErrEngineTimeout is additionally matched when a turn exceeds TurnTimeout.
	ErrEngineTimeout = errors.New("engine timed out")
	// ErrClosed is returned by Turn after Close.
	ErrClosed = errors.New("session closed")

	errEmptyCompletion = errors.New("empty completion")
)

// Engine is a loaded inference engine exclusively owned by one Session.
type Engine interface {
	llm.Provider
	Close() error
}

// Loader loads an engine for the given parameters. It is called exactly once
// per Session and may block for minutes.
type Loader func(ctx context.Context, p Params) (Engine, error)

// Params configures a Session.
type Params struct {
	ModelName    string
	ModelPath    string
	ChatFormat   string
	SystemPrompt string
	CtxSize      int

	// TurnTimeout bounds each engine call; zero waits indefinitely.
	TurnTimeout time.Duration
}

// Session is one conversation bound to one engine. Turns are serialized in
// arrival order; a failed turn leaves the history exactly as it was before
// the call.
type Session struct {
	params Params
	engine Engine
	tokens TokenCounter

	// turn is the serialization point; its waiters are served FIFO.
	turn *semaphore.Weighted

	mu      sync.RWMutex
	history []llm.Message
	closed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithTokenCounter enables history size estimates in Stats and context
// window warnings.
func WithTokenCounter(c TokenCounter) Option {
	return func(s *Session) { s.tokens = c }
}

// New loads the engine and seeds the history with the system prompt.
func New(ctx context.Context, load Loader, p Params, opts ...Option) (*Session, error) {
	if p.ModelPath == "" {
		return nil, fmt.Errorf("%w: no model path", ErrEngineLoad)
	}

	start := time.Now()
	eng, err := load(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineLoad, err)
	}
	slog.Info("engine loaded", "model", p.ModelName, "ctx_size", p.CtxSize, "elapsed", time.Since(start).Round(time.Millisecond))

	s := &Session{
		params:  p,
		engine:  eng,
		turn:    semaphore.NewWeighted(1),
		history: []llm.Message{{Role: llm.RoleSystem, Content: p.SystemPrompt}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Turn appends text as a user message, sends the full history to the engine
// and appends the reply. Waiting for an earlier turn can be cancelled
// through ctx; once the engine call starts it runs to completion (or to
// TurnTimeout) regardless of ctx.
func (s *Session) Turn(ctx context.Context, text string) (string, error) {
	if err := s.turn.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.turn.Release(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: text})
	messages := slices.Clone(s.history)
	s.mu.Unlock()

	callCtx := context.WithoutCancel(ctx)
	if s.params.TurnTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.params.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.engine.Complete(callCtx, messages)
	var content string
	if err == nil {
		content = strings.TrimSpace(resp.Content)
		if content == "" {
			err = errEmptyCompletion
		}
	}

	if err != nil {
		s.mu.Lock()
		s.history = s.history[:len(s.history)-1]
		s.mu.Unlock()

		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w after %s: %w", ErrTurnFailed, ErrEngineTimeout, s.params.TurnTimeout, err)
		}
		return "", fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}

	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: content})
	s.mu.Unlock()

	slog.Debug("turn completed", "elapsed", time.Since(start).Round(time.Millisecond), "output_tokens", resp.Usage.OutputTokens)
	s.warnIfNearWindow()
	return content, nil
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// Len returns the number of messages in the history, including the system
// prompt.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// ModelName returns the registry name of the bound model.
func (s *Session) ModelName() string {
	return s.params.ModelName
}

// Close waits for an in-flight turn to finish, or for ctx to expire, and
// releases the engine. Killing the engine also ends a hung turn.
func (s *Session) Close(ctx context.Context) error {
	acquired := s.turn.Acquire(ctx, 1) == nil
	if acquired {
		defer s.turn.Release(1)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if !acquired {
		slog.Warn("closing engine with a turn still in flight")
	}
	return s.engine.Close()
}

package session

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the template tokens wrapped around each
// message by chat formats such as chatml.
const perMessageOverhead = 4

// windowWarnRatio is the share of the context window at which a warning is
// logged after a turn.
const windowWarnRatio = 0.9

// TokenCounter estimates the token count of a text.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter estimates tokens with the cl100k_base encoding. Local
// models use their own vocabularies, so counts are approximations.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the token count for a string.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Stats summarizes the session for status reporting.
type Stats struct {
	Model           string `json:"model"`
	Messages        int    `json:"messages"`
	Turns           int    `json:"turns"`
	CtxSize         int    `json:"ctx_size"`
	EstimatedTokens int    `json:"estimated_tokens,omitempty"`
}

// Stats returns the current history size. EstimatedTokens is zero when no
// TokenCounter is configured.
func (s *Session) Stats() Stats {
	history := s.History()
	st := Stats{
		Model:    s.params.ModelName,
		Messages: len(history),
		Turns:    (len(history) - 1) / 2,
		CtxSize:  s.params.CtxSize,
	}
	if s.tokens != nil {
		for _, m := range history {
			st.EstimatedTokens += s.tokens.Count(m.Content) + perMessageOverhead
		}
	}
	return st
}

func (s *Session) warnIfNearWindow() {
	if s.tokens == nil || s.params.CtxSize <= 0 {
		return
	}
	st := s.Stats()
	if float64(st.EstimatedTokens) >= windowWarnRatio*float64(st.CtxSize) {
		slog.Warn("conversation is approaching the context window", "estimated_tokens", st.EstimatedTokens, "ctx_size", st.CtxSize, "turns", st.Turns)
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/user/llmtunnel/internal/session"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeMalformed Outcome = "malformed"
	OutcomeNotReady  Outcome = "not_ready"
	OutcomeFailed    Outcome = "turn_failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCanceled  Outcome = "canceled"
)

// Request records one /text request for logging.
type Request struct {
	ID         string
	ReceivedAt time.Time
	EndedAt    time.Time
	Outcome    Outcome
	Err        error
}

func newRequest() *Request {
	return &Request{ID: uuid.New().String(), ReceivedAt: time.Now()}
}

func (r *Request) finish(o Outcome, err error) {
	r.Outcome = o
	r.Err = err
	r.EndedAt = time.Now()
}

func (r *Request) log() {
	attrs := []any{
		"request_id", r.ID,
		"outcome", string(r.Outcome),
		"elapsed", r.EndedAt.Sub(r.ReceivedAt).Round(time.Millisecond),
	}
	switch r.Outcome {
	case OutcomeOK:
		slog.Info("text request handled", attrs...)
	case OutcomeMalformed, OutcomeNotReady, OutcomeCanceled:
		slog.Warn("text request rejected", append(attrs, "error", r.Err)...)
	default:
		slog.Error("text request failed", append(attrs, "error", r.Err)...)
	}
}

type textRequest struct {
	Text *string `json:"text"`
}

func decodeText(w http.ResponseWriter, r *http.Request) (string, error) {
	var req textRequest
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if req.Text == nil {
		return "", fmt.Errorf("%w: missing text", ErrMalformedRequest)
	}
	if *req.Text == "" {
		return "", fmt.Errorf("%w: empty text", ErrMalformedRequest)
	}
	return *req.Text, nil
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	req := newRequest()
	w.Header().Set("X-Request-ID", req.ID)
	defer req.log()

	text, err := decodeText(w, r)
	if err != nil {
		req.finish(OutcomeMalformed, err)
		writeJSON(w, http.StatusBadRequest, Envelope{Content: ContentError})
		return
	}

	conv, err := s.conversation()
	if err != nil {
		req.finish(OutcomeNotReady, err)
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Content: ContentNotReady})
		return
	}

	content, err := conv.Turn(r.Context(), text)
	switch {
	case err == nil:
		req.finish(OutcomeOK, nil)
		writeJSON(w, http.StatusOK, Envelope{Success: true, Content: content})
	case errors.Is(err, session.ErrEngineTimeout):
		req.finish(OutcomeTimeout, err)
		writeJSON(w, http.StatusOK, Envelope{Content: ContentError})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		req.finish(OutcomeCanceled, err)
		writeJSON(w, http.StatusOK, Envelope{Content: ContentError})
	default:
		req.finish(OutcomeFailed, err)
		writeJSON(w, http.StatusOK, Envelope{Content: ContentError})
	}
}

type healthResponse struct {
	Status string `json:"status"`
	State
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.State()
	resp := healthResponse{Status: "loading", State: st}
	if st.Bound {
		resp.Status = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversation()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Content: ContentNotReady})
		return
	}
	writeJSON(w, http.StatusOK, conv.Stats())
}

//go:build integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/llmtunnel/internal/bridge"
	"github.com/user/llmtunnel/internal/registry"
	"github.com/user/llmtunnel/internal/session"
	"github.com/user/llmtunnel/internal/tunnel"
	"github.com/user/llmtunnel/pkg/llm"
	"github.com/user/llmtunnel/pkg/llm/openai"
)

// clientEngine adapts an OpenAI-compatible client to session.Engine.
type clientEngine struct {
	*openai.Client
}

func (clientEngine) Close() error { return nil }

// localTunnel "publishes" the local port as itself.
type localTunnel struct{ url string }

func (t localTunnel) URL() string  { return t.url }
func (t localTunnel) Close() error { return nil }

type localProvider struct{}

func (localProvider) Open(_ context.Context, _ string, port int) (tunnel.Tunnel, error) {
	return localTunnel{url: fmt.Sprintf("http://127.0.0.1:%d", port)}, nil
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()

	// Model download source.
	models := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("GGUF fake weights"))
	}))
	defer models.Close()

	// OpenAI-compatible engine that echoes the last message and the history
	// length it received.
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1].Content
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`,
			fmt.Sprintf("%d:%s", len(req.Messages), last))
	}))
	defer llmServer.Close()

	reg, err := registry.New(map[string]registry.Descriptor{
		"tiny": {Name: "tiny", DownloadURL: models.URL + "/tiny.gguf", ChatFormat: "chatml"},
	}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	desc, err := reg.Resolve("tiny")
	if err != nil {
		t.Fatal(err)
	}
	modelPath, err := reg.Materialize(ctx, desc)
	if err != nil {
		t.Fatal(err)
	}

	loader := func(context.Context, session.Params) (session.Engine, error) {
		return clientEngine{openai.New(&llm.Config{BaseURL: llmServer.URL + "/v1", Model: "tiny"})}, nil
	}
	sess, err := session.New(ctx, loader, session.Params{ModelName: "tiny", ModelPath: modelPath, SystemPrompt: "sys"})
	if err != nil {
		t.Fatal(err)
	}

	srv := bridge.NewServer("127.0.0.1:0")
	srv.Bind(sess)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}

	var port int
	fmt.Sscanf(srv.Addr()[strings.LastIndex(srv.Addr(), ":")+1:], "%d", &port)

	tm := tunnel.NewManager(localProvider{})
	if err := tm.Authenticate("tok", nil); err != nil {
		t.Fatal(err)
	}
	publicURL, err := tm.Open(ctx, port)
	if err != nil {
		t.Fatal(err)
	}

	post := func(body string) bridge.Envelope {
		resp, err := http.Post(publicURL+"/text", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var env bridge.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatal(err)
		}
		return env
	}

	if env := post(`{"text":"hello"}`); !env.Success || env.Content != "2:hello" {
		t.Errorf("first turn: %+v", env)
	}
	if env := post(`{}`); env.Success || env.Content != "ERROR" {
		t.Errorf("malformed: %+v", env)
	}
	if env := post(`{"text":"again"}`); !env.Success || env.Content != "4:again" {
		t.Errorf("second turn: %+v", env)
	}
	if sess.Len() != 5 {
		t.Errorf("expected 5 messages, got %d", sess.Len())
	}

	done := make(chan error, 1)
	go func() { done <- closeAll(tm, srv, sess) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	if _, err := http.Post(publicURL+"/text", "application/json", strings.NewReader(`{"text":"late"}`)); err == nil {
		t.Error("bridge still accepting after shutdown")
	}
}

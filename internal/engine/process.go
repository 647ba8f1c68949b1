// Package engine runs a llama-server subprocess as the inference engine
// behind a chat session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/user/llmtunnel/pkg/llm"
	"github.com/user/llmtunnel/pkg/llm/openai"
)

// ErrExited is returned when the subprocess exits before becoming healthy.
var ErrExited = errors.New("llama-server exited")

// Process manages a llama-server subprocess serving one model.
type Process struct {
	cmd       *exec.Cmd
	modelName string
	baseURL   string
	client    *openai.Client
	health    *http.Client

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Start launches llama-server for the model at modelPath and blocks until it
// reports healthy, the startup timeout passes, or ctx is done. Loading large
// models can take minutes.
func Start(ctx context.Context, modelPath string, opts Options) (*Process, error) {
	binPath, err := resolveBinary(opts.BinPath)
	if err != nil {
		return nil, err
	}

	if opts.Port == 0 {
		port, err := allocatePort()
		if err != nil {
			return nil, err
		}
		opts.Port = port
	}

	args := buildArgs(modelPath, opts)

	// The subprocess must outlive ctx, which only bounds the health wait.
	command := exec.Command
	if opts.command != nil {
		command = opts.command
	}
	cmd := command(binPath, args...)
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	slog.Info("starting llama-server", "bin", binPath, "model", modelPath, "port", opts.Port, "ctx_size", opts.CtxSize, "chat_template", ChatTemplate(opts.ChatFormat))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", opts.Port)
	p := &Process{
		cmd:       cmd,
		modelName: filepath.Base(modelPath),
		baseURL:   baseURL,
		client:    openai.New(&llm.Config{BaseURL: baseURL + "/v1", Model: filepath.Base(modelPath)}),
		health:    &http.Client{Timeout: 5 * time.Second},
		exited:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	timeout := opts.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().StartupTimeout
	}
	if err := p.waitForHealth(ctx, timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("llama-server failed to start: %w", err)
	}

	slog.Info("llama-server ready", "port", opts.Port, "model", p.modelName)
	return p, nil
}

func buildArgs(modelPath string, opts Options) []string {
	args := []string{
		"--model", modelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(opts.Port),
		"--ctx-size", strconv.Itoa(opts.CtxSize),
	}

	if opts.GPULayers >= 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(opts.GPULayers))
	} else {
		args = append(args, "--n-gpu-layers", "999")
	}

	if opts.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(opts.Threads))
	}

	if opts.ChatFormat != "" {
		args = append(args, "--chat-template", ChatTemplate(opts.ChatFormat))
	}
	return args
}

func resolveBinary(bin string) (string, error) {
	if bin == "" {
		bin = DefaultOptions().BinPath
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("llama-server not found (%s): install llama.cpp or set engine.bin_path: %w", bin, err)
	}
	return path, nil
}

func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func (p *Process) waitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for llama-server to become ready after %s", timeout)
		case <-p.exited:
			return fmt.Errorf("%w: %v", ErrExited, p.waitErr)
		case <-ticker.C:
			if err := p.Health(ctx); err == nil {
				return nil
			}
		}
	}
}

// Health returns nil once the model is loaded and serving.
func (p *Process) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := p.health.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Complete sends the message history to the engine.
func (p *Process) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	select {
	case <-p.exited:
		return nil, fmt.Errorf("%w: %v", ErrExited, p.waitErr)
	default:
	}
	return p.client.Complete(ctx, messages)
}

// ModelName returns the file name of the loaded model.
func (p *Process) ModelName() string {
	return p.modelName
}

// Close kills the subprocess and waits for it to exit. Safe to call more
// than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		slog.Info("stopping llama-server", "pid", p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.closeErr = fmt.Errorf("kill llama-server: %w", err)
			return
		}
		<-p.exited
	})
	return p.closeErr
}

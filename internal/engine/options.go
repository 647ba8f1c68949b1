package engine

import (
	"io"
	"os/exec"
	"time"
)

// Options configures how the llama-server subprocess loads and serves a model.
type Options struct {
	// BinPath is the llama-server executable, resolved through PATH when it
	// has no directory component.
	BinPath string

	// Port for the subprocess to listen on; 0 picks a free port.
	Port int

	// CtxSize is the context window size in tokens.
	CtxSize int

	// GPULayers is the number of layers to offload to GPU (-1 = all).
	GPULayers int

	// Threads is the number of CPU threads to use (0 = auto).
	Threads int

	// ChatFormat selects the prompt template, e.g. "chatml".
	ChatFormat string

	// StartupTimeout bounds how long Start waits for the model to load.
	StartupTimeout time.Duration

	// Output receives the subprocess stdout and stderr. Nil discards it.
	Output io.Writer

	command func(name string, args ...string) *exec.Cmd
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		BinPath:        "llama-server",
		CtxSize:        4096,
		GPULayers:      -1,
		StartupTimeout: 10 * time.Minute,
	}
}

// GPULayersForDevice maps a device name to a layer offload count:
// "cuda" (or any GPU backend) offloads everything, "cpu" offloads nothing.
func GPULayersForDevice(device string) int {
	if device == "cpu" {
		return 0
	}
	return -1
}

// chatTemplates maps chat format tags used in model registries onto the
// built-in template names llama-server understands.
var chatTemplates = map[string]string{
	"chatml":           "chatml",
	"llama-2":          "llama2",
	"llama-3":          "llama3",
	"mistral-instruct": "mistral-v1",
	"gemma":            "gemma",
	"zephyr":           "zephyr",
	"vicuna":           "vicuna",
	"openchat":         "openchat",
	"phi-3":            "phi3",
}

// ChatTemplate returns the llama-server template name for a chat format.
// Unknown formats are passed through unchanged.
func ChatTemplate(format string) string {
	if t, ok := chatTemplates[format]; ok {
		return t
	}
	return format
}

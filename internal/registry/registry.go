// Package registry resolves symbolic model names to GGUF artifacts on disk,
// downloading them on first use.
package registry

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/user/llmtunnel/internal/retry"
)

var (
	// ErrUnknownModel is returned for names absent from the registry.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnknownKey is returned by Info for keys absent from a model entry.
	ErrUnknownKey = errors.New("unknown key")
	// ErrInvalidEntry is returned when a registry entry is missing required fields.
	ErrInvalidEntry = errors.New("invalid registry entry")
)

const (
	KeyDownloadURL = "download_url"
	KeyChatFormat  = "chat_format"
)

// Descriptor describes one downloadable model. It is immutable once loaded.
type Descriptor struct {
	Name        string
	DownloadURL string
	ChatFormat  string

	// Extra holds any additional per-model keys from the registry file.
	Extra map[string]string
}

// BuiltinModels is used when no registry file is configured.
var BuiltinModels = map[string]Descriptor{
	"mistral-7b-openorca-q5": {
		Name:        "mistral-7b-openorca-q5",
		DownloadURL: "https://huggingface.co/TheBloke/Mistral-7B-OpenOrca-GGUF/resolve/main/mistral-7b-openorca.Q5_K_M.gguf",
		ChatFormat:  "chatml",
	},
}

// ProgressFunc is called periodically during a download.
type ProgressFunc func(downloaded, total int64)

// Registry maps model names to descriptors and materializes their artifacts
// under a models directory.
type Registry struct {
	models     map[string]Descriptor
	dir        string
	httpClient *http.Client
	retry      *retry.Policy
	progress   ProgressFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Registry) { r.httpClient = hc }
}

// WithRetryPolicy sets the backoff policy for downloads.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(r *Registry) { r.retry = p }
}

// WithProgress sets a download progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Registry) { r.progress = fn }
}

// New creates a Registry over the given descriptors. Every entry must have a
// download URL and a chat format.
func New(models map[string]Descriptor, dir string, opts ...Option) (*Registry, error) {
	r := &Registry{
		models:     make(map[string]Descriptor, len(models)),
		dir:        dir,
		httpClient: &http.Client{},
		retry:      retry.DefaultPolicy(),
	}
	for name, d := range models {
		d.Name = name
		if d.DownloadURL == "" {
			return nil, fmt.Errorf("%w: %q has no %s", ErrInvalidEntry, name, KeyDownloadURL)
		}
		if d.ChatFormat == "" {
			return nil, fmt.Errorf("%w: %q has no %s", ErrInvalidEntry, name, KeyChatFormat)
		}
		r.models[name] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Load reads a TOML registry file where each top-level table is a model:
//
//	[mistral-7b-openorca-q5]
//	download_url = "https://..."
//	chat_format = "chatml"
//
// An empty path selects BuiltinModels.
func Load(path, dir string, opts ...Option) (*Registry, error) {
	if path == "" {
		return New(BuiltinModels, dir, opts...)
	}

	var raw map[string]map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	models := make(map[string]Descriptor, len(raw))
	for name, table := range raw {
		d := Descriptor{Name: name, Extra: make(map[string]string)}
		for k, v := range table {
			s := fmt.Sprint(v)
			switch k {
			case KeyDownloadURL:
				d.DownloadURL = s
			case KeyChatFormat:
				d.ChatFormat = s
			default:
				d.Extra[k] = s
			}
		}
		models[name] = d
	}
	return New(models, dir, opts...)
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the descriptor for name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	d, ok := r.models[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w %q, choose from [%s]", ErrUnknownModel, name, strings.Join(r.Names(), ", "))
	}
	return d, nil
}

// Info returns a single value stored under key for the named model.
func (r *Registry) Info(name, key string) (string, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return "", err
	}

	switch key {
	case KeyDownloadURL:
		return d.DownloadURL, nil
	case KeyChatFormat:
		return d.ChatFormat, nil
	}
	if v, ok := d.Extra[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w %q for model %q, choose from [%s]", ErrUnknownKey, key, name, strings.Join(d.Keys(), ", "))
}

// Keys returns every key available through Info, sorted.
func (d Descriptor) Keys() []string {
	keys := []string{KeyChatFormat, KeyDownloadURL}
	for k := range d.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dir returns the models directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the deterministic local artifact path for a model name.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, name+".gguf")
}

// Cached reports whether the artifact for name is present on disk.
func (r *Registry) Cached(name string) bool {
	info, err := os.Stat(r.Path(name))
	return err == nil && info.Mode().IsRegular()
}

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llmtunnel/internal/retry"
)

const testRegistry = `
[tiny-chatml]
download_url = "https://example.com/tiny.gguf"
chat_format = "chatml"
quant = "Q4_K_M"
n_params = 7

[tiny-llama]
download_url = "https://example.com/llama.gguf"
chat_format = "llama-2"
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fastRetry(attempts int) *retry.Policy {
	return &retry.Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestLoadAndResolve(t *testing.T) {
	reg, err := Load(writeRegistry(t, testRegistry), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"tiny-chatml", "tiny-llama"}, reg.Names())

	d, err := reg.Resolve("tiny-llama")
	require.NoError(t, err)
	assert.Equal(t, "tiny-llama", d.Name)
	assert.Equal(t, "https://example.com/llama.gguf", d.DownloadURL)
	assert.Equal(t, "llama-2", d.ChatFormat)
}

func TestResolveUnknownModel(t *testing.T) {
	reg, err := Load(writeRegistry(t, testRegistry), t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "mistral", "tiny", "TINY-CHATML"} {
		_, err := reg.Resolve(name)
		assert.ErrorIs(t, err, ErrUnknownModel, "name %q", name)

		_, err = reg.Info(name, KeyChatFormat)
		assert.ErrorIs(t, err, ErrUnknownModel, "name %q", name)
	}
}

func TestInfo(t *testing.T) {
	reg, err := Load(writeRegistry(t, testRegistry), t.TempDir())
	require.NoError(t, err)

	v, err := reg.Info("tiny-chatml", KeyChatFormat)
	require.NoError(t, err)
	assert.Equal(t, "chatml", v)

	v, err = reg.Info("tiny-chatml", "quant")
	require.NoError(t, err)
	assert.Equal(t, "Q4_K_M", v)

	v, err = reg.Info("tiny-chatml", "n_params")
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	_, err = reg.Info("tiny-chatml", "license")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.NotErrorIs(t, err, ErrUnknownModel)
}

func TestLoadRejectsIncompleteEntries(t *testing.T) {
	_, err := Load(writeRegistry(t, "[broken]\ndownload_url = \"https://example.com/x.gguf\"\n"), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = Load(writeRegistry(t, "[broken]\nchat_format = \"chatml\"\n"), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestLoadBuiltin(t *testing.T) {
	reg, err := Load("", t.TempDir())
	require.NoError(t, err)

	v, err := reg.Info("mistral-7b-openorca-q5", KeyChatFormat)
	require.NoError(t, err)
	assert.Equal(t, "chatml", v)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	payload := []byte("GGUF fake model weights")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))

	dir := filepath.Join(t.TempDir(), "nested", "models")
	var lastDownloaded, lastTotal int64
	reg, err := New(map[string]Descriptor{
		"tiny": {DownloadURL: server.URL + "/tiny.gguf", ChatFormat: "chatml"},
	}, dir, WithProgress(func(downloaded, total int64) {
		lastDownloaded, lastTotal = downloaded, total
	}))
	require.NoError(t, err)

	d, err := reg.Resolve("tiny")
	require.NoError(t, err)

	path, err := reg.Materialize(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tiny.gguf"), path)
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, len(payload), lastDownloaded)
	assert.EqualValues(t, len(payload), lastTotal)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// No network on the second call.
	server.Close()
	path2, err := reg.Materialize(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.EqualValues(t, 1, hits.Load())
}

func TestMaterializeServerErrorLeavesNoArtifact(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	dir := t.TempDir()
	reg, err := New(map[string]Descriptor{
		"tiny": {DownloadURL: server.URL, ChatFormat: "chatml"},
	}, dir, WithRetryPolicy(fastRetry(3)))
	require.NoError(t, err)

	d, _ := reg.Resolve("tiny")
	_, err = reg.Materialize(context.Background(), d)
	require.ErrorIs(t, err, ErrDownloadFailed)
	assert.EqualValues(t, 3, hits.Load())

	assert.NoFileExists(t, reg.Path("tiny"))
	assert.NoFileExists(t, reg.Path("tiny")+".partial")
	assert.False(t, reg.Cached("tiny"))
}

func TestMaterializeNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	reg, err := New(map[string]Descriptor{
		"tiny": {DownloadURL: server.URL, ChatFormat: "chatml"},
	}, t.TempDir(), WithRetryPolicy(fastRetry(3)))
	require.NoError(t, err)

	d, _ := reg.Resolve("tiny")
	_, err = reg.Materialize(context.Background(), d)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.False(t, dlErr.Retryable())
	assert.Equal(t, "tiny", dlErr.Model)
	assert.EqualValues(t, 1, hits.Load())
}

func TestMaterializeTruncatedBodyIsRetried(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if hits.Add(1) == 1 {
			w.Write(payload[:5])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		w.Write(payload)
	}))
	defer server.Close()

	reg, err := New(map[string]Descriptor{
		"tiny": {DownloadURL: server.URL, ChatFormat: "chatml"},
	}, t.TempDir(), WithRetryPolicy(fastRetry(3)))
	require.NoError(t, err)

	d, _ := reg.Resolve("tiny")
	path, err := reg.Materialize(context.Background(), d)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoFileExists(t, path+".partial")
}

func TestMaterializeIgnoresStalePartial(t *testing.T) {
	payload := []byte("complete weights")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	reg, err := New(map[string]Descriptor{
		"tiny": {DownloadURL: server.URL, ChatFormat: "chatml"},
	}, dir)
	require.NoError(t, err)

	// Leftover from an interrupted earlier run.
	require.NoError(t, os.WriteFile(reg.Path("tiny")+".partial", []byte("garbage garbage garbage garbage"), 0o644))
	assert.False(t, reg.Cached("tiny"))

	d, _ := reg.Resolve("tiny")
	path, err := reg.Materialize(context.Background(), d)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

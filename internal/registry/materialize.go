package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ErrDownloadFailed is matched by every DownloadError.
var ErrDownloadFailed = errors.New("download failed")

// DownloadError describes a failed artifact download. A failed download
// never leaves a file at the final artifact path.
type DownloadError struct {
	Model     string
	URL       string
	Err       error
	retryable bool
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %q from %s: %v", e.Model, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Is(target error) bool { return target == ErrDownloadFailed }

// Retryable reports whether repeating the download could succeed.
func (e *DownloadError) Retryable() bool { return e.retryable }

// Materialize ensures the artifact for d exists locally and returns its path.
// An existing artifact is returned without any network access. Otherwise the
// file is downloaded to a ".partial" sibling and renamed into place once
// complete, so an interrupted download is never mistaken for a valid one.
func (r *Registry) Materialize(ctx context.Context, d Descriptor) (string, error) {
	path := r.Path(d.Name)
	if r.Cached(d.Name) {
		slog.Debug("model already materialized", "model", d.Name, "path", path)
		return path, nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}

	slog.Info("downloading model", "model", d.Name, "url", d.DownloadURL, "path", path)
	start := time.Now()

	policy := *r.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Warn("model download failed, retrying", "model", d.Name, "attempt", attempt, "delay", delay, "error", err)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return r.download(ctx, d, path)
	})
	if err != nil {
		var dlErr *DownloadError
		if !errors.As(err, &dlErr) {
			err = &DownloadError{Model: d.Name, URL: d.DownloadURL, Err: err}
		}
		return "", err
	}

	slog.Info("model download completed", "model", d.Name, "elapsed", time.Since(start).Round(time.Second))
	return path, nil
}

func (r *Registry) download(ctx context.Context, d Descriptor, path string) (err error) {
	fail := func(retryable bool, format string, args ...any) error {
		return &DownloadError{Model: d.Name, URL: d.DownloadURL, Err: fmt.Errorf(format, args...), retryable: retryable}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.DownloadURL, nil)
	if err != nil {
		return fail(false, "create request: %w", err)
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fail(ctx.Err() == nil, "request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return fail(transient, "unexpected status %d", resp.StatusCode)
	}

	partial := path + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fail(false, "open %s: %w", partial, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(partial)
		}
	}()

	w := &progressWriter{w: f, total: resp.ContentLength, fn: r.progress}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fail(ctx.Err() == nil, "read body: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fail(true, "short body: got %d of %d bytes", n, resp.ContentLength)
	}

	if err = f.Sync(); err != nil {
		return fail(false, "sync %s: %w", partial, err)
	}
	if err = f.Close(); err != nil {
		return fail(false, "close %s: %w", partial, err)
	}
	if err = os.Rename(partial, path); err != nil {
		return fail(false, "rename into place: %w", err)
	}
	return nil
}

type progressWriter struct {
	w       io.Writer
	written int64
	total   int64
	fn      ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.fn != nil {
		p.fn(p.written, p.total)
	}
	return n, err
}

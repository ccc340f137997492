// Package fetch retrieves chunk and binary module artifacts by URL.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/wippyai/chunk-runtime/errors"
)

// Fetcher retrieves the full body at url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Streamer is implemented by fetchers that can hand out the body as it
// arrives. Binary module compilation prefers it when available.
type Streamer interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// StatusError is returned for a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTP fetches over net/http.
type HTTP struct {
	Client *http.Client
}

// NewHTTP returns an HTTP fetcher using client, or http.DefaultClient.
// Timeouts come from the caller's context.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{Client: client}
}

func (h *HTTP) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseFetch, errors.KindInvalidInput, err, "build request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (h *HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := h.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// FS serves artifacts from a billy filesystem. URLs are treated as paths;
// a leading scheme such as "file://" is stripped.
type FS struct {
	FS billy.Filesystem
}

// NewFS returns a filesystem fetcher.
func NewFS(fs billy.Filesystem) *FS {
	return &FS{FS: fs}
}

func (f *FS) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := f.FS.Open(pathOf(url))
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *FS) Fetch(ctx context.Context, url string) ([]byte, error) {
	file, err := f.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func pathOf(url string) string {
	if _, rest, ok := strings.Cut(url, "://"); ok {
		return rest
	}
	return url
}

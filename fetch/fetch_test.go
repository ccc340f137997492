package fetch

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0.bootstrap.js":
			_, _ = w.Write([]byte("chunks: ['0']"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTP(srv.Client())
	ctx := context.Background()

	body, err := f.Fetch(ctx, srv.URL+"/0.bootstrap.js")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "chunks: ['0']" {
		t.Errorf("body = %q", body)
	}

	_, err = f.Fetch(ctx, srv.URL+"/missing.js")
	var status *StatusError
	if !stderrors.As(err, &status) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if status.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", status.StatusCode)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f.Fetch(tctx, srv.URL+"/slow"); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestHTTPOpenStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	}))
	defer srv.Close()

	var s Streamer = NewHTTP(nil)
	body, err := s.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4 {
		t.Errorf("read %d bytes", len(data))
	}
}

func TestFSFetch(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "dist/0.bootstrap.js", []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFS(fs)
	ctx := context.Background()

	for _, url := range []string{"dist/0.bootstrap.js", "file://dist/0.bootstrap.js"} {
		body, err := f.Fetch(ctx, url)
		if err != nil {
			t.Fatalf("Fetch(%q): %v", url, err)
		}
		if string(body) != "payload" {
			t.Errorf("Fetch(%q) = %q", url, body)
		}
	}

	if _, err := f.Fetch(ctx, "dist/1.bootstrap.js"); !stderrors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := f.Fetch(cancelled, "dist/0.bootstrap.js"); !stderrors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestFetcherFunc(t *testing.T) {
	var f Fetcher = FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return []byte(url), nil
	})
	body, err := f.Fetch(context.Background(), "x")
	if err != nil || string(body) != "x" {
		t.Errorf("Fetch = %q, %v", body, err)
	}
}

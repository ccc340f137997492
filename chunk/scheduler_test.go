package chunk

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/chunk-runtime/config"
	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/future"
	"github.com/wippyai/chunk-runtime/registry"
)

// stubFetcher serves fixed bodies, optionally holding every fetch until
// release is closed.
type stubFetcher struct {
	bodies  map[string]string
	fail    map[string]error
	release chan struct{}
	calls   atomic.Int32
	mu      sync.Mutex
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[url]; ok {
		return nil, err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, stderrors.New("not found: " + url)
	}
	return []byte(body), nil
}

func (f *stubFetcher) setFail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, url)
		return
	}
	f.fail[url] = err
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{bodies: map[string]string{}, fail: map[string]error{}}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PublicPath = "http://test/"
	return cfg
}

func counter(calls *atomic.Int32, value any) registry.Factory {
	return func(m *registry.Module, exports registry.Exports, require registry.Require) error {
		calls.Add(1)
		exports["value"] = value
		return nil
	}
}

func TestEnsureRegistersModules(t *testing.T) {
	reg := registry.New()
	fetcher := newStubFetcher()
	fetcher.bodies["http://test/chunk-x.bootstrap.js"] = "modules: {p: {factory: p}, q: {factory: q}}"

	var pCalls, qCalls atomic.Int32
	exec := NewManifestExecutor(Catalog{"p": counter(&pCalls, "p"), "q": counter(&qCalls, "q")})
	s := NewScheduler(testConfig(), reg, fetcher, exec)
	defer s.Close()

	ctx := context.Background()
	if err := s.Ensure("chunk-x").Wait(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if s.State("chunk-x") != Loaded {
		t.Errorf("State = %v, want loaded", s.State("chunk-x"))
	}

	for _, id := range []string{"p", "q"} {
		if _, err := reg.Require(id); err != nil {
			t.Errorf("require %s: %v", id, err)
		}
	}

	if err := s.Ensure("chunk-x").Wait(ctx); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestEnsureCoalescesConcurrentCalls(t *testing.T) {
	reg := registry.New()
	fetcher := newStubFetcher()
	fetcher.release = make(chan struct{})
	fetcher.bodies["http://test/c.bootstrap.js"] = "modules: {m: {value: 1}}"

	s := NewScheduler(testConfig(), reg, fetcher, NewManifestExecutor(nil))
	defer s.Close()

	futures := make([]*future.Future, 8)
	for i := range futures {
		futures[i] = s.Ensure("c")
	}
	if s.State("c") != Loading {
		t.Fatalf("State = %v, want loading", s.State("c"))
	}
	for _, f := range futures[1:] {
		if f != futures[0] {
			t.Fatal("concurrent Ensure returned distinct futures")
		}
	}

	close(fetcher.release)
	if err := future.All(context.Background(), futures...); err != nil {
		t.Fatalf("All: %v", err)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestEnsureFailureResetsAndRetries(t *testing.T) {
	reg := registry.New()
	fetcher := newStubFetcher()
	url := "http://test/flaky.bootstrap.js"
	fetcher.bodies[url] = "modules: {f: {value: ok}}"
	cause := stderrors.New("connection reset")
	fetcher.setFail(url, cause)

	var events []Event
	var mu sync.Mutex
	s := NewScheduler(testConfig(), reg, fetcher, NewManifestExecutor(nil), WithObserver(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	defer s.Close()

	ctx := context.Background()
	a, b := s.Ensure("flaky"), s.Ensure("flaky")
	errA, errB := a.Wait(ctx), b.Wait(ctx)

	var loadErr *errors.ChunkLoadError
	if !stderrors.As(errA, &loadErr) {
		t.Fatalf("err = %v, want ChunkLoadError", errA)
	}
	if loadErr.ChunkID != "flaky" || loadErr.Type != errors.LoadTypeError || loadErr.Request != url {
		t.Errorf("unexpected fields: %+v", loadErr)
	}
	if loadErr.Attempt == "" {
		t.Error("attempt id not set")
	}
	if !stderrors.Is(errA, cause) {
		t.Error("cause not wrapped")
	}
	if errA != errB {
		t.Error("waiters received different errors")
	}
	if s.State("flaky") != Unloaded {
		t.Errorf("State = %v, want unloaded", s.State("flaky"))
	}

	fetcher.setFail(url, nil)
	if err := s.Ensure("flaky").Wait(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := fetcher.calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}

	mu.Lock()
	defer mu.Unlock()
	var states []State
	for _, ev := range events {
		states = append(states, ev.State)
	}
	want := []State{Loading, Unloaded, Loading, Loaded}
	if len(states) != len(want) {
		t.Fatalf("events = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestEnsureTimeout(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.release = make(chan struct{})
	defer close(fetcher.release)

	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	s := NewScheduler(cfg, registry.New(), fetcher, NewManifestExecutor(nil))
	defer s.Close()

	err := s.Ensure("slow").Wait(context.Background())
	var loadErr *errors.ChunkLoadError
	if !stderrors.As(err, &loadErr) {
		t.Fatalf("err = %v, want ChunkLoadError", err)
	}
	if loadErr.Type != errors.LoadTypeTimeout {
		t.Errorf("Type = %q, want timeout", loadErr.Type)
	}
	if s.State("slow") != Unloaded {
		t.Errorf("State = %v, want unloaded", s.State("slow"))
	}
}

func TestEnsureCallerCancelDoesNotAbortFetch(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.release = make(chan struct{})
	fetcher.bodies["http://test/c.bootstrap.js"] = "modules: {m: {value: 1}}"

	s := NewScheduler(testConfig(), registry.New(), fetcher, NewManifestExecutor(nil))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := s.Ensure("c")
	cancel()
	if err := f.Wait(ctx); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want canceled", err)
	}

	close(fetcher.release)
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("fetch aborted by caller: %v", err)
	}
}

func TestEnsureMissingPayload(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.bodies["http://test/a.bootstrap.js"] = "chunks: [b]\nmodules: {m: {value: 1}}"

	s := NewScheduler(testConfig(), registry.New(), fetcher, NewManifestExecutor(nil))
	defer s.Close()

	err := s.Ensure("a").Wait(context.Background())
	var loadErr *errors.ChunkLoadError
	if !stderrors.As(err, &loadErr) || loadErr.Type != errors.LoadTypeMissing {
		t.Fatalf("err = %v, want missing ChunkLoadError", err)
	}
	if s.State("b") != Loaded {
		t.Errorf("chunk b State = %v, want loaded", s.State("b"))
	}
}

func TestEnsureInvalidPayload(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.bodies["http://test/bad.bootstrap.js"] = "modules: {m: {factory: nope}}"

	s := NewScheduler(testConfig(), registry.New(), fetcher, NewManifestExecutor(nil))
	defer s.Close()

	err := s.Ensure("bad").Wait(context.Background())
	var loadErr *errors.ChunkLoadError
	if !stderrors.As(err, &loadErr) || loadErr.Type != errors.LoadTypeInvalid {
		t.Fatalf("err = %v, want invalid ChunkLoadError", err)
	}
}

func TestEnsureDistinctChunksIndependent(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.bodies["http://test/ok.bootstrap.js"] = "modules: {ok: {value: 1}}"

	s := NewScheduler(testConfig(), registry.New(), fetcher, NewManifestExecutor(nil))
	defer s.Close()

	ctx := context.Background()
	bad, ok := s.Ensure("bad"), s.Ensure("ok")
	if err := ok.Wait(ctx); err != nil {
		t.Fatalf("ok chunk: %v", err)
	}
	if err := bad.Wait(ctx); err == nil {
		t.Fatal("bad chunk succeeded")
	}
	if err := s.EnsureAll(ctx, "ok", "bad"); err == nil {
		t.Fatal("EnsureAll succeeded with a failing chunk")
	}
}

func TestPushAndMarkLoaded(t *testing.T) {
	reg := registry.New()
	fetcher := newStubFetcher()
	s := NewScheduler(testConfig(), reg, fetcher, NewManifestExecutor(nil))
	defer s.Close()

	s.MarkLoaded("main")
	if err := s.Ensure("main").Wait(context.Background()); err != nil {
		t.Fatalf("preloaded chunk: %v", err)
	}

	var calls atomic.Int32
	err := s.Push(context.Background(), Payload{
		ChunkIDs: []string{"inline"},
		Modules:  map[string]registry.Factory{"inline-mod": counter(&calls, 1)},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if s.State("inline") != Loaded {
		t.Errorf("State = %v, want loaded", s.State("inline"))
	}
	if _, err := reg.Require("inline-mod"); err != nil {
		t.Errorf("require: %v", err)
	}
	if n := fetcher.calls.Load(); n != 0 {
		t.Errorf("fetch calls = %d, want 0", n)
	}
}

func TestPushDuplicateModule(t *testing.T) {
	reg := registry.New()
	_ = reg.Register("m", func(m *registry.Module, exports registry.Exports, require registry.Require) error { return nil })

	s := NewScheduler(testConfig(), reg, newStubFetcher(), NewManifestExecutor(nil))
	defer s.Close()

	var calls atomic.Int32
	err := s.Push(context.Background(), Payload{
		ChunkIDs: []string{"dup"},
		Modules: map[string]registry.Factory{
			"m":  counter(&calls, 1),
			"ok": counter(&calls, 2),
		},
	})
	var dup *errors.DuplicateModuleError
	if !stderrors.As(err, &dup) || dup.ModuleID != "m" {
		t.Fatalf("err = %v, want DuplicateModuleError for m", err)
	}
	if s.State("dup") == Loaded {
		t.Error("chunk with conflicting payload marked loaded")
	}
	if reg.Has("ok") {
		t.Error("module from a rejected payload was registered")
	}
	var unknown *errors.UnknownModuleError
	if _, err := reg.Require("ok"); !stderrors.As(err, &unknown) {
		t.Errorf("require ok: err = %v, want UnknownModuleError", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("factory calls = %d, want 0", n)
	}
}

func TestEnsureRedefinedModuleIsDuplicate(t *testing.T) {
	reg := registry.New()
	fetcher := newStubFetcher()
	fetcher.bodies["http://test/a.bootstrap.js"] = "modules: {x: {value: 1}}"
	fetcher.bodies["http://test/b.bootstrap.js"] = "modules: {x: {value: 2}, y: {value: 3}}"

	s := NewScheduler(testConfig(), reg, fetcher, NewManifestExecutor(nil))
	defer s.Close()

	ctx := context.Background()
	if err := s.Ensure("a").Wait(ctx); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	err := s.Ensure("b").Wait(ctx)
	var dup *errors.DuplicateModuleError
	if !stderrors.As(err, &dup) || dup.ModuleID != "x" {
		t.Fatalf("ensure b: err = %v, want DuplicateModuleError for x", err)
	}
	if s.State("b") == Loaded {
		t.Error("chunk b marked loaded")
	}
	if reg.Has("y") {
		t.Error("module y of the rejected chunk was registered")
	}
	if x, err := reg.Require("x"); err != nil || x != 1 {
		t.Errorf("x = %v, want the first definition", x)
	}
}

func TestEnsureRedeliveredChunkIsNoop(t *testing.T) {
	reg := registry.New()
	fetcher := newStubFetcher()
	fetcher.bodies["http://test/a.bootstrap.js"] = "chunks: [b]\nmodules: {m: {value: 1}}"

	s := NewScheduler(testConfig(), reg, fetcher, NewManifestExecutor(nil))
	defer s.Close()

	ctx := context.Background()
	for range 2 {
		var loadErr *errors.ChunkLoadError
		err := s.Ensure("a").Wait(ctx)
		if !stderrors.As(err, &loadErr) || loadErr.Type != errors.LoadTypeMissing {
			t.Fatalf("err = %v, want missing ChunkLoadError", err)
		}
	}
	if n := fetcher.calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

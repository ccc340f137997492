// Package loader wires the registry, chunk scheduler and binary loader into
// the process-lifetime runtime and exposes the bootstrap entry point.
//
// Basic usage:
//
//	rt, err := loader.New(ctx, cfg,
//	    loader.WithCatalog(catalog),
//	    loader.WithHosts(hosts))
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	entry, err := rt.Bootstrap(ctx)
package loader

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/binary"
	"github.com/wippyai/chunk-runtime/chunk"
	"github.com/wippyai/chunk-runtime/config"
	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/fetch"
	"github.com/wippyai/chunk-runtime/future"
	"github.com/wippyai/chunk-runtime/namespace"
	"github.com/wippyai/chunk-runtime/registry"
)

// Runtime is the module runtime of one process.
type Runtime struct {
	sink      Sink
	registry  *registry.Registry
	scheduler *chunk.Scheduler
	binaries  *binary.Loader
	cfg       config.Config
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	fetcher  fetch.Fetcher
	executor chunk.Executor
	hosts    *binary.Hosts
	sink     Sink
	observer func(chunk.Event)
	catalog  chunk.Catalog
	augments []binary.Augment
	strategy binary.Strategy
}

// Option configures a Runtime.
type Option func(*options)

// WithFetcher sets how artifacts are retrieved. Defaults to HTTP.
func WithFetcher(f fetch.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithCatalog sets the Go factories manifest chunks may reference.
func WithCatalog(c chunk.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithExecutor replaces the manifest executor. WithCatalog is ignored then.
func WithExecutor(x chunk.Executor) Option {
	return func(o *options) { o.executor = x }
}

// WithHosts publishes host functions binary modules can import.
func WithHosts(h *binary.Hosts) Option {
	return func(o *options) { o.hosts = h }
}

// WithSink sets where unhandled failures go. Defaults to LogSink.
func WithSink(s Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithObserver receives chunk state transitions.
func WithObserver(fn func(chunk.Event)) Option {
	return func(o *options) { o.observer = fn }
}

// WithAugment adds a hook run on every binary module before it is published.
func WithAugment(fn binary.Augment) Option {
	return func(o *options) { o.augments = append(o.augments, fn) }
}

// WithStrategy overrides the binary compile strategy.
func WithStrategy(s binary.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// SetLoggers installs l in every package of the runtime.
func SetLoggers(l *zap.Logger) {
	SetLogger(l)
	registry.SetLogger(l.Named("registry"))
	chunk.SetLogger(l.Named("chunk"))
	binary.SetLogger(l.Named("binary"))
}

// New builds a runtime for cfg. The configuration is copied; later changes
// by the caller are not observed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.fetcher == nil {
		o.fetcher = fetch.NewHTTP(nil)
	}
	if o.executor == nil {
		o.executor = chunk.NewManifestExecutor(o.catalog)
	}
	if o.sink == nil {
		o.sink = LogSink{}
	}

	reg := registry.New()
	if o.hosts != nil {
		if err := o.hosts.Install(reg); err != nil {
			return nil, err
		}
	}

	var schedOpts []chunk.Option
	if o.observer != nil {
		schedOpts = append(schedOpts, chunk.WithObserver(o.observer))
	}
	var binOpts []binary.Option
	for _, a := range o.augments {
		binOpts = append(binOpts, binary.WithAugment(a))
	}
	if o.strategy != nil {
		binOpts = append(binOpts, binary.WithStrategy(o.strategy))
	}

	r := &Runtime{
		cfg:       cfg,
		sink:      o.sink,
		registry:  reg,
		scheduler: chunk.NewScheduler(cfg, reg, o.fetcher, o.executor, schedOpts...),
		binaries:  binary.NewLoader(cfg, reg, o.fetcher, binOpts...),
	}
	if len(cfg.Preloaded) > 0 {
		r.scheduler.MarkLoaded(cfg.Preloaded...)
	}

	Logger().Info("runtime ready",
		zap.String("public_path", cfg.PublicPath),
		zap.Int("chunks", len(cfg.Chunks)),
		zap.Int("binaries", len(cfg.Binaries)),
		zap.Strings("preloaded", cfg.Preloaded))
	return r, nil
}

// Registry returns the module registry.
func (r *Runtime) Registry() *registry.Registry {
	return r.registry
}

// Config returns the runtime's copy of the configuration.
func (r *Runtime) Config() config.Config {
	return r.cfg.Clone()
}

// State returns the state of a chunk.
func (r *Runtime) State(chunkID string) chunk.State {
	return r.scheduler.State(chunkID)
}

// Ensure loads chunkID together with the binary modules it lists.
func (r *Runtime) Ensure(chunkID string) *future.Future {
	futures := []*future.Future{r.scheduler.Ensure(chunkID)}
	for _, id := range r.cfg.ChunkBinaries(chunkID) {
		futures = append(futures, r.binaries.Load(id, binary.ImportSpec(r.cfg.Imports(id))))
	}
	return future.Join(futures...)
}

// EnsureAll waits for every chunk and its binary modules.
func (r *Runtime) EnsureAll(ctx context.Context, chunkIDs ...string) error {
	futures := make([]*future.Future, len(chunkIDs))
	for i, id := range chunkIDs {
		futures[i] = r.Ensure(id)
	}
	return future.All(ctx, futures...)
}

// Push registers an inline payload, e.g. modules compiled into the host.
func (r *Runtime) Push(ctx context.Context, p chunk.Payload) error {
	return r.scheduler.Push(ctx, p)
}

// Require resolves a module that is already registered.
func (r *Runtime) Require(moduleID string) (any, error) {
	return r.registry.Require(moduleID)
}

// Import loads chunkID, then resolves moduleID into a namespace.
func (r *Runtime) Import(ctx context.Context, chunkID, moduleID string) (*namespace.Namespace, error) {
	if err := r.Ensure(chunkID).Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := r.registry.Require(moduleID)
	if err != nil {
		return nil, err
	}
	return namespace.Wrap(raw), nil
}

// Bootstrap loads the entry chunk and resolves the entry module. A failure
// is reported to the sink as is and returned wrapped in PhaseBootstrap.
func (r *Runtime) Bootstrap(ctx context.Context) (*namespace.Namespace, error) {
	log := Logger().With(
		zap.String("chunk", r.cfg.EntryChunk),
		zap.String("module", r.cfg.EntryModule))
	log.Debug("bootstrap")

	ns, err := r.Import(ctx, r.cfg.EntryChunk, r.cfg.EntryModule)
	if err != nil {
		r.sink.Report(err)
		return nil, errors.Wrap(errors.PhaseBootstrap, kindOf(err), err, "bootstrap "+r.cfg.EntryChunk+"/"+r.cfg.EntryModule)
	}
	log.Info("bootstrap complete", zap.Strings("exports", ns.Names()))
	return ns, nil
}

// Close stops the scheduler and releases every binary module runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.scheduler.Close()
		r.closeErr = r.binaries.Close(ctx)
	})
	return r.closeErr
}

func kindOf(err error) errors.Kind {
	var unknown *errors.UnknownModuleError
	if stderrors.As(err, &unknown) {
		return errors.KindNotFound
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.KindClosed
	}
	return errors.KindInvalidData
}

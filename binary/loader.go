// Package binary loads WebAssembly binary modules referenced by chunks.
//
// A binary module is built in two phases. The exports Cell and the import
// stubs exist before any byte is fetched; the stubs look their targets up on
// every call, so imports may forward to modules that are defined later,
// including the binary's own exports. Once compiled and instantiated the
// cell is populated and the module is published in the registry as executed.
package binary

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/config"
	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/fetch"
	"github.com/wippyai/chunk-runtime/future"
	"github.com/wippyai/chunk-runtime/registry"
)

// Augment runs after a binary module is instantiated and before it is
// published. It may add exports to the cell.
type Augment func(moduleID string, cell *Cell) error

// Loader fetches, compiles, links and publishes binary modules.
type Loader struct {
	ctx      context.Context
	strategy Strategy
	cache    wazero.CompilationCache
	registry *registry.Registry
	loads    map[string]*future.Future
	runtimes map[string]wazero.Runtime
	cancel   context.CancelFunc
	augments []Augment
	cfg      config.Config
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithStrategy overrides capability-based strategy selection.
func WithStrategy(s Strategy) Option {
	return func(l *Loader) { l.strategy = s }
}

// WithAugment adds a post-instantiation hook.
func WithAugment(fn Augment) Option {
	return func(l *Loader) { l.augments = append(l.augments, fn) }
}

// NewLoader creates a loader publishing into reg.
func NewLoader(cfg config.Config, reg *registry.Registry, fetcher fetch.Fetcher, opts ...Option) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		registry: reg,
		cache:    wazero.NewCompilationCache(),
		loads:    make(map[string]*future.Future),
		runtimes: make(map[string]wazero.Runtime),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.strategy == nil {
		l.strategy = SelectStrategy(fetcher)
	}
	Logger().Debug("binary loader ready", zap.String("strategy", l.strategy.Name()))
	return l
}

// Load returns a future that completes once moduleID is published. Loads in
// flight and completed loads are shared; a failed load is forgotten so the
// next call retries.
func (l *Loader) Load(moduleID string, spec ImportSpec) *future.Future {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return future.Rejected(errors.Closed(errors.PhaseCompile, "binary loader"))
	}
	if f, ok := l.loads[moduleID]; ok {
		l.mu.Unlock()
		return f
	}
	f := future.New()
	l.loads[moduleID] = f
	l.wg.Add(1)
	l.mu.Unlock()

	go l.load(moduleID, spec, f)
	return f
}

// Loaded reports whether moduleID was published.
func (l *Loader) Loaded(moduleID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.runtimes[moduleID]
	return ok
}

// Close waits for loads in flight and closes every runtime.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for id, rt := range l.runtimes {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(l.runtimes, id)
	}
	if err := l.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (l *Loader) load(moduleID string, spec ImportSpec, f *future.Future) {
	defer l.wg.Done()

	attempt := uuid.NewString()
	url := l.cfg.BinaryURL(moduleID)
	log := Logger().With(
		zap.String("module", moduleID),
		zap.String("url", url),
		zap.String("attempt", attempt))
	log.Debug("loading binary module")

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.Timeout)
	defer cancel()

	rt, err := l.build(ctx, moduleID, url, spec)
	if err != nil {
		loadErr := &errors.ChunkLoadError{
			ModuleID: moduleID,
			Type:     loadType(err),
			Request:  url,
			Attempt:  attempt,
			Cause:    err,
		}
		log.Warn("binary module load failed", zap.String("type", loadErr.Type), zap.Error(err))

		l.mu.Lock()
		delete(l.loads, moduleID)
		l.mu.Unlock()
		f.Reject(loadErr)
		return
	}

	l.mu.Lock()
	l.runtimes[moduleID] = rt
	l.mu.Unlock()
	log.Debug("binary module loaded")
	f.Resolve()
}

// build runs the whole two-phase construction. On error the runtime is
// closed and nothing is published.
func (l *Loader) build(ctx context.Context, moduleID, url string, spec ImportSpec) (_ wazero.Runtime, err error) {
	cell := newCell()
	table := NewImportTable(spec)

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(l.cache))
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	compiled, err := l.strategy.Compile(ctx, rt, url)
	if err != nil {
		return nil, err
	}

	if err := table.bind(compiled.ImportedFunctions()); err != nil {
		return nil, err
	}

	for _, ns := range table.Namespaces() {
		builder := rt.NewHostModuleBuilder(ns)
		for _, s := range table.Stubs(ns) {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(l.stub(moduleID, cell, s), s.Params, s.Results).
				WithName(s.Name).
				Export(s.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindRegistration, err, "instantiate import namespace "+ns)
		}
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInvalidData, err, "instantiate failed")
	}
	cell.populate(mod, compiled.ExportedMemories())

	for _, augment := range l.augments {
		if err := augment(moduleID, cell); err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindInvalidData, err, "augment exports")
		}
	}

	if err := l.registry.Install(moduleID, cell.Exports()); err != nil {
		return nil, err
	}
	return rt, nil
}

// stub returns the host function serving one import. The target is resolved
// on every call: the binary's own cell for self references, otherwise the
// executed registry instance. An unresolvable target traps the call.
func (l *Loader) stub(moduleID string, cell *Cell, s *Stub) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		target, err := l.target(moduleID, cell, s.Ref)
		if err == nil {
			err = invoke(ctx, mod, stack, s, target)
		}
		if err != nil {
			Logger().Error("import call failed",
				zap.String("module", moduleID),
				zap.String("import", s.Module+"#"+s.Name),
				zap.Error(err))
			panic(err)
		}
	}
}

func (l *Loader) target(moduleID string, cell *Cell, ref Ref) (any, error) {
	if ref.Module == moduleID {
		if v, ok := cell.Get(ref.Export); ok {
			return v, nil
		}
		return nil, errors.NotFound(errors.PhaseLink, "export", ref.String())
	}

	instance, ok := l.registry.Lookup(ref.Module)
	if !ok {
		return nil, &errors.UnknownModuleError{ModuleID: ref.Module, Requester: moduleID}
	}
	v, ok := exportOf(instance, ref.Export)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLink, "export", ref.String())
	}
	return v, nil
}

// loadType classifies a build failure into the failure taxonomy.
func loadType(err error) string {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.LoadTypeTimeout
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		switch e.Phase {
		case errors.PhaseCompile:
			return errors.LoadTypeCompile
		case errors.PhaseLink:
			return errors.LoadTypeInstantiate
		}
	}
	return errors.LoadTypeError
}

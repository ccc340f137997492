package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/errors"
)

// Exports is the mutable export object handed to a factory.
type Exports = map[string]any

// Module is the per-execution view a factory receives. A factory may add
// entries to Exports or replace Exports with any value.
type Module struct {
	Exports any
	ID      string
}

// Require resolves a module from inside a factory.
type Require func(id string) (any, error)

// Factory evaluates a module body. It must not block on I/O: it runs to
// completion before any other module executes.
type Factory func(module *Module, exports Exports, require Require) error

type state uint8

const (
	stateRegistered state = iota // white
	stateExecuting               // gray
	stateExecuted                // black
)

type record struct {
	factory  Factory
	instance any
	id       string
	owner    string
	state    state
}

// Registry holds module factories and the instances they produced.
// One Registry is owned by the process-lifetime runtime; tests build their own.
type Registry struct {
	records map[string]*record
	mu      sync.Mutex
	// exec serializes factory execution so resolution behaves as a single
	// logical thread; nested requires run under the caller's hold.
	exec sync.Mutex
	// holder is the goroutine holding exec, active its resolution. active
	// is only read by the holder.
	holder atomic.Int64
	active *resolution
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[string]*record),
	}
}

// Register adds a factory for id. Registering the same factory value again
// is a no-op; a different factory for a known id is a DuplicateModuleError.
func (r *Registry) Register(id string, factory Factory) error {
	return r.RegisterAll("", map[string]Factory{id: factory}, nil)
}

// RegisterAll adds a set of factories atomically: either every id is
// registered or none is. Ids already registered by the same non-empty owner
// are skipped, so a redelivered chunk is harmless.
//
// commit, if set, runs under the registry lock after the insert. No
// Require can observe the new modules before commit returns.
func (r *Registry) RegisterAll(owner string, factories map[string]Factory, commit func()) error {
	ids := make([]string, 0, len(factories))
	for id, factory := range factories {
		if id == "" {
			return errors.InvalidInput(errors.PhaseRegister, "module id cannot be empty")
		}
		if factory == nil {
			return errors.InvalidInput(errors.PhaseRegister, fmt.Sprintf("module %q has nil factory", id))
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := ids[:0:0]
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok {
			fresh = append(fresh, id)
			continue
		}
		if owner != "" && rec.owner == owner {
			continue
		}
		if rec.factory != nil && sameFactory(rec.factory, factories[id]) {
			continue
		}
		return &errors.DuplicateModuleError{ModuleID: id}
	}

	for _, id := range fresh {
		r.records[id] = &record{id: id, factory: factories[id], owner: owner}
		Logger().Debug("module registered", zap.String("module", id), zap.String("owner", owner))
	}
	if commit != nil {
		commit()
	}
	return nil
}

// Install publishes an already-built instance as executed. Binary modules
// use it since they have no synchronous factory step.
func (r *Registry) Install(id string, instance any) error {
	if id == "" {
		return errors.InvalidInput(errors.PhaseRegister, "module id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; ok {
		return &errors.DuplicateModuleError{ModuleID: id}
	}

	r.records[id] = &record{id: id, instance: instance, state: stateExecuted}
	Logger().Debug("module installed", zap.String("module", id))
	return nil
}

// Lookup returns the instance of an executed module. It never runs a factory.
func (r *Registry) Lookup(id string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.state != stateExecuted {
		return nil, false
	}
	return rec.instance, true
}

// Has reports whether id is registered, executed or not.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}

// Executed reports whether id has produced an instance.
func (r *Registry) Executed(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// IDs returns all known module ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// resolve returns the cached instance or runs the factory once.
// Caller must hold r.exec.
func (r *Registry) resolve(res *resolution, id string) (any, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, &errors.UnknownModuleError{ModuleID: id, Requester: res.current()}
	}
	switch rec.state {
	case stateExecuted:
		instance := rec.instance
		r.mu.Unlock()
		return instance, nil
	case stateExecuting:
		r.mu.Unlock()
		return nil, &errors.CircularDependencyError{Path: res.cycle(id)}
	}
	rec.state = stateExecuting
	factory := rec.factory
	r.mu.Unlock()

	res.push(id)
	instance, err := run(factory, id, res.bind(r))
	res.pop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		rec.state = stateRegistered
		Logger().Debug("module execution failed", zap.String("module", id), zap.Error(err))
		return nil, &errors.ModuleExecutionError{ModuleID: id, Cause: err}
	}
	rec.instance = instance
	rec.state = stateExecuted
	Logger().Debug("module executed", zap.String("module", id))
	return instance, nil
}

// run invokes factory, converting a panic into an error.
func run(factory Factory, id string, require Require) (instance any, err error) {
	defer func() {
		if p := recover(); p != nil {
			if perr, ok := p.(error); ok {
				err = perr
			} else {
				err = fmt.Errorf("panic: %v", p)
			}
		}
	}()

	exports := Exports{}
	module := &Module{ID: id, Exports: exports}
	if err := factory(module, exports, require); err != nil {
		return nil, err
	}
	return module.Exports, nil
}

// sameFactory reports whether a and b are one func value. Closures built
// from the same literal share code but not their closure object, so the
// object pointer is compared rather than the code pointer.
func sameFactory(a, b Factory) bool {
	return *(*unsafe.Pointer)(unsafe.Pointer(&a)) == *(*unsafe.Pointer)(unsafe.Pointer(&b))
}

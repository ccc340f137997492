package binary

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/config"
	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/namespace"
	"github.com/wippyai/chunk-runtime/registry"
)

// Ref names the export an import forwards to.
type Ref struct {
	Module string
	Export string
}

func (r Ref) String() string {
	return r.Module + "#" + r.Export
}

// Stub is the host function bound to one import. Its target is looked up on
// every call, so it may be provided after the binary is instantiated.
type Stub struct {
	Ref       Ref
	Module    string
	Name      string
	Signature string
	Params    []api.ValueType
	Results   []api.ValueType
	declared  bool
}

// ImportTable maps (namespace, name) to the stub serving that import.
type ImportTable struct {
	stubs map[string]map[string]*Stub
}

// ImportSpec is the declared import forwarding of one binary module.
type ImportSpec []config.Import

// NewImportTable builds stubs for every declared import. Undeclared imports
// are added when the compiled module is bound.
func NewImportTable(spec ImportSpec) *ImportTable {
	t := &ImportTable{stubs: make(map[string]map[string]*Stub)}
	for _, imp := range spec {
		ref := Ref{Module: imp.Target, Export: imp.Export}
		if ref.Module == "" {
			ref.Module = imp.Module
		}
		if ref.Export == "" {
			ref.Export = imp.Name
		}
		t.add(&Stub{
			Module:    imp.Module,
			Name:      imp.Name,
			Ref:       ref,
			Signature: imp.Signature,
			declared:  true,
		})
	}
	return t
}

func (t *ImportTable) add(s *Stub) {
	if t.stubs[s.Module] == nil {
		t.stubs[s.Module] = make(map[string]*Stub)
	}
	t.stubs[s.Module][s.Name] = s
}

// Lookup returns the stub for an import.
func (t *ImportTable) Lookup(module, name string) (*Stub, bool) {
	s, ok := t.stubs[module][name]
	return s, ok
}

// Namespaces returns the import namespaces, sorted.
func (t *ImportTable) Namespaces() []string {
	names := make([]string, 0, len(t.stubs))
	for ns := range t.stubs {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Stubs returns the stubs of one namespace, sorted by name.
func (t *ImportTable) Stubs(module string) []*Stub {
	out := make([]*Stub, 0, len(t.stubs[module]))
	for _, s := range t.stubs[module] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// bind fills value types from the compiled module's imports, adds stubs for
// undeclared imports and drops declared imports the module never uses.
// Declared signatures must match.
func (t *ImportTable) bind(imports []api.FunctionDefinition) error {
	used := make(map[string]map[string]bool)
	for _, def := range imports {
		module, name, _ := def.Import()
		s, ok := t.Lookup(module, name)
		if !ok {
			s = &Stub{Module: module, Name: name, Ref: Ref{Module: module, Export: name}}
			t.add(s)
		}
		s.Params = def.ParamTypes()
		s.Results = def.ResultTypes()

		if s.Signature != "" {
			sig, err := ParseSignature(s.Signature)
			if err != nil {
				return err
			}
			if !sig.Matches(def) {
				return errors.New(errors.PhaseLink, errors.KindTypeMismatch).
					Path(module, name).
					Detail("declared %s, module imports %s", sig, Signature{Params: s.Params, Results: s.Results}).
					Build()
			}
		}

		if used[module] == nil {
			used[module] = make(map[string]bool)
		}
		used[module][name] = true
	}

	for ns, stubs := range t.stubs {
		for name, s := range stubs {
			if !used[ns][name] {
				if s.declared {
					Logger().Debug("declared import not used by module", zap.String("import", ns+"#"+name))
				}
				delete(stubs, name)
			}
		}
		if len(stubs) == 0 {
			delete(t.stubs, ns)
		}
	}
	return nil
}

// Cell holds a binary module's exports. It exists before the module is
// instantiated so stubs can refer to it; it is filled once instantiation
// succeeds.
type Cell struct {
	exports registry.Exports
	mu      sync.RWMutex
}

func newCell() *Cell {
	return &Cell{exports: registry.Exports{}}
}

// Get returns one export.
func (c *Cell) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.exports[name]
	return v, ok
}

// Set adds or replaces an export. Augment hooks use it.
func (c *Cell) Set(name string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exports[name] = v
}

// Names returns the export names, sorted.
func (c *Cell) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.exports))
	for name := range c.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exports returns a copy of the export object.
func (c *Cell) Exports() registry.Exports {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(registry.Exports, len(c.exports))
	for k, v := range c.exports {
		out[k] = v
	}
	return out
}

func (c *Cell) populate(mod api.Module, memories map[string]api.MemoryDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, def := range mod.ExportedFunctionDefinitions() {
		c.exports[name] = &Func{mod: mod, def: def, name: name}
	}
	for name := range memories {
		if mem := mod.ExportedMemory(name); mem != nil {
			c.exports[name] = mem
		}
	}
}

// Func is an exported function of an instantiated binary module. Each call
// obtains a fresh api.Function, so a Func may be called re-entrantly and
// from several goroutines.
type Func struct {
	mod  api.Module
	def  api.FunctionDefinition
	name string
}

// Call invokes the function.
func (f *Func) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	fn := f.mod.ExportedFunction(f.name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseLink, "export", f.name)
	}
	return fn.Call(ctx, params...)
}

// Name is the export name. The definition's own name comes from the
// optional name section and is usually empty.
func (f *Func) Name() string {
	return f.name
}

// Definition describes the function's signature.
func (f *Func) Definition() api.FunctionDefinition {
	return f.def
}

// Caller is satisfied by *Func and api.Function.
type Caller interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// exportOf reads one export from a registry instance.
func exportOf(instance any, name string) (any, bool) {
	switch v := instance.(type) {
	case map[string]any:
		x, ok := v[name]
		return x, ok
	case *Cell:
		return v.Get(name)
	case *namespace.Namespace:
		return v.Get(name)
	}
	return nil, false
}

// invoke forwards an import call to its resolved target.
func invoke(ctx context.Context, mod api.Module, stack []uint64, s *Stub, target any) error {
	switch fn := target.(type) {
	case api.GoModuleFunc:
		fn(ctx, mod, stack)
		return nil
	case func(context.Context, api.Module, []uint64):
		fn(ctx, mod, stack)
		return nil
	case Caller:
		n := len(s.Params)
		if n > len(stack) {
			n = len(stack)
		}
		results, err := fn.Call(ctx, stack[:n]...)
		if err != nil {
			return err
		}
		copy(stack, results)
		return nil
	}

	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Func {
		if err := checkHandler(target); err != nil {
			return err
		}
		return callTyped(ctx, rv, stack)
	}
	return errors.New(errors.PhaseLink, errors.KindTypeMismatch).
		Path(s.Module, s.Name).
		Value(fmt.Sprintf("%T", target)).
		Detail("import target %s is not callable", s.Ref).
		Build()
}

package chunk

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/namespace"
	"github.com/wippyai/chunk-runtime/registry"
)

// Manifest is the on-the-wire form of a chunk: the chunk ids it satisfies
// and the modules it defines. YAML and JSON are both accepted.
type Manifest struct {
	Modules map[string]ModuleSpec `yaml:"modules"`
	Chunks  []string              `yaml:"chunks"`
}

// ModuleSpec defines one module. At most one of Factory, Value, Reexport and
// Call may be set; Requires are resolved first, in order.
type ModuleSpec struct {
	Value    any       `yaml:"value"`
	Call     *CallSpec `yaml:"call"`
	Factory  string    `yaml:"factory"`
	Reexport string    `yaml:"reexport"`
	Requires []string  `yaml:"requires"`
}

// CallSpec invokes an exported function of another module, typically a
// binary module. The module is namespace-marked and its results become the
// default export.
type CallSpec struct {
	Module string   `yaml:"module"`
	Export string   `yaml:"export"`
	Args   []uint64 `yaml:"args"`
}

// Catalog maps factory names used in manifests to Go factories compiled into
// the host program.
type Catalog map[string]registry.Factory

// Caller is satisfied by wazero's api.Function.
type Caller interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// ManifestExecutor executes manifest chunks against a factory catalog.
type ManifestExecutor struct {
	Catalog Catalog
}

// NewManifestExecutor returns an executor resolving factory names in catalog.
func NewManifestExecutor(catalog Catalog) *ManifestExecutor {
	if catalog == nil {
		catalog = Catalog{}
	}
	return &ManifestExecutor{Catalog: catalog}
}

// Execute parses code and pushes one payload. A manifest without a chunks
// list satisfies chunkID.
func (x *ManifestExecutor) Execute(ctx context.Context, chunkID string, code []byte, push func(Payload) error) error {
	var m Manifest
	if err := yaml.Unmarshal(code, &m); err != nil {
		return errors.ParseFailed(errors.PhaseExecute, "chunk "+chunkID, err)
	}
	if len(m.Chunks) == 0 {
		m.Chunks = []string{chunkID}
	}

	p := Payload{
		ChunkIDs: m.Chunks,
		Modules:  make(map[string]registry.Factory, len(m.Modules)),
	}

	ids := make([]string, 0, len(m.Modules))
	for id := range m.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		factory, err := x.factory(id, m.Modules[id])
		if err != nil {
			return err
		}
		p.Modules[id] = factory
	}
	return push(p)
}

func (x *ManifestExecutor) factory(id string, spec ModuleSpec) (registry.Factory, error) {
	kinds := 0
	for _, set := range []bool{spec.Factory != "", spec.Value != nil, spec.Reexport != "", spec.Call != nil} {
		if set {
			kinds++
		}
	}
	if kinds > 1 {
		return nil, errors.New(errors.PhaseExecute, errors.KindInvalidData).
			Path("modules", id).
			Detail("factory, value, reexport and call are mutually exclusive").
			Build()
	}

	var body registry.Factory
	switch {
	case spec.Factory != "":
		f, ok := x.Catalog[spec.Factory]
		if !ok {
			return nil, errors.New(errors.PhaseExecute, errors.KindNotFound).
				Path("modules", id, "factory").
				Detail("factory %q is not in the catalog", spec.Factory).
				Build()
		}
		body = f
	case spec.Value != nil:
		body = valueFactory(spec.Value)
	case spec.Reexport != "":
		body = reexportFactory(spec.Reexport)
	case spec.Call != nil:
		if spec.Call.Module == "" || spec.Call.Export == "" {
			return nil, errors.New(errors.PhaseExecute, errors.KindInvalidData).
				Path("modules", id, "call").
				Detail("module and export are required").
				Build()
		}
		body = callFactory(*spec.Call)
	}

	if len(spec.Requires) == 0 && body != nil {
		return body, nil
	}
	return withRequires(spec.Requires, body), nil
}

func valueFactory(value any) registry.Factory {
	return func(m *registry.Module, exports registry.Exports, require registry.Require) error {
		m.Exports = value
		return nil
	}
}

func reexportFactory(target string) registry.Factory {
	return func(m *registry.Module, exports registry.Exports, require registry.Require) error {
		v, err := require(target)
		if err != nil {
			return err
		}
		m.Exports = v
		return nil
	}
}

func callFactory(call CallSpec) registry.Factory {
	return func(m *registry.Module, exports registry.Exports, require registry.Require) error {
		target, err := require(call.Module)
		if err != nil {
			return err
		}
		table, ok := target.(registry.Exports)
		if !ok {
			return fmt.Errorf("module %q has no named exports", call.Module)
		}
		fn, ok := table[call.Export].(Caller)
		if !ok {
			return fmt.Errorf("export %q of %q is not callable", call.Export, call.Module)
		}
		results, err := fn.Call(context.Background(), call.Args...)
		if err != nil {
			return fmt.Errorf("call %s#%s: %w", call.Module, call.Export, err)
		}
		namespace.Mark(exports)
		switch len(results) {
		case 0:
			exports["default"] = nil
		case 1:
			exports["default"] = results[0]
		default:
			exports["default"] = results
		}
		return nil
	}
}

func withRequires(deps []string, body registry.Factory) registry.Factory {
	return func(m *registry.Module, exports registry.Exports, require registry.Require) error {
		for _, dep := range deps {
			if _, err := require(dep); err != nil {
				return err
			}
		}
		if body == nil {
			return nil
		}
		return body(m, exports, require)
	}
}

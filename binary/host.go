package binary

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/registry"
)

// Host is the interface for struct-based host modules.
// All exported methods (except Namespace) are registered as host functions
// under their kebab-case names.
type Host interface {
	// Namespace returns the module id the functions are published under.
	Namespace() string
}

// ExplicitRegistrar allows hosts to provide exact function names when
// automatic PascalCase-to-kebab-case conversion doesn't apply.
type ExplicitRegistrar interface {
	Register() map[string]any
}

// Hosts is the catalog of Go functions binary module imports can forward to.
// Each namespace becomes one executed registry module.
type Hosts struct {
	funcs map[string]map[string]any
	mu    sync.RWMutex
}

func NewHosts() *Hosts {
	return &Hosts{
		funcs: make(map[string]map[string]any),
	}
}

func (h *Hosts) RegisterHost(host Host) error {
	ns := host.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}

	if er, ok := host.(ExplicitRegistrar); ok {
		for name, fn := range er.Register() {
			if err := h.RegisterFunc(ns, name, fn); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(host)
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)
		if !method.IsExported() || method.Name == "Namespace" {
			continue
		}
		if err := h.RegisterFunc(ns, toKebabCase(method.Name), rv.Method(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFunc adds one host function. fn is either an api.GoModuleFunc, a
// func(context.Context, api.Module, []uint64), or a typed function whose
// parameters and results are Go numeric types, optionally preceded by a
// context.Context and followed by an error result.
func (h *Hosts) RegisterFunc(namespace, name string, fn any) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if err := checkHandler(fn); err != nil {
		return errors.Registration(namespace, name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.funcs[namespace] == nil {
		h.funcs[namespace] = make(map[string]any)
	}
	h.funcs[namespace][name] = fn
	return nil
}

// Namespaces returns the registered namespaces, sorted.
func (h *Hosts) Namespaces() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.funcs))
	for ns := range h.funcs {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Install publishes every namespace into reg as an executed module.
func (h *Hosts) Install(reg *registry.Registry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ns, funcs := range h.funcs {
		exports := make(registry.Exports, len(funcs))
		for name, fn := range funcs {
			exports[name] = fn
		}
		if err := reg.Install(ns, exports); err != nil {
			return errors.Registration(ns, "*", err)
		}
		Logger().Debug("host namespace installed", zap.String("namespace", ns), zap.Int("functions", len(funcs)))
	}
	return nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

func checkHandler(fn any) error {
	switch fn.(type) {
	case api.GoModuleFunc, func(context.Context, api.Module, []uint64):
		return nil
	}

	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			Value(fmt.Sprintf("%T", fn)).
			Detail("handler must be a function").
			Build()
	}

	ft := rv.Type()
	for i := 0; i < ft.NumIn(); i++ {
		if i == 0 && ft.In(i) == contextType {
			continue
		}
		if _, ok := valueType(ft.In(i).Kind()); !ok {
			return errors.New(errors.PhaseHost, errors.KindUnsupported).
				Value(ft.String()).
				Detail("parameter %d has unsupported type %s", i, ft.In(i)).
				Build()
		}
	}
	for i := 0; i < ft.NumOut(); i++ {
		if i == ft.NumOut()-1 && ft.Out(i) == errorType {
			continue
		}
		if _, ok := valueType(ft.Out(i).Kind()); !ok {
			return errors.New(errors.PhaseHost, errors.KindUnsupported).
				Value(ft.String()).
				Detail("result %d has unsupported type %s", i, ft.Out(i)).
				Build()
		}
	}
	return nil
}

func valueType(k reflect.Kind) (api.ValueType, bool) {
	switch k {
	case reflect.Bool, reflect.Int8, reflect.Uint8, reflect.Int16, reflect.Uint16, reflect.Int32, reflect.Uint32:
		return api.ValueTypeI32, true
	case reflect.Int, reflect.Uint, reflect.Int64, reflect.Uint64, reflect.Uintptr:
		return api.ValueTypeI64, true
	case reflect.Float32:
		return api.ValueTypeF32, true
	case reflect.Float64:
		return api.ValueTypeF64, true
	}
	return 0, false
}

// callTyped invokes a typed host function with arguments decoded from the
// wasm stack and writes its results back.
func callTyped(ctx context.Context, fn reflect.Value, stack []uint64) error {
	ft := fn.Type()
	args := make([]reflect.Value, ft.NumIn())
	slot := 0
	for i := range args {
		in := ft.In(i)
		if i == 0 && in == contextType {
			args[i] = reflect.ValueOf(ctx)
			continue
		}
		if slot >= len(stack) {
			return fmt.Errorf("missing argument %d", i)
		}
		args[i] = decode(stack[slot], in)
		slot++
	}

	out := fn.Call(args)
	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return err
		}
		out = out[:n-1]
	}
	for i, v := range out {
		if i >= len(stack) {
			return fmt.Errorf("result %d does not fit the stack", i)
		}
		stack[i] = encode(v)
	}
	return nil
}

func decode(v uint64, t reflect.Type) reflect.Value {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		out.SetBool(uint32(v) != 0)
	case reflect.Int8, reflect.Int16, reflect.Int32:
		out.SetInt(int64(int32(uint32(v))))
	case reflect.Int, reflect.Int64:
		out.SetInt(int64(v))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		out.SetUint(uint64(uint32(v)))
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		out.SetUint(v)
	case reflect.Float32:
		out.SetFloat(float64(api.DecodeF32(v)))
	case reflect.Float64:
		out.SetFloat(api.DecodeF64(v))
	}
	return out
}

func encode(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return api.EncodeI32(int32(v.Int()))
	case reflect.Int, reflect.Int64:
		return api.EncodeI64(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return api.EncodeU32(uint32(v.Uint()))
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	}
	return 0
}

// initialisms are split apart when they run together in an uppercase run.
var initialisms = []string{
	"HTTPS", "HTTP", "JSON", "UUID", "UTF8", "HTML", "ASCII",
	"URL", "URI", "API", "CPU", "TCP", "UDP", "DNS", "SQL", "XML", "TLS", "WIT",
	"ID", "IO", "IP", "OS",
}

// toKebabCase converts PascalCase to kebab-case.
// Handles acronyms: GetHTTPURL -> get-http-url
func toKebabCase(s string) string {
	if len(s) == 0 {
		return ""
	}

	runes := []rune(s)
	var words []string

	for i := 0; i < len(runes); {
		if !unicode.IsUpper(runes[i]) {
			start := i
			for i < len(runes) && !unicode.IsUpper(runes[i]) {
				i++
			}
			if len(words) == 0 {
				words = append(words, string(runes[start:i]))
			} else {
				words[len(words)-1] += string(runes[start:i])
			}
			continue
		}

		acronymEnd := i + 1
		for acronymEnd < len(runes) && unicode.IsUpper(runes[acronymEnd]) {
			acronymEnd++
		}
		// Last uppercase before lowercase starts next word
		if acronymEnd > i+1 && acronymEnd < len(runes) && unicode.IsLower(runes[acronymEnd]) {
			acronymEnd--
		}

		if acronymEnd == i+1 {
			words = append(words, string(runes[i]))
		} else {
			words = append(words, splitAcronyms(string(runes[i:acronymEnd]))...)
		}
		i = acronymEnd
	}

	return strings.ToLower(strings.Join(words, "-"))
}

// splitAcronyms breaks an uppercase run like HTTPURL into known initialisms.
// Unknown remainders stay together.
func splitAcronyms(run string) []string {
	var parts []string
	rest := ""
	for len(run) > 0 {
		matched := ""
		for _, name := range initialisms {
			if strings.HasPrefix(run, name) && len(name) > len(matched) {
				matched = name
			}
		}
		if matched == "" {
			rest += run[:1]
			run = run[1:]
			continue
		}
		if rest != "" {
			parts = append(parts, rest)
			rest = ""
		}
		parts = append(parts, matched)
		run = run[len(matched):]
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// Package namespace normalizes raw module exports into a uniform
// default-plus-named view.
package namespace

import (
	"sort"
)

// Marker is the export key flagging a mapping that already follows the
// namespace convention (its own "default" entry plus named entries).
const Marker = "__esModule"

// DefaultKey is the export name of the default export.
const DefaultKey = "default"

// Namespace is a read-only view over a module's exports.
type Namespace struct {
	def        any
	named      map[string]any
	hasDefault bool
}

// Wrap builds a Namespace from raw exports.
//
//   - *Namespace is returned unchanged.
//   - A mapping carrying Marker is used as-is: its "default" entry is the
//     default export and every other entry is a named export.
//   - Anything else becomes the default export; a plain mapping also fans its
//     entries out as named exports.
func Wrap(raw any) *Namespace {
	if ns, ok := raw.(*Namespace); ok && ns != nil {
		return ns
	}

	m, isMap := raw.(map[string]any)
	if isMap && IsMarked(m) {
		ns := &Namespace{named: make(map[string]any, len(m))}
		for k, v := range m {
			if k == Marker {
				continue
			}
			if k == DefaultKey {
				ns.def, ns.hasDefault = v, true
				continue
			}
			ns.named[k] = v
		}
		return ns
	}

	ns := &Namespace{def: raw, hasDefault: true, named: map[string]any{}}
	if isMap {
		for k, v := range m {
			ns.named[k] = v
		}
	}
	return ns
}

// Mark flags exports as already following the namespace convention.
func Mark(exports map[string]any) {
	exports[Marker] = true
}

// IsMarked reports whether exports carry Marker.
func IsMarked(exports map[string]any) bool {
	v, ok := exports[Marker].(bool)
	return ok && v
}

// Default returns the value a default import of raw would bind: the
// "default" entry of marked exports, otherwise raw itself.
func Default(raw any) any {
	switch v := raw.(type) {
	case *Namespace:
		d, _ := v.Default()
		return d
	case map[string]any:
		if IsMarked(v) {
			return v[DefaultKey]
		}
	}
	return raw
}

// Default returns the default export.
func (n *Namespace) Default() (any, bool) {
	return n.def, n.hasDefault
}

// Get returns a named export.
func (n *Namespace) Get(name string) (any, bool) {
	v, ok := n.named[name]
	return v, ok
}

// Names returns the named export keys, sorted.
func (n *Namespace) Names() []string {
	names := make([]string, 0, len(n.named))
	for k := range n.named {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of named exports.
func (n *Namespace) Len() int {
	return len(n.named)
}

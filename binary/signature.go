package binary

import (
	"slices"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/chunk-runtime/errors"
)

// Signature is a WIT function type lowered to core wasm value types.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// ParseSignature parses a WIT function type such as
// "func(a: u32, b: f64) -> s32" and lowers it to core value types.
func ParseSignature(s string) (Signature, error) {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "func") {
		return Signature{}, errors.InvalidData(errors.PhaseLink, nil, "signature must start with func: "+s)
	}
	text = strings.TrimSpace(strings.TrimPrefix(text, "func"))

	open := strings.IndexByte(text, '(')
	end := matchingParen(text, open)
	if open != 0 || end < 0 {
		return Signature{}, errors.InvalidData(errors.PhaseLink, nil, "unbalanced parameter list: "+s)
	}

	var sig Signature
	for _, p := range splitParams(text[1:end]) {
		typ := p
		if idx := strings.LastIndex(p, ":"); idx != -1 {
			typ = p[idx+1:]
		}
		flat, err := lowerType(typ)
		if err != nil {
			return Signature{}, err
		}
		sig.Params = append(sig.Params, flat...)
	}

	rest := strings.TrimSpace(text[end+1:])
	if rest == "" {
		return sig, nil
	}
	if !strings.HasPrefix(rest, "->") {
		return Signature{}, errors.InvalidData(errors.PhaseLink, nil, "expected -> after parameters: "+s)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "->"))
	if rest == "" || rest == "()" {
		return sig, nil
	}

	results := []string{rest}
	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		results = nil
		for _, r := range splitParams(rest[1 : len(rest)-1]) {
			if idx := strings.LastIndex(r, ":"); idx != -1 {
				r = r[idx+1:]
			}
			results = append(results, r)
		}
	}
	for _, r := range results {
		flat, err := lowerType(r)
		if err != nil {
			return Signature{}, err
		}
		sig.Results = append(sig.Results, flat...)
	}
	return sig, nil
}

// Matches reports whether def has exactly the lowered types.
func (s Signature) Matches(def api.FunctionDefinition) bool {
	return slices.Equal(s.Params, def.ParamTypes()) && slices.Equal(s.Results, def.ResultTypes())
}

func (s Signature) String() string {
	return "(" + valueTypeNames(s.Params) + ") -> (" + valueTypeNames(s.Results) + ")"
}

func valueTypeNames(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}

func lowerType(s string) ([]api.ValueType, error) {
	t, err := wit.ParseType(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseLink, "WIT type "+strings.TrimSpace(s), err)
	}
	return flatTypes(t), nil
}

// flatTypes lowers a WIT type using the canonical ABI flattening rules.
func flatTypes(witType wit.Type) []api.ValueType {
	switch t := witType.(type) {
	case wit.Bool, wit.U8, wit.S8, wit.U16, wit.S16, wit.U32, wit.S32, wit.Char:
		return []api.ValueType{api.ValueTypeI32}
	case wit.U64, wit.S64:
		return []api.ValueType{api.ValueTypeI64}
	case wit.F32:
		return []api.ValueType{api.ValueTypeF32}
	case wit.F64:
		return []api.ValueType{api.ValueTypeF64}
	case wit.String:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	case *wit.TypeDef:
		switch kind := t.Kind.(type) {
		case *wit.List:
			return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
		case *wit.Tuple:
			var types []api.ValueType
			for _, elem := range kind.Types {
				types = append(types, flatTypes(elem)...)
			}
			return types
		case *wit.Option:
			return append([]api.ValueType{api.ValueTypeI32}, flatTypes(kind.Type)...)
		case *wit.Result:
			var payload []api.ValueType
			if kind.OK != nil {
				payload = flatTypes(kind.OK)
			}
			if kind.Err != nil {
				if errTypes := flatTypes(kind.Err); len(errTypes) > len(payload) {
					payload = errTypes
				}
			}
			return append([]api.ValueType{api.ValueTypeI32}, payload...)
		}
	}
	return []api.ValueType{api.ValueTypeI32}
}

func matchingParen(s string, open int) int {
	if open < 0 {
		return -1
	}
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(', '<':
			depth++
		case ')', '>':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitParams splits a parameter list on top-level commas.
func splitParams(s string) []string {
	var result []string
	var current strings.Builder
	depth := 0

	for _, ch := range s {
		switch ch {
		case '(', '<':
			depth++
			current.WriteRune(ch)
		case ')', '>':
			depth--
			current.WriteRune(ch)
		case ',':
			if depth == 0 {
				if str := strings.TrimSpace(current.String()); str != "" {
					result = append(result, str)
				}
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}

	if str := strings.TrimSpace(current.String()); str != "" {
		result = append(result, str)
	}
	return result
}

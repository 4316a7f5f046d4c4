package planner

import (
	"fmt"
	"sort"
	"strings"
)

// ParamKind identifies where the value of a placeholder comes from.
type ParamKind int

const (
	// ParamKey is one column of an identifier, unique key or collection key.
	ParamKey ParamKind = iota
	// ParamPositional is a "?" written by the caller.
	ParamPositional
	// ParamNamed is a ":name" written by the caller or a filter.
	ParamNamed
)

// Param describes one "?" of a compiled statement in text order.
type Param struct {
	Kind ParamKind
	// Index is the flattened key column position for ParamKey and the
	// ordinal for ParamPositional.
	Index int
	Name  string
}

// ParameterMetadata lists the placeholders of a compiled statement.
type ParameterMetadata struct {
	Params []Param
}

// Count returns the number of placeholders.
func (m ParameterMetadata) Count() int {
	return len(m.Params)
}

// KeyCount returns how many placeholders take key values.
func (m ParameterMetadata) KeyCount() int {
	n := 0
	for _, p := range m.Params {
		if p.Kind == ParamKey {
			n++
		}
	}
	return n
}

// NamedPositions returns the zero-based placeholder positions bound to name.
// A name repeated in the source occupies several positions.
func (m ParameterMetadata) NamedPositions(name string) []int {
	var out []int
	for i, p := range m.Params {
		if p.Kind == ParamNamed && p.Name == name {
			out = append(out, i)
		}
	}
	return out
}

// Names returns the distinct named parameters in sorted order.
func (m ParameterMetadata) Names() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range m.Params {
		if p.Kind != ParamNamed {
			continue
		}
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// Bind orders values for the statement placeholders. keys holds the
// flattened key columns of every key in the batch.
func (m ParameterMetadata) Bind(keys, positional []any, named map[string]any) ([]any, error) {
	args := make([]any, len(m.Params))
	for i, p := range m.Params {
		switch p.Kind {
		case ParamKey:
			if p.Index >= len(keys) {
				return nil, fmt.Errorf("missing key value %d of %d", p.Index+1, m.KeyCount())
			}
			args[i] = keys[p.Index]
		case ParamPositional:
			if p.Index >= len(positional) {
				return nil, fmt.Errorf("missing positional parameter %d", p.Index+1)
			}
			args[i] = positional[p.Index]
		case ParamNamed:
			v, ok := named[p.Name]
			if !ok {
				return nil, fmt.Errorf("no value bound for named parameter %q", p.Name)
			}
			args[i] = v
		}
	}
	return args, nil
}

// paramWriter rewrites fragments to plain "?" placeholders while recording
// what each placeholder stands for.
type paramWriter struct {
	params     []Param
	positional int
}

func (w *paramWriter) keys(n int) {
	for i := 0; i < n; i++ {
		w.params = append(w.params, Param{Kind: ParamKey, Index: w.keyCount()})
	}
}

func (w *paramWriter) keyCount() int {
	n := 0
	for _, p := range w.params {
		if p.Kind == ParamKey {
			n++
		}
	}
	return n
}

// rewrite replaces ":name" with "?" outside string literals. prefix, when
// set, qualifies the recorded names ("filter.param").
func (w *paramWriter) rewrite(fragment, prefix string) string {
	var b strings.Builder
	b.Grow(len(fragment))
	inQuote := false
	for i := 0; i < len(fragment); i++ {
		c := fragment[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case inQuote:
			b.WriteByte(c)
		case c == '?':
			w.params = append(w.params, Param{Kind: ParamPositional, Index: w.positional})
			w.positional++
			b.WriteByte(c)
		case c == ':' && i+1 < len(fragment) && fragment[i+1] == ':':
			// postgres cast
			b.WriteString("::")
			i++
		case c == ':' && i+1 < len(fragment) && isNameStart(fragment[i+1]):
			j := i + 1
			for j < len(fragment) && isNamePart(fragment[j]) {
				j++
			}
			name := fragment[i+1 : j]
			if prefix != "" {
				name = prefix + "." + name
			}
			w.params = append(w.params, Param{Kind: ParamNamed, Name: name})
			b.WriteByte('?')
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (w *paramWriter) metadata() ParameterMetadata {
	return ParameterMetadata{Params: append([]Param(nil), w.params...)}
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNamePart(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

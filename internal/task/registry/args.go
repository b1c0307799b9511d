package registry

import (
	"fmt"
	"strings"
)

// Args is the argument bag forwarded verbatim to a task function.
// Values should be JSON-friendly; they cross the worker-pool boundary
// and may be persisted with a schedule entry.
type Args struct {
	Positional []any          `json:"args,omitempty"`
	Named      map[string]any `json:"kwargs,omitempty"`
}

func NewArgs(positional ...any) Args {
	return Args{Positional: positional}
}

// With returns a copy of a with the named argument set.
func (a Args) With(key string, v any) Args {
	named := make(map[string]any, len(a.Named)+1)
	for k, x := range a.Named {
		named[k] = x
	}
	named[key] = v
	a.Named = named
	return a
}

func (a Args) Len() int { return len(a.Positional) }

func (a Args) Arg(i int) (any, bool) {
	if i < 0 || i >= len(a.Positional) {
		return nil, false
	}
	return a.Positional[i], true
}

// String returns positional argument i rendered as a string ("" if absent or nil).
func (a Args) String(i int) string {
	v, ok := a.Arg(i)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Strings returns positional argument i as a string list.
// A single string is treated as a one-element list.
func (a Args) Strings(i int) []string {
	v, ok := a.Arg(i)
	if !ok {
		return nil
	}
	return toStrings(v)
}

func (a Args) Get(key string) (any, bool) {
	if a.Named == nil {
		return nil, false
	}
	v, ok := a.Named[key]
	return v, ok
}

func (a Args) NamedString(key string) string {
	v, ok := a.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (a Args) NamedBool(key string) bool {
	v, ok := a.Get(key)
	if !ok {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(x, "true") || x == "1"
	default:
		return false
	}
}

func toStrings(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			if it == nil {
				continue
			}
			out = append(out, fmt.Sprint(it))
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}

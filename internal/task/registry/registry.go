// Package registry maps task identifiers to callable task functions.
//
// Identifiers are dotted "<app>.<module>.<function>" strings. Functions are
// registered at process startup into modules (keyed by "<app>.<module>") and,
// optionally, into a flat scope of bare names that the resolver falls back to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func is a unit of work. Errors returned here belong to the task and are
// surfaced to whoever runs it.
type Func func(ctx context.Context, args Args) error

// Module is a loaded group of task functions.
type Module interface {
	Path() string
	Attribute(name string) (Func, bool)
}

// Symbols is the lookup surface the resolver needs.
type Symbols interface {
	LoadModule(path string) (Module, bool)
	InScope(name string) (Func, bool)
}

type module struct {
	path  string
	funcs map[string]Func
}

func (m *module) Path() string { return m.path }

func (m *module) Attribute(name string) (Func, bool) {
	fn, ok := m.funcs[name]
	return fn, ok && fn != nil
}

// Registry is a static registration table. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*module
	scope   map[string]Func
}

func New() *Registry {
	return &Registry{
		modules: map[string]*module{},
		scope:   map[string]Func{},
	}
}

// Register adds fn under a module-qualified identifier ("a.b.fn" registers
// "fn" in module "a.b"). Re-registering replaces the previous function.
func (r *Registry) Register(identifier string, fn Func) error {
	if fn == nil {
		return errors.New("registry: nil func")
	}
	path, name, ok := splitQualified(identifier)
	if !ok {
		return fmt.Errorf("registry: identifier %q must be module-qualified", identifier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.modules[path]
	if m == nil {
		m = &module{path: path, funcs: map[string]Func{}}
		r.modules[path] = m
	}
	m.funcs[name] = fn
	return nil
}

// RegisterModule registers every entry of funcs into module path.
func (r *Registry) RegisterModule(path string, funcs map[string]Func) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("registry: module path required")
	}
	for name, fn := range funcs {
		if err := r.Register(path+"."+name, fn); err != nil {
			return err
		}
	}
	return nil
}

// RegisterScope makes fn visible to bare-name lookups.
func (r *Registry) RegisterScope(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("registry: invalid scope name %q", name)
	}
	if fn == nil {
		return errors.New("registry: nil func")
	}
	r.mu.Lock()
	r.scope[name] = fn
	r.mu.Unlock()
	return nil
}

func (r *Registry) LoadModule(path string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[path]
	if !ok {
		return nil, false
	}
	return m, true
}

func (r *Registry) InScope(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.scope[name]
	return fn, ok
}

// Lookup is the exact, module-qualified lookup used by worker pools:
// no length rule and no bare-name fallback.
func (r *Registry) Lookup(identifier string) (Func, bool) {
	path, name, ok := splitQualified(identifier)
	if !ok {
		return nil, false
	}
	m, ok := r.LoadModule(path)
	if !ok {
		return nil, false
	}
	return m.Attribute(name)
}

// Identifiers lists every module-qualified identifier, sorted.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.modules)*4)
	for path, m := range r.modules {
		for name := range m.funcs {
			out = append(out, path+"."+name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func splitQualified(identifier string) (path, name string, ok bool) {
	identifier = strings.TrimSpace(identifier)
	i := strings.LastIndex(identifier, ".")
	if i <= 0 || i == len(identifier)-1 {
		return "", "", false
	}
	return identifier[:i], identifier[i+1:], true
}

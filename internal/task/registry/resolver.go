package registry

import (
	"fmt"
	"strings"

	"invtasks/internal/task/taskerr"
	logx "invtasks/pkg/logx"
)

// Resolver turns a task identifier into a Func.
//
// Resolution order:
//  1. the identifier must split into exactly "<app>.<module>.<function>";
//     anything else fails with MalformedIdentifier before any module load.
//  2. module "<app>.<module>" must load; otherwise ModuleNotFound.
//     No fallback here, even though a missing attribute does fall back below.
//  3. "<function>" is read from the module; if absent it is looked up as a
//     bare name in scope, failing with FunctionNotFound.
//
// Every failure is logged at warn level and returned as a *taskerr.Error.
type Resolver struct {
	syms Symbols
	log  logx.Logger
}

func NewResolver(syms Symbols, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{syms: syms, log: log}
}

func (r *Resolver) Resolve(identifier string) (Func, error) {
	fn, err := r.resolve(identifier)
	if err != nil {
		r.log.Warn(fmt.Sprintf("'%s' not started - %s", identifier, detailOf(err)),
			logx.String("task", identifier),
			logx.String("kind", taskerr.KindOf(err).String()),
		)
		return nil, err
	}
	return fn, nil
}

func (r *Resolver) resolve(identifier string) (Func, error) {
	parts := strings.Split(identifier, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, taskerr.New(taskerr.KindMalformedIdentifier, identifier, "Malformed function path")
	}
	modPath := parts[0] + "." + parts[1]
	name := parts[2]

	if r.syms == nil {
		return nil, taskerr.New(taskerr.KindModuleNotFound, identifier, fmt.Sprintf("No module named '%s'", modPath))
	}
	mod, ok := r.syms.LoadModule(modPath)
	if !ok || mod == nil {
		return nil, taskerr.New(taskerr.KindModuleNotFound, identifier, fmt.Sprintf("No module named '%s'", modPath))
	}
	if fn, ok := mod.Attribute(name); ok {
		return fn, nil
	}
	if fn, ok := r.syms.InScope(name); ok && fn != nil {
		return fn, nil
	}
	return nil, taskerr.New(taskerr.KindFunctionNotFound, identifier, fmt.Sprintf("No function named '%s'", name))
}

func detailOf(err error) string {
	if e, ok := err.(*taskerr.Error); ok && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}

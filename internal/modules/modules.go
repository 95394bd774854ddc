// Package modules provides the native modules scripts can require: os, time and json.
package modules

import (
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hook-engine/internal/engine"
)

// Module names.
const (
	OS   = "os"
	Time = "time"
	JSON = "json"
)

var builtin = map[string]map[string]lua.LGFunction{
	OS:   osFuncs,
	Time: timeFuncs,
	JSON: jsonFuncs,
}

// Builtin returns the resolver and loader table for every native module,
// ready for engine.SetLoaders.
func Builtin() (engine.StaticResolver, map[string]engine.Loader) {
	return Select(Names()...)
}

// Select returns the resolver and loader table for the named modules.
// Unknown names are ignored.
func Select(names ...string) (engine.StaticResolver, map[string]engine.Loader) {
	loaders := make(map[string]engine.Loader, len(names))
	declared := make([]string, 0, len(names))
	for _, name := range names {
		funcs, ok := builtin[name]
		if !ok {
			continue
		}
		loaders[name] = loader(funcs)
		declared = append(declared, name)
	}
	return engine.NewStaticResolver(declared...), loaders
}

// Names lists the native modules, sorted.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loader(funcs map[string]lua.LGFunction) engine.Loader {
	return func(L *lua.LState) int {
		L.Push(L.SetFuncs(L.NewTable(), funcs))
		return 1
	}
}

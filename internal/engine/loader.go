package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Loader builds a native module. It receives the requested name as argument 1
// and pushes the module value.
type Loader = lua.LGFunction

// Resolver decides which module names are native and maps them to a key of the
// loader table.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// StaticResolver is a fixed set of native module names.
type StaticResolver map[string]struct{}

// NewStaticResolver declares names as native modules.
func NewStaticResolver(names ...string) StaticResolver {
	r := make(StaticResolver, len(names))
	for _, name := range names {
		r[name] = struct{}{}
	}
	return r
}

// Resolve implements Resolver.
func (r StaticResolver) Resolve(name string) (string, bool) {
	_, ok := r[name]
	return name, ok
}

// Names returns the declared module names, sorted.
func (r StaticResolver) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registerRequire installs a require() that serves native modules first, then
// files under the engine script directory ("a.b" -> a/b.lua).
// Modules are marked loaded before they run so circular requires terminate.
func (c *Context) registerRequire() {
	L := c.L
	loaded := c.loaded

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if cached := loaded.RawGetString(name); cached != lua.LNil {
			L.Push(cached)
			return 1
		}

		loaded.RawSetString(name, lua.LTrue)
		result, err := c.loadModule(L, name)
		if err != nil {
			// unmark so a later require can retry
			loaded.RawSetString(name, lua.LNil)
			L.RaiseError("error loading module '%s': %v", name, err)
			return 0
		}
		loaded.RawSetString(name, result)
		L.Push(result)
		return 1
	}))

	pkg := L.NewTable()
	pkg.RawSetString("loaded", loaded)
	L.SetGlobal("package", pkg)
}

func (c *Context) loadModule(L *lua.LState, name string) (lua.LValue, error) {
	resolver, loaders := c.engine.moduleConfig()

	var fn *lua.LFunction
	if resolver != nil {
		if key, ok := resolver.Resolve(name); ok {
			loader, ok := loaders[key]
			if !ok {
				return nil, fmt.Errorf("native module %q has no loader", key)
			}
			fn = L.NewFunction(loader)
		}
	}
	if fn == nil {
		dir := c.engine.opts.ScriptDir
		if dir == "" {
			return nil, fmt.Errorf("module not found")
		}
		path := filepath.Join(dir, strings.ReplaceAll(name, ".", string(filepath.Separator))+".lua")
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("module not found: %s", path)
		}
		compiled, err := L.LoadFile(path)
		if err != nil {
			return nil, err
		}
		fn = compiled
		c.engine.log.Debug("loading script module", zap.String("module", name), zap.String("path", path))
	}

	L.Push(fn)
	L.Push(lua.LString(name))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, err
	}
	result := L.Get(-1)
	L.Pop(1)
	if result == lua.LNil {
		result = lua.LTrue
	}
	return result, nil
}

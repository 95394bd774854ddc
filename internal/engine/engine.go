// Package engine embeds gopher-lua for host-to-script hook calls.
//
// An Engine owns one scheduler goroutine and the native module configuration.
// Contexts created from it are isolated Lua states whose instructions all run
// on that scheduler, one task at a time. Host futures bridged into scripts are
// the only suspension points: a coroutine awaiting a pending future parks and
// frees the scheduler for other contexts.
package engine

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var validate = validator.New()

// Library names accepted in Options.Libraries. base and coroutine are always opened.
const (
	LibBase      = "base"
	LibTable     = "table"
	LibString    = "string"
	LibMath      = "math"
	LibOS        = "os"
	LibCoroutine = "coroutine"
)

var libraryOpeners = map[string]lua.LGFunction{
	LibBase:      lua.OpenBase,
	LibTable:     lua.OpenTable,
	LibString:    lua.OpenString,
	LibMath:      lua.OpenMath,
	LibOS:        lua.OpenOs,
	LibCoroutine: lua.OpenCoroutine,
}

// Options configure an Engine.
type Options struct {
	CallStackSize       int      `validate:"gte=0"`
	RegistrySize        int      `validate:"gte=0"`
	MinimizeStackMemory bool     // grow the Lua stack on demand
	IncludeGoStackTrace bool     // add Go stacks to internal failures
	Libraries           []string `validate:"dive,oneof=base table string math os coroutine"`
	// ScriptDir is searched by require for non-native modules. Empty disables it.
	ScriptDir string
	Logger    *zap.Logger `validate:"-"`
}

// DefaultOptions opens the base, table, string, math and coroutine libraries.
func DefaultOptions() Options {
	return Options{
		Libraries: []string{LibBase, LibTable, LibString, LibMath, LibCoroutine},
	}
}

// Engine is the factory of contexts. A *Engine may be shared by any number of
// goroutines; it serializes all script execution on its scheduler.
type Engine struct {
	opts  Options
	log   *zap.Logger
	sched *scheduler

	mu       sync.Mutex
	resolver Resolver
	loaders  map[string]Loader
	frozen   bool
	shutdown bool
	contexts map[*Context]struct{}
}

// New validates opts and starts the engine scheduler.
func New(opts Options) (*Engine, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, &EngineInitError{Err: err}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		opts:     opts,
		log:      log,
		sched:    newScheduler(),
		contexts: make(map[*Context]struct{}),
	}
	log.Debug("engine started", zap.Strings("libraries", opts.Libraries))
	return e, nil
}

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger {
	return e.log
}

// SetLoaders installs the native module table. It must run before the first
// context is created and fails with ErrLoadersFrozen afterwards.
func (e *Engine) SetLoaders(resolver Resolver, table map[string]Loader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return ErrLoadersFrozen
	}
	loaders := make(map[string]Loader, len(table))
	for name, loader := range table {
		loaders[name] = loader
	}
	e.resolver = resolver
	e.loaders = loaders
	return nil
}

func (e *Engine) moduleConfig() (Resolver, map[string]Loader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolver, e.loaders
}

// NewContext creates an isolated context: a fresh Lua state with the configured
// libraries, the module-aware require and the await prelude.
func (e *Engine) NewContext(ctx context.Context) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.frozen = true
	e.mu.Unlock()

	var c *Context
	err := e.sched.execute(func() error {
		var err error
		c, err = e.buildContext()
		return err
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		// lost a race with Shutdown; nothing else references c yet
		c.close()
		return nil, ErrEngineClosed
	}
	e.contexts[c] = struct{}{}
	return c, nil
}

func (e *Engine) buildContext() (*Context, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       e.opts.CallStackSize,
		RegistrySize:        e.opts.RegistrySize,
		MinimizeStackMemory: e.opts.MinimizeStackMemory,
		IncludeGoStackTrace: e.opts.IncludeGoStackTrace,
	})

	opened := map[string]bool{}
	for _, name := range append([]string{LibBase, LibCoroutine}, e.opts.Libraries...) {
		if opened[name] {
			continue
		}
		opened[name] = true
		libraryOpeners[name](L)
	}
	L.SetTop(0)

	c := &Context{
		id:     newContextID(),
		engine: e,
		L:      L,
		loaded: L.NewTable(),
	}
	c.registerRequire()
	if err := installPrelude(L); err != nil {
		L.Close()
		return nil, &OtherError{Message: "installing prelude", Err: err}
	}
	e.log.Debug("context created", zap.String("context", c.id))
	return c, nil
}

func (e *Engine) forget(c *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, c)
}

// Contexts returns the number of open contexts.
func (e *Engine) Contexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

// Shutdown closes every open context and stops the scheduler. Queued tasks run
// first. Later calls on the engine or its contexts fail with ErrEngineClosed.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	contexts := make([]*Context, 0, len(e.contexts))
	for c := range e.contexts {
		contexts = append(contexts, c)
	}
	e.contexts = map[*Context]struct{}{}
	e.mu.Unlock()

	if err := e.sched.execute(func() error {
		for _, c := range contexts {
			c.close()
		}
		return nil
	}); err != nil {
		e.log.Warn("closing contexts at shutdown", zap.Error(err))
	}
	e.sched.stop()
	e.log.Debug("engine stopped", zap.Int("closed", len(contexts)))
}

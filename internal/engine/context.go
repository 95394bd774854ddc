package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Context is an isolated global scope bound to one Engine.
// All access goes through WithAccess, which runs on the engine scheduler; a
// context therefore never runs two script calls at the same instant.
type Context struct {
	id     string
	engine *Engine
	L      *lua.LState
	loaded *lua.LTable

	// closed is only touched on the scheduler goroutine
	closed bool
}

// ID returns the unique context identifier.
func (c *Context) ID() string {
	return c.id
}

// Engine returns the engine that created the context.
func (c *Context) Engine() *Engine {
	return c.engine
}

// WithAccess runs fn with exclusive access to the context and waits for it.
// A pending exception left by fn is translated before the scope exits.
// It must not be called from inside another scope of the same engine.
func (c *Context) WithAccess(fn func(*Scope) error) error {
	return c.engine.sched.execute(func() error {
		return c.enter(fn)
	})
}

// Schedule queues fn on the engine scheduler without waiting.
// fn is called exactly once: with a scope, or with a nil scope and the reason
// the context can no longer be entered.
func (c *Context) Schedule(fn func(*Scope, error)) {
	posted := c.engine.sched.post(func() {
		var called bool
		err := c.enter(func(s *Scope) error {
			called = true
			fn(s, nil)
			return nil
		})
		if !called {
			fn(nil, err)
		}
	})
	if !posted {
		fn(nil, ErrEngineClosed)
	}
}

func (c *Context) enter(fn func(*Scope) error) (err error) {
	if c.closed {
		return ErrContextClosed
	}
	s := &Scope{ctx: c}
	defer func() {
		if r := recover(); r != nil {
			err = &OtherError{Message: fmt.Sprintf("panic in context %s: %v", c.id, r)}
		}
		if errors.Is(err, errExceptionPending) {
			err = Translate(s, err)
		}
		s.exit()
	}()
	return fn(s)
}

// Eval runs source in the global environment and returns its first result
// converted with ToGo.
func (c *Context) Eval(ctx context.Context, name, source string) (any, error) {
	return c.eval(ctx, func(s *Scope) (lua.LValue, error) {
		return s.EvalScript(name, source)
	})
}

// EvalModule runs module-form source and returns its result converted with ToGo.
func (c *Context) EvalModule(ctx context.Context, name, source string) (any, error) {
	return c.eval(ctx, func(s *Scope) (lua.LValue, error) {
		return s.EvalModule(name, source)
	})
}

func (c *Context) eval(ctx context.Context, run func(*Scope) (lua.LValue, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out any
	err := c.WithAccess(func(s *Scope) error {
		v, err := run(s)
		if err != nil {
			return Translate(s, err)
		}
		out, err = ToGo(v)
		if err != nil {
			return &DeserializationError{From: TypeName(v), To: "any", Err: err}
		}
		return nil
	})
	return out, err
}

// Global returns a global binding converted with ToGo, or a LookupError.
func (c *Context) Global(name string) (any, error) {
	var out any
	err := c.WithAccess(func(s *Scope) error {
		v := s.Global(name)
		if v == lua.LNil {
			return &LookupError{Name: name}
		}
		var err error
		out, err = ToGo(v)
		return err
	})
	return out, err
}

// Close releases the Lua state and every native closure bound to it.
// Closing twice, or after engine shutdown, does nothing.
func (c *Context) Close() {
	err := c.engine.sched.execute(func() error {
		c.close()
		return nil
	})
	if err == nil {
		c.engine.forget(c)
	}
}

func (c *Context) close() {
	if c.closed {
		return
	}
	c.closed = true
	c.L.Close()
	c.engine.log.Debug("context closed", zap.String("context", c.id))
}

// Scope is the access handed to a WithAccess callback.
// It owns the pending-exception slot and is invalid once the callback returns.
type Scope struct {
	ctx     *Context
	pending *lua.ApiError
	exited  bool
}

// State returns the Lua state of the context.
func (s *Scope) State() *lua.LState {
	return s.ctx.L
}

// Context returns the context being accessed.
func (s *Scope) Context() *Context {
	return s.ctx
}

// Logger returns the engine logger with the context id attached.
func (s *Scope) Logger() *zap.Logger {
	return s.ctx.engine.log.With(zap.String("context", s.ctx.id))
}

// Marshal converts a host value into a script value of this context.
func (s *Scope) Marshal(v any) (lua.LValue, error) {
	return ToLua(s.ctx.L, v)
}

// Global returns the global binding name, LNil if absent.
func (s *Scope) Global(name string) lua.LValue {
	return s.ctx.L.GetGlobal(name)
}

// SetGlobal binds name in the context globals, overwriting any previous value.
func (s *Scope) SetGlobal(name string, v lua.LValue) {
	s.ctx.L.SetGlobal(name, v)
}

// Signal classifies a gopher-lua failure. Script errors are parked in the
// pending slot and the returned signal must go through Translate; internal
// failures come back as OtherError.
func (s *Scope) Signal(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Type == lua.ApiErrorPanic {
		return &OtherError{Message: "lua panic", Err: apiErr}
	}
	s.pending = apiErr
	return errExceptionPending
}

// TakeException drains the pending-exception slot.
func (s *Scope) TakeException() (*lua.ApiError, bool) {
	exc := s.pending
	s.pending = nil
	return exc, exc != nil
}

func (s *Scope) exit() {
	if s.pending != nil {
		s.Logger().Warn("dropping untranslated script exception", zap.String("error", RenderError(s.pending.Object)))
	}
	s.pending = nil
	s.exited = true
}

// EvalScript compiles and runs source in the global environment and returns
// its first result.
func (s *Scope) EvalScript(name, source string) (lua.LValue, error) {
	fn, err := s.compile(name, source)
	if err != nil {
		return nil, err
	}
	return s.run(fn)
}

// EvalModule runs source as a module: the chunk gets its own environment
// falling back to the globals. The result is the chunk's return value, or the
// module environment when it returns nothing.
func (s *Scope) EvalModule(name, source string) (lua.LValue, error) {
	fn, env, err := s.CompileModule(name, source)
	if err != nil {
		return nil, err
	}
	v, err := s.run(fn)
	if err != nil {
		return nil, err
	}
	if v == lua.LNil {
		return env, nil
	}
	return v, nil
}

// CompileModule compiles source as a module chunk without running it.
func (s *Scope) CompileModule(name, source string) (*lua.LFunction, *lua.LTable, error) {
	fn, err := s.compile(name, source)
	if err != nil {
		return nil, nil, err
	}
	L := s.ctx.L
	env := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.G.Global)
	L.SetMetatable(env, mt)
	fn.Env = env
	return fn, env, nil
}

func (s *Scope) compile(name, source string) (*lua.LFunction, error) {
	if s.exited {
		return nil, ErrContextClosed
	}
	fn, err := s.ctx.L.Load(strings.NewReader(source), name)
	if err != nil {
		return nil, s.Signal(err)
	}
	return fn, nil
}

func (s *Scope) run(fn *lua.LFunction) (lua.LValue, error) {
	L := s.ctx.L
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, s.Signal(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

func newContextID() string {
	return uuid.NewString()
}

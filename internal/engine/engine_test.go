package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func newTestContext(t *testing.T, e *Engine) *Context {
	t.Helper()
	c, err := e.NewContext(context.Background())
	require.NoError(t, err)
	return c
}

func TestNewRejectsUnknownLibrary(t *testing.T) {
	_, err := New(Options{Libraries: []string{"io"}})
	var initErr *EngineInitError
	require.ErrorAs(t, err, &initErr)
}

func TestEvalReturnsValue(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	v, err := c.Eval(context.Background(), "sum", "return 1 + 2")
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	v, err = c.Eval(context.Background(), "table", `return {name = "x", list = {1, 2}}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "x", "list": []any{float64(1), float64(2)}}, v)
}

// TestEvalExceptionCarriesDiagnostic verifies runtime and syntax errors carry a diagnostic.
func TestEvalExceptionCarriesDiagnostic(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	_, err := c.Eval(context.Background(), "boom", `error("boom")`)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.True(t, exc.HasDiagnostic)
	assert.Contains(t, exc.Diagnostic, "boom")

	_, err = c.Eval(context.Background(), "syntax", "return +")
	require.ErrorAs(t, err, &exc)
	assert.True(t, exc.HasDiagnostic)
}

// TestEvalErrorObject verifies error tables keep their message field.
func TestEvalErrorObject(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	_, err := c.Eval(context.Background(), "obj", `error({message = "structured"})`)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Diagnostic, "structured")
	assert.Equal(t, map[string]any{"message": "structured"}, exc.Value)
}

// TestEvalModuleHasOwnEnvironment verifies module globals stay out of the context globals.
func TestEvalModuleHasOwnEnvironment(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))
	ctx := context.Background()

	v, err := c.EvalModule(ctx, "mod", "answer = 42")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": float64(42)}, v)

	v, err = c.Eval(ctx, "check", "return answer")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = c.EvalModule(ctx, "ret", "return string.upper('hi')")
	require.NoError(t, err)
	assert.Equal(t, "HI", v)
}

// TestContextsAreIsolated verifies globals set in one context are invisible in another.
func TestContextsAreIsolated(t *testing.T) {
	e := newTestEngine(t)
	c1 := newTestContext(t, e)
	c2 := newTestContext(t, e)
	ctx := context.Background()

	_, err := c1.Eval(ctx, "set", "shared = 'c1'")
	require.NoError(t, err)
	v, err := c2.Eval(ctx, "get", "return shared")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.Equal(t, 2, e.Contexts())
}

// TestSetLoadersFrozenAfterContext verifies loaders cannot change once a context exists.
func TestSetLoadersFrozenAfterContext(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetLoaders(NewStaticResolver(), nil))
	newTestContext(t, e)

	err := e.SetLoaders(NewStaticResolver("late"), nil)
	assert.ErrorIs(t, err, ErrLoadersFrozen)
}

func TestRequireNativeModule(t *testing.T) {
	e := newTestEngine(t)
	calls := 0
	require.NoError(t, e.SetLoaders(NewStaticResolver("greet"), map[string]Loader{
		"greet": func(L *lua.LState) int {
			calls++
			mod := L.NewTable()
			mod.RawSetString("hello", lua.LString("world"))
			L.Push(mod)
			return 1
		},
	}))
	c := newTestContext(t, e)
	ctx := context.Background()

	v, err := c.Eval(ctx, "req", `return require("greet").hello`)
	require.NoError(t, err)
	assert.Equal(t, "world", v)

	_, err = c.Eval(ctx, "again", `return require("greet")`)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "modules are cached")

	_, err = c.Eval(ctx, "missing", `return require("nope")`)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Diagnostic, "error loading module 'nope'")
}

// TestRequireScriptDir verifies require finds scripts under the script directory.
func TestRequireScriptDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "util.lua"), []byte("return { n = 7 }"), 0o644))

	opts := DefaultOptions()
	opts.ScriptDir = dir
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	c := newTestContext(t, e)

	v, err := c.Eval(context.Background(), "req", `return require("lib.util").n`)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)
}

// TestPreludeStripsFileLoaders verifies the prelude removes file loaders and its own helpers.
func TestPreludeStripsFileLoaders(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	v, err := c.Eval(context.Background(), "check", "return dofile == nil and loadfile == nil and __future_poll == nil")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

// TestAwaitAtTopLevel verifies await works in evaluated top level code.
func TestAwaitAtTopLevel(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))
	ctx := context.Background()

	require.NoError(t, c.WithAccess(func(s *Scope) error {
		s.SetGlobal("done", PushFuture(s.State(), Resolved(42)))
		s.SetGlobal("waiting", PushFuture(s.State(), NewFuture()))
		return nil
	}))

	v, err := c.Eval(ctx, "settled", "return await(done)")
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	v, err = c.Eval(ctx, "plain", "return await('x')")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	_, err = c.Eval(ctx, "pending", "return await(waiting)")
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Diagnostic, "await outside of an invocation")
}

func TestPcallAtTopLevel(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	v, err := c.Eval(context.Background(), "pcall", `
		local ok, err = pcall(function() error({message = "caught"}) end)
		return {ok = ok, message = err.message}
	`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": false, "message": "caught"}, v)
}

func TestGlobalLookup(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	_, err := c.Global("missing")
	var lookup *LookupError
	require.ErrorAs(t, err, &lookup)
	assert.Equal(t, "missing", lookup.Name)

	_, err = c.Eval(context.Background(), "def", "present = 'yes'")
	require.NoError(t, err)
	v, err := c.Global("present")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}

// TestWithAccessTranslatesPendingException verifies a pending exception becomes the WithAccess error.
func TestWithAccessTranslatesPendingException(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	err := c.WithAccess(func(s *Scope) error {
		_, err := s.EvalScript("fail", `error("left pending")`)
		return err
	})
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Diagnostic, "left pending")
}

// TestWithAccessRecoversPanic verifies panics inside WithAccess are returned as errors.
func TestWithAccessRecoversPanic(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	err := c.WithAccess(func(*Scope) error { panic("bad host code") })
	var other *OtherError
	require.ErrorAs(t, err, &other)

	v, err := c.Eval(context.Background(), "alive", "return 'still running'")
	require.NoError(t, err)
	assert.Equal(t, "still running", v)
}

// TestClosedContextAndEngine verifies closed contexts and engines refuse work.
func TestClosedContextAndEngine(t *testing.T) {
	e, err := New(DefaultOptions())
	require.NoError(t, err)
	c := newTestContext(t, e)
	other := newTestContext(t, e)

	c.Close()
	c.Close()
	err = c.WithAccess(func(*Scope) error { return nil })
	assert.ErrorIs(t, err, ErrContextClosed)
	assert.Equal(t, 1, e.Contexts())

	done := make(chan error, 1)
	other.Schedule(func(s *Scope, err error) { done <- err })
	assert.NoError(t, <-done)

	e.Shutdown()
	e.Shutdown()
	_, err = e.NewContext(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
	err = other.WithAccess(func(*Scope) error { return nil })
	assert.ErrorIs(t, err, ErrEngineClosed)

	other.Schedule(func(s *Scope, err error) {
		assert.Nil(t, s)
		done <- err
	})
	assert.ErrorIs(t, <-done, ErrEngineClosed)
}

func TestTranslatePassesTypedErrors(t *testing.T) {
	c := newTestContext(t, newTestEngine(t))

	require.NoError(t, c.WithAccess(func(s *Scope) error {
		lookup := &LookupError{Name: "x"}
		assert.Same(t, lookup, Translate(s, lookup))

		plain := errors.New("plain")
		var other *OtherError
		require.ErrorAs(t, Translate(s, plain), &other)
		assert.ErrorIs(t, other, plain)
		assert.Empty(t, other.Message)

		exc := Translate(s, errExceptionPending)
		var excErr *ExceptionError
		require.ErrorAs(t, exc, &excErr)
		assert.False(t, excErr.HasDiagnostic)
		assert.Nil(t, Translate(s, nil))
		return nil
	}))
}

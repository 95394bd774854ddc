package bridge

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hook-engine/internal/engine"
)

func newContext(t *testing.T) *engine.Context {
	t.Helper()
	e, err := engine.New(engine.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	c, err := e.NewContext(context.Background())
	require.NoError(t, err)
	return c
}

func eval(t *testing.T, c *engine.Context, src string) any {
	t.Helper()
	v, err := c.Eval(context.Background(), "test", src)
	require.NoError(t, err)
	return v
}

func evalErr(t *testing.T, c *engine.Context, src string) *engine.ExceptionError {
	t.Helper()
	_, err := c.Eval(context.Background(), "test", src)
	var exc *engine.ExceptionError
	require.ErrorAs(t, err, &exc)
	return exc
}

// TestPrintBeforeAndAfterRegistration verifies print fails until Print is registered, then writes tab separated lines.
func TestPrintBeforeAndAfterRegistration(t *testing.T) {
	c := newContext(t)
	var out bytes.Buffer

	evalErr(t, c, `__print("early")`)

	require.NoError(t, Register(c, Print(&out)))
	eval(t, c, `__print("hello") print("a", 1, true) console.log("log")`)
	assert.Equal(t, "hello\na\t1\ttrue\nlog\n", out.String())
}

// TestFuncDecodesArgumentsAndResults verifies Func decodes arguments and marshals results by reflection.
func TestFuncDecodesArgumentsAndResults(t *testing.T) {
	c := newContext(t)
	require.NoError(t, Register(c,
		Func("add", func(a, b int) int { return a + b }),
		Func("join", func(sep string, parts ...string) string { return strings.Join(parts, sep) }),
		Func("divide", func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			return a / b, nil
		}),
		Func("stack", func(L *lua.LState, n int) int { return L.GetTop() + n }),
	))

	assert.Equal(t, float64(5), eval(t, c, "return add(2, 3)"))
	assert.Equal(t, "a-b-c", eval(t, c, `return join("-", "a", "b", "c")`))
	assert.Equal(t, float64(2), eval(t, c, "return divide(4, 2)"))
	assert.Equal(t, float64(11), eval(t, c, "return stack(10)"))

	exc := evalErr(t, c, "return divide(1, 0)")
	assert.Contains(t, exc.Diagnostic, "division by zero")

	exc = evalErr(t, c, `return add("x", 1)`)
	assert.Contains(t, exc.Diagnostic, "cannot deserialize script string into int")

	exc = evalErr(t, c, "return add(1.5, 1)")
	assert.Contains(t, exc.Diagnostic, "argument 1")
}

func TestFuncRejectsNonFunction(t *testing.T) {
	c := newContext(t)
	err := Register(c, Func("bad", 42))
	assert.ErrorContains(t, err, "expected a function")
}

func TestFuncResultMustMarshal(t *testing.T) {
	c := newContext(t)
	require.NoError(t, Register(c, Func("leak", func() chan int { return make(chan int) })))

	exc := evalErr(t, c, "return leak()")
	assert.Contains(t, exc.Diagnostic, "cannot marshal")
}

// TestRegistrationOverwritesByName verifies registering a name twice keeps the last binding.
func TestRegistrationOverwritesByName(t *testing.T) {
	c := newContext(t)
	require.NoError(t, Register(c, Func("version", func() int { return 1 })))
	require.NoError(t, Register(c, Func("version", func() int { return 2 })))
	assert.Equal(t, float64(2), eval(t, c, "return version()"))

	require.NoError(t, Register(c, RequestClass, RequestClass))
	assert.Equal(t, "Request", eval(t, c, "return Request.name"))
}

func TestRawBinding(t *testing.T) {
	c := newContext(t)
	require.NoError(t, Register(c, Raw("twice", func(L *lua.LState) int {
		L.Push(lua.LNumber(L.CheckNumber(1) * 2))
		return 1
	})))
	assert.Equal(t, float64(8), eval(t, c, "return twice(4)"))
}

func TestClassWithoutConstructor(t *testing.T) {
	c := newContext(t)
	counter := &Class{
		Name: "Counter",
		Methods: map[string]lua.LGFunction{
			"value": func(L *lua.LState) int {
				L.Push(lua.LNumber(*L.CheckUserData(1).Value.(*int)))
				return 1
			},
		},
	}
	require.NoError(t, Register(c, counter))

	n := 7
	require.NoError(t, c.WithAccess(func(s *engine.Scope) error {
		ud, err := NewInstance(s.State(), "Counter", &n)
		if err != nil {
			return err
		}
		s.SetGlobal("counter", ud)
		return nil
	}))
	assert.Equal(t, float64(7), eval(t, c, "return counter:value()"))
	assert.Equal(t, "Counter", eval(t, c, "return tostring(counter)"))
	assert.Equal(t, true, eval(t, c, "return Counter.new == nil"))

	exc := evalErr(t, c, "counter.value = 1")
	assert.Contains(t, exc.Diagnostic, "cannot set field")
}

func TestNewInstanceRequiresRegisteredClass(t *testing.T) {
	c := newContext(t)
	err := c.WithAccess(func(s *engine.Scope) error {
		_, err := s.Marshal(NewSharedState())
		return err
	})
	var mErr *engine.MarshalError
	require.ErrorAs(t, err, &mErr)
	assert.Contains(t, mErr.Reason, "Request")
}

// TestFuncRejectsOutOfRangeArguments verifies numbers too large for a
// parameter raise a script error instead of wrapping.
func TestFuncRejectsOutOfRangeArguments(t *testing.T) {
	c := newContext(t)
	require.NoError(t, Register(c, Func("byte", func(n uint8) uint8 { return n })))

	assert.Equal(t, float64(255), eval(t, c, "return byte(255)"))
	evalErr(t, c, "return byte(300)")
	evalErr(t, c, "return byte(1e20)")
}

package engine

import (
	"errors"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// FutureTypeName is the metatable name of awaitable host futures.
const FutureTypeName = "Future"

type futureState int

const (
	futurePending futureState = iota
	futureResolved
	futureRejected
)

func (s futureState) String() string {
	switch s {
	case futureResolved:
		return "resolved"
	case futureRejected:
		return "rejected"
	}
	return "pending"
}

// Future is a pending host value. Passed to a script it becomes an awaitable:
// await(f) suspends the calling coroutine until the future settles, returning the
// value or raising an error object carrying the rejection message.
// A Future settles at most once and may be settled from any goroutine.
type Future struct {
	mu        sync.Mutex
	state     futureState
	value     any
	err       error
	callbacks []func()
}

// NewFuture returns a pending future.
func NewFuture() *Future {
	return &Future{}
}

// Resolved returns a future already resolved with v.
func Resolved(v any) *Future {
	f := NewFuture()
	f.Resolve(v)
	return f
}

// Rejected returns a future already rejected with err.
func Rejected(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

// Async runs fn on a new goroutine and settles the returned future with its result.
func Async(fn func() (any, error)) *Future {
	f := NewFuture()
	go func() {
		v, err := fn()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}

// Resolve settles the future with v. It reports false if the future was already settled.
func (f *Future) Resolve(v any) bool {
	return f.settle(futureResolved, v, nil)
}

// Reject settles the future with err. It reports false if the future was already settled.
func (f *Future) Reject(err error) bool {
	if err == nil {
		err = errors.New("future rejected")
	}
	return f.settle(futureRejected, nil, err)
}

func (f *Future) settle(state futureState, v any, err error) bool {
	f.mu.Lock()
	if f.state != futurePending {
		f.mu.Unlock()
		return false
	}
	f.state, f.value, f.err = state, v, err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// Result returns the settled value or error; done is false while pending.
func (f *Future) Result() (value any, err error, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.state != futurePending
}

// OnSettle calls fn once the future settles, immediately if it already has.
func (f *Future) OnSettle(fn func()) {
	f.mu.Lock()
	if f.state == futurePending {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}

func (f *Future) snapshot() (futureState, any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.value, f.err
}

// PushFuture wraps f as an awaitable userdata in L.
// Native module loaders use it to hand futures to scripts.
func PushFuture(L *lua.LState, f *Future) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = f
	L.SetMetatable(ud, L.GetTypeMetatable(FutureTypeName))
	return ud
}

// AsFuture returns the host future behind an awaitable value.
func AsFuture(v lua.LValue) (*Future, bool) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	f, ok := ud.Value.(*Future)
	return f, ok
}

// settledValues converts a settled future into the (state, value) pair await expects.
// Rejections become error objects whose message is the host error text.
func settledValues(L *lua.LState, f *Future) (lua.LValue, lua.LValue) {
	state, value, err := f.snapshot()
	switch state {
	case futureResolved:
		lv, merr := ToLua(L, value)
		if merr != nil {
			return lua.LString(futureRejected.String()), NewErrorObject(L, merr.Error())
		}
		return lua.LString(state.String()), lv
	case futureRejected:
		return lua.LString(state.String()), NewErrorObject(L, err.Error())
	}
	return lua.LString(state.String()), lua.LNil
}

// SettledValues is settledValues for callers resuming a suspended coroutine.
func SettledValues(L *lua.LState, f *Future) []lua.LValue {
	state, value := settledValues(L, f)
	return []lua.LValue{state, value}
}

// NewErrorObject builds the error table scripts receive for host failures:
// a table with a message field whose tostring is the message.
func NewErrorObject(L *lua.LState, message string) *lua.LTable {
	obj := L.NewTable()
	obj.RawSetString("message", lua.LString(message))
	L.SetMetatable(obj, L.GetTypeMetatable(errorTypeName))
	return obj
}

// registerFutureType installs the Future metatable and the primitives await relies on.
func registerFutureType(L *lua.LState) {
	mt := L.NewTypeMetatable(FutureTypeName)
	methods := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"state": func(L *lua.LState) int {
			f := checkFuture(L, 1)
			state, _, _ := f.snapshot()
			L.Push(lua.LString(state.String()))
			return 1
		},
	})
	L.SetField(mt, "__index", methods)
	L.SetField(mt, "__name", lua.LString(FutureTypeName))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		f := checkFuture(L, 1)
		state, _, _ := f.snapshot()
		L.Push(lua.LString("Future(" + state.String() + ")"))
		return 1
	}))

	errMt := L.NewTypeMetatable(errorTypeName)
	L.SetField(errMt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(RenderError(L.CheckTable(1))))
		return 1
	}))

	L.SetGlobal("__future_is", L.NewFunction(func(L *lua.LState) int {
		_, ok := AsFuture(L.Get(1))
		L.Push(lua.LBool(ok))
		return 1
	}))
	L.SetGlobal("__future_poll", L.NewFunction(func(L *lua.LState) int {
		f := checkFuture(L, 1)
		state, value := settledValues(L, f)
		L.Push(state)
		L.Push(value)
		return 2
	}))
}

func checkFuture(L *lua.LState, n int) *Future {
	f, ok := AsFuture(L.Get(n))
	if !ok {
		L.ArgError(n, "Future expected")
		return nil
	}
	return f
}

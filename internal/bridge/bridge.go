// Package bridge installs host functions and host classes into script contexts.
package bridge

import (
	"fmt"
	"reflect"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hook-engine/internal/engine"
)

// Bridge installs one or more bindings into the globals of the scope's context.
// Registering the same name again overwrites the earlier binding.
type Bridge interface {
	Register(s *engine.Scope) error
}

// BridgeFunc adapts a function to Bridge.
type BridgeFunc func(s *engine.Scope) error

// Register implements Bridge.
func (f BridgeFunc) Register(s *engine.Scope) error {
	return f(s)
}

// Group combines bridges; they register in order.
func Group(bridges ...Bridge) Bridge {
	return BridgeFunc(func(s *engine.Scope) error {
		return Install(s, bridges...)
	})
}

// Register installs bridges into c.
func Register(c *engine.Context, bridges ...Bridge) error {
	return c.WithAccess(func(s *engine.Scope) error {
		return Install(s, bridges...)
	})
}

// Install registers bridges from inside an existing scope.
func Install(s *engine.Scope, bridges ...Bridge) error {
	for _, b := range bridges {
		if err := b.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// Raw binds a gopher-lua function under name.
func Raw(name string, fn lua.LGFunction) Bridge {
	return BridgeFunc(func(s *engine.Scope) error {
		s.SetGlobal(name, s.State().NewFunction(fn))
		return nil
	})
}

var (
	luaStateType = reflect.TypeOf((*lua.LState)(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// Func binds a Go function under name. Script arguments are decoded into the
// parameter types and results are marshaled back. A leading *lua.LState
// parameter receives the calling state. A trailing error result raises a
// script error when non-nil.
func Func(name string, fn any) Bridge {
	return BridgeFunc(func(s *engine.Scope) error {
		wrapped, err := wrap(name, fn)
		if err != nil {
			return err
		}
		s.SetGlobal(name, s.State().NewFunction(wrapped))
		return nil
	})
}

func wrap(name string, fn any) (lua.LGFunction, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, fmt.Errorf("bridge %s: expected a function, got %T", name, fn)
	}
	ft := fv.Type()

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == luaStateType {
		first = 1
	}
	returnsErr := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType

	return func(L *lua.LState) int {
		args := make([]reflect.Value, 0, ft.NumIn())
		if first == 1 {
			args = append(args, reflect.ValueOf(L))
		}

		params := ft.NumIn() - first
		fixed := params
		if ft.IsVariadic() {
			fixed--
		}
		for i := 0; i < fixed; i++ {
			arg, err := decodeArg(L, i+1, ft.In(first+i))
			if err != nil {
				L.RaiseError("%s: argument %d: %v", name, i+1, err)
				return 0
			}
			args = append(args, arg)
		}
		if ft.IsVariadic() {
			elem := ft.In(ft.NumIn() - 1).Elem()
			for i := fixed + 1; i <= L.GetTop(); i++ {
				arg, err := decodeArg(L, i, elem)
				if err != nil {
					L.RaiseError("%s: argument %d: %v", name, i, err)
					return 0
				}
				args = append(args, arg)
			}
		}

		out := fv.Call(args)
		if returnsErr {
			if errv := out[len(out)-1]; !errv.IsNil() {
				L.RaiseError("%s: %v", name, errv.Interface())
				return 0
			}
			out = out[:len(out)-1]
		}
		for _, v := range out {
			lv, err := engine.ToLua(L, v.Interface())
			if err != nil {
				L.RaiseError("%s: %v", name, err)
				return 0
			}
			L.Push(lv)
		}
		return len(out)
	}, nil
}

func decodeArg(L *lua.LState, n int, t reflect.Type) (reflect.Value, error) {
	target := reflect.New(t).Elem()
	if err := engine.DecodeInto(L.Get(n), target); err != nil {
		return reflect.Value{}, err
	}
	return target, nil
}

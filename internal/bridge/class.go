package bridge

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hook-engine/internal/engine"
)

// Class describes a host type scripts can hold and call methods on, but
// whose fields they cannot read or write.
type Class struct {
	Name string
	// New backs Name.new(...) in script. Nil leaves the class without a constructor.
	New     func(L *lua.LState) (any, error)
	Methods map[string]lua.LGFunction
	// ToString renders the value for tostring, concatenation and toString().
	ToString func(v any) string
	// ToPrimitive backs toPrimitive(hint).
	ToPrimitive func(L *lua.LState, v any, hint string) lua.LValue
}

// Register implements Bridge. It (re)builds the type metatable and binds the
// global class table.
func (c *Class) Register(s *engine.Scope) error {
	if c.Name == "" {
		return fmt.Errorf("class without a name")
	}
	L := s.State()

	methods := L.NewTable()
	for name, fn := range c.Methods {
		methods.RawSetString(name, L.NewFunction(fn))
	}
	if c.ToString != nil {
		methods.RawSetString("toString", L.NewFunction(c.toString))
	}
	if c.ToPrimitive != nil {
		methods.RawSetString("toPrimitive", L.NewFunction(func(L *lua.LState) int {
			v := c.Check(L, 1)
			L.Push(c.ToPrimitive(L, v, L.OptString(2, "default")))
			return 1
		}))
	}

	mt := L.NewTypeMetatable(c.Name)
	mt.RawSetString("__name", lua.LString(c.Name))
	mt.RawSetString("__index", methods)
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("cannot set field %q on %s; use its methods", L.CheckAny(2).String(), c.Name)
		return 0
	}))
	mt.RawSetString("__tostring", L.NewFunction(c.toString))
	mt.RawSetString("__concat", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(L.ToStringMeta(L.Get(1)).String() + L.ToStringMeta(L.Get(2)).String()))
		return 1
	}))

	class := L.NewTable()
	class.RawSetString("name", lua.LString(c.Name))
	if c.New != nil {
		class.RawSetString("new", L.NewFunction(func(L *lua.LState) int {
			v, err := c.New(L)
			if err != nil {
				L.RaiseError("%s.new: %v", c.Name, err)
				return 0
			}
			L.Push(c.wrap(L, v))
			return 1
		}))
	}
	s.SetGlobal(c.Name, class)
	return nil
}

func (c *Class) toString(L *lua.LState) int {
	v := c.Check(L, 1)
	if c.ToString == nil {
		L.Push(lua.LString(c.Name))
		return 1
	}
	L.Push(lua.LString(c.ToString(v)))
	return 1
}

func (c *Class) wrap(L *lua.LState, v any) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, L.GetTypeMetatable(c.Name))
	return ud
}

// Check returns the host value of argument n, raising an argument error when
// it is not an instance of the class.
func (c *Class) Check(L *lua.LState, n int) any {
	ud, ok := L.Get(n).(*lua.LUserData)
	if !ok || ud.Metatable != L.GetTypeMetatable(c.Name) {
		L.ArgError(n, c.Name+" expected")
		return nil
	}
	return ud.Value
}

// NewInstance wraps v as an instance of the registered class name.
// It fails with a MarshalError when the class is not registered in L.
func NewInstance(L *lua.LState, name string, v any) (*lua.LUserData, error) {
	mt, ok := L.GetTypeMetatable(name).(*lua.LTable)
	if !ok {
		return nil, &engine.MarshalError{Type: fmt.Sprintf("%T", v), Reason: "class " + name + " is not registered"}
	}
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, mt)
	return ud, nil
}

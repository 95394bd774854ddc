package modules

import (
	"fmt"

	json "github.com/goccy/go-json"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hook-engine/internal/engine"
)

var jsonFuncs = map[string]lua.LGFunction{
	"encode": jsonEncode,
	"decode": jsonDecode,
}

const maxEncodeDepth = 100

// jsonEncode serializes a value. Tables and objects with a toJSON method are
// encoded from what that method returns.
func jsonEncode(L *lua.LState) int {
	v, err := encodable(L, L.CheckAny(1), 0)
	if err != nil {
		L.RaiseError("json.encode: %v", err)
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		L.RaiseError("json.encode: %v", err)
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

func jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.RaiseError("json.decode: %v", err)
		return 0
	}
	lv, err := engine.ToLua(L, v)
	if err != nil {
		L.RaiseError("json.decode: %v", err)
		return 0
	}
	L.Push(lv)
	return 1
}

func encodable(L *lua.LState, v lua.LValue, depth int) (any, error) {
	if depth > maxEncodeDepth {
		return nil, fmt.Errorf("value nested too deeply")
	}
	if fn, ok := toJSONMethod(L, v); ok {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, v); err != nil {
			return nil, err
		}
		ret := L.Get(-1)
		L.Pop(1)
		return encodable(L, ret, depth+1)
	}

	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		if n := val.MaxN(); n > 0 && countKeys(val) == n {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				item, err := encodable(L, val.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr[i-1] = item
			}
			return arr, nil
		}
		obj := map[string]any{}
		var err error
		val.ForEach(func(k, item lua.LValue) {
			if err != nil {
				return
			}
			key, ok := k.(lua.LString)
			if !ok {
				err = fmt.Errorf("object keys must be strings, got %s", k.Type())
				return
			}
			obj[string(key)], err = encodable(L, item, depth+1)
		})
		return obj, err
	}
	return nil, fmt.Errorf("cannot encode %s", engine.TypeName(v))
}

// toJSONMethod finds a toJSON function on a table or through a userdata metatable.
func toJSONMethod(L *lua.LState, v lua.LValue) (*lua.LFunction, bool) {
	switch val := v.(type) {
	case *lua.LTable:
	case *lua.LUserData:
		// indexing userdata without __index raises
		if L.GetMetaField(val, "__index") == lua.LNil {
			return nil, false
		}
	default:
		return nil, false
	}
	fn, ok := L.GetField(v, "toJSON").(*lua.LFunction)
	return fn, ok
}

func countKeys(tbl *lua.LTable) int {
	n := 0
	tbl.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}

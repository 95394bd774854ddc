package engine

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/go-viper/mapstructure/v2"
	lua "github.com/yuin/gopher-lua"
)

// Marshaler is implemented by host values with their own script representation.
type Marshaler interface {
	MarshalLua(L *lua.LState) (lua.LValue, error)
}

// Void decodes any script value and discards it, for hooks whose result is ignored.
type Void struct{}

var (
	luaValueType = reflect.TypeOf((*lua.LValue)(nil)).Elem()
	voidType     = reflect.TypeOf(Void{})
	errCycle     = errors.New("table contains a reference cycle")
)

// ToLua marshals a host value into L. Unsupported kinds (funcs, channels,
// non-string map keys, ...) fail with a MarshalError instead of being coerced.
func ToLua(L *lua.LState, v any) (lua.LValue, error) {
	switch val := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return val, nil
	case Marshaler:
		return val.MarshalLua(L)
	case *Future:
		return PushFuture(L, val), nil
	case error:
		return NewErrorObject(L, val.Error()), nil
	case string:
		return lua.LString(val), nil
	case bool:
		return lua.LBool(val), nil
	case []byte:
		return lua.LString(val), nil
	}
	return reflectToLua(L, reflect.ValueOf(v), 0)
}

const maxMarshalDepth = 100

func reflectToLua(L *lua.LState, rv reflect.Value, depth int) (lua.LValue, error) {
	if depth > maxMarshalDepth {
		return nil, &MarshalError{Type: rv.Type().String(), Reason: "value nested too deeply"}
	}
	if rv.IsValid() && rv.CanInterface() {
		switch rv.Interface().(type) {
		case lua.LValue, Marshaler, *Future, error, []byte:
			return ToLua(L, rv.Interface())
		}
	}

	switch rv.Kind() {
	case reflect.Invalid:
		return lua.LNil, nil
	case reflect.Bool:
		return lua.LBool(rv.Bool()), nil
	case reflect.String:
		return lua.LString(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float()), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return reflectToLua(L, rv.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return lua.LNil, nil
		}
		tbl := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			item, err := reflectToLua(L, rv.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			tbl.RawSetInt(i+1, item)
		}
		return tbl, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &MarshalError{Type: rv.Type().String(), Reason: "map keys must be strings"}
		}
		if rv.IsNil() {
			return lua.LNil, nil
		}
		tbl := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			item, err := reflectToLua(L, iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			tbl.RawSetString(iter.Key().String(), item)
		}
		return tbl, nil
	case reflect.Struct:
		fields := map[string]any{}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &fields, TagName: "lua"})
		if err == nil {
			err = dec.Decode(rv.Interface())
		}
		if err != nil {
			return nil, &MarshalError{Type: rv.Type().String(), Reason: err.Error()}
		}
		return reflectToLua(L, reflect.ValueOf(fields), depth+1)
	}
	return nil, &MarshalError{Type: rv.Type().String(), Reason: "unsupported kind " + rv.Kind().String()}
}

// TypeName returns the script-side type tag of v: the Lua type name, or the
// class name for userdata whose metatable carries __name.
func TypeName(v lua.LValue) string {
	if v == nil {
		return lua.LTNil.String()
	}
	if ud, ok := v.(*lua.LUserData); ok {
		if mt, ok := ud.Metatable.(*lua.LTable); ok {
			if name, ok := mt.RawGetString("__name").(lua.LString); ok {
				return string(name)
			}
		}
	}
	return v.Type().String()
}

// ToGo converts a script value into plain Go values: nil, bool, float64, string,
// []any for sequences, map[string]any for other tables, the wrapped value for
// userdata, and the lua.LValue itself for functions and threads.
func ToGo(v lua.LValue) (any, error) {
	return toGo(v, map[*lua.LTable]bool{})
}

func toGo(v lua.LValue, visiting map[*lua.LTable]bool) (any, error) {
	switch val := v.(type) {
	case nil, *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LUserData:
		return val.Value, nil
	case *lua.LTable:
		if visiting[val] {
			return nil, errCycle
		}
		visiting[val] = true
		defer delete(visiting, val)
		return tableToGo(val, visiting)
	}
	return v, nil
}

func tableToGo(tbl *lua.LTable, visiting map[*lua.LTable]bool) (any, error) {
	n := tbl.MaxN()
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			item, err := toGo(tbl.RawGetInt(i), visiting)
			if err != nil {
				return nil, err
			}
			arr[i-1] = item
		}
		return arr, nil
	}

	m := make(map[string]any, count)
	var err error
	tbl.ForEach(func(key, value lua.LValue) {
		if err != nil {
			return
		}
		var k string
		switch kv := key.(type) {
		case lua.LString:
			k = string(kv)
		case lua.LNumber:
			k = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			err = fmt.Errorf("unsupported table key of type %s", key.Type())
			return
		}
		var item any
		item, err = toGo(value, visiting)
		m[k] = item
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Decode converts a script value into T, failing with a DeserializationError
// that names both the script type and T when the shapes do not match.
func Decode[T any](v lua.LValue) (T, error) {
	var out T
	target := reflect.ValueOf(&out).Elem()
	if err := DecodeInto(v, target); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeInto decodes v into the settable target.
func DecodeInto(v lua.LValue, target reflect.Value) error {
	if v == nil {
		v = lua.LNil
	}
	t := target.Type()
	if t == voidType {
		return nil
	}
	if t == luaValueType || (t.Kind() == reflect.Interface && reflect.TypeOf(v).Implements(t) && t != anyType) {
		target.Set(reflect.ValueOf(v))
		return nil
	}

	goVal, err := ToGo(v)
	if err != nil {
		return &DeserializationError{From: TypeName(v), To: t.String(), Err: err}
	}
	if err := assign(goVal, target); err != nil {
		return &DeserializationError{From: TypeName(v), To: t.String(), Err: err}
	}
	return nil
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// DecodeValue decodes an already converted Go value (from ToGo) into T.
// tag is the script type tag recorded at conversion time.
func DecodeValue[T any](tag string, v any) (T, error) {
	var out T
	target := reflect.ValueOf(&out).Elem()
	if target.Type() == voidType {
		return out, nil
	}
	if err := assign(v, target); err != nil {
		return out, &DeserializationError{From: tag, To: target.Type().String(), Err: err}
	}
	return out, nil
}

// assign stores the converted value v into target without lossy coercion.
func assign(v any, target reflect.Value) error {
	t := target.Type()
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer:
			target.Set(reflect.Zero(t))
			return nil
		}
		return errors.New("nil value")
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		target.Set(rv)
		return nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if err := checkNumber(f, t); err != nil {
			return err
		}
		target.SetInt(int64(f))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if err := checkNumber(f, t); err != nil {
			return err
		}
		target.SetUint(uint64(f))
		return nil
	case reflect.Float32:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if err := checkNumber(f, t); err != nil {
			return err
		}
		target.SetFloat(f)
		return nil
	case reflect.Slice:
		if m, ok := v.(map[string]any); ok && len(m) == 0 {
			target.Set(reflect.MakeSlice(t, 0, 0))
			return nil
		}
		if _, ok := v.([]any); ok {
			return decodeStructured(v, target)
		}
		return fmt.Errorf("expected sequence, got %s", describe(v))
	case reflect.Map, reflect.Struct:
		if _, ok := v.(map[string]any); ok {
			return decodeStructured(v, target)
		}
		return fmt.Errorf("expected table, got %s", describe(v))
	case reflect.Pointer:
		elem := reflect.New(t.Elem())
		if err := assign(v, elem.Elem()); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	}
	return fmt.Errorf("expected %s, got %s", t, describe(v))
}

func decodeStructured(v any, target reflect.Value) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     target.Addr().Interface(),
		TagName:    "lua",
		DecodeHook: strictNumberHook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(v)
}

// strictNumberHook applies checkNumber to every number mapstructure stores;
// mapstructure itself truncates fractions and wraps out of range values.
func strictNumberHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Float64 {
		return data, nil
	}
	if err := checkNumber(data.(float64), to); err != nil {
		return nil, err
	}
	return data, nil
}

// checkNumber fails unless f can be stored in a value of type t unchanged.
// Bounds are compared as floats before any conversion: converting an out of
// range float to an integer type is implementation defined.
func checkNumber(f float64, t reflect.Type) error {
	zero := reflect.Zero(t)
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f != math.Trunc(f) {
			return fmt.Errorf("number %v is not an integer", f)
		}
		if f < -(1<<63) || f >= 1<<63 || zero.OverflowInt(int64(f)) {
			return fmt.Errorf("number %v does not fit %s", f, t)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if f != math.Trunc(f) {
			return fmt.Errorf("number %v is not an integer", f)
		}
		if f < 0 || f >= 1<<64 || zero.OverflowUint(uint64(f)) {
			return fmt.Errorf("number %v does not fit %s", f, t)
		}
	case reflect.Float32:
		if !math.IsInf(f, 0) && !math.IsNaN(f) && zero.OverflowFloat(f) {
			return fmt.Errorf("number %v does not fit %s", f, t)
		}
	}
	return nil
}

func describe(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("table with keys %v", keys)
	case []any:
		return fmt.Sprintf("sequence of %d", len(val))
	}
	return fmt.Sprintf("%T", v)
}

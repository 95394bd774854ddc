package bridge

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	lua "github.com/yuin/gopher-lua"
)

// RequestClassName is the script-side class of SharedState handles.
const RequestClassName = "Request"

// SharedState is a host-owned string map that scripts reach only through
// Request methods. Every access, host or script, takes the same lock.
// Handles share the value by pointer; it lives until neither side holds one.
type SharedState struct {
	mu   sync.Mutex
	data map[string]string
}

// NewSharedState returns an empty SharedState.
func NewSharedState() *SharedState {
	return &SharedState{data: make(map[string]string)}
}

// FromExisting wraps m without copying it. The caller must not touch m
// directly afterwards.
func FromExisting(m map[string]string) *SharedState {
	if m == nil {
		m = make(map[string]string)
	}
	return &SharedState{data: m}
}

func (s *SharedState) lock() (map[string]string, func()) {
	s.mu.Lock()
	return s.data, s.mu.Unlock
}

// Set inserts or overwrites key.
func (s *SharedState) Set(key, value string) {
	data, unlock := s.lock()
	defer unlock()
	data[key] = value
}

// Get returns the value stored under key.
func (s *SharedState) Get(key string) (string, bool) {
	data, unlock := s.lock()
	defer unlock()
	v, ok := data[key]
	return v, ok
}

// Snapshot returns a copy of the current entries.
func (s *SharedState) Snapshot() map[string]string {
	data, unlock := s.lock()
	defer unlock()
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Len returns the number of entries.
func (s *SharedState) Len() int {
	data, unlock := s.lock()
	defer unlock()
	return len(data)
}

// String renders the entries sorted by key, e.g. {"a": "1", "b": "2"}.
func (s *SharedState) String() string {
	entries := s.Snapshot()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(k))
		b.WriteString(": ")
		b.WriteString(strconv.Quote(entries[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the state the way toJSON does: {"data": {...}}.
func (s *SharedState) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]map[string]string{"data": s.Snapshot()})
}

// MarshalLua hands the state to script as a Request instance.
func (s *SharedState) MarshalLua(L *lua.LState) (lua.LValue, error) {
	return NewInstance(L, RequestClassName, s)
}

func (s *SharedState) entriesTable(L *lua.LState) *lua.LTable {
	entries := s.Snapshot()
	tbl := L.CreateTable(0, len(entries))
	for k, v := range entries {
		tbl.RawSetString(k, lua.LString(v))
	}
	return tbl
}

// RequestClass exposes SharedState to scripts:
//
//	req:setHeader(k, v)   insert or overwrite
//	req:getHeader(k)      value or nil
//	req:data()            new handle on the same entries
//	req:toJSON()          {data = {...}} snapshot
//	req:toString()        Request(header: {...})
//	req:toPrimitive(hint) "string" -> rendering, "object" -> entries, else nil
//
// Request.new() creates an empty state.
var RequestClass = &Class{
	Name: RequestClassName,
	New: func(*lua.LState) (any, error) {
		return NewSharedState(), nil
	},
	Methods: map[string]lua.LGFunction{
		"setHeader": func(L *lua.LState) int {
			s := checkShared(L)
			s.Set(L.CheckString(2), L.CheckString(3))
			return 0
		},
		"getHeader": func(L *lua.LState) int {
			s := checkShared(L)
			if v, ok := s.Get(L.CheckString(2)); ok {
				L.Push(lua.LString(v))
			} else {
				L.Push(lua.LNil)
			}
			return 1
		},
		"data": func(L *lua.LState) int {
			s := checkShared(L)
			ud, err := NewInstance(L, RequestClassName, s)
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(ud)
			return 1
		},
		"toJSON": func(L *lua.LState) int {
			s := checkShared(L)
			obj := L.NewTable()
			obj.RawSetString("data", s.entriesTable(L))
			L.Push(obj)
			return 1
		},
	},
	ToString: func(v any) string {
		return "Request(header: " + v.(*SharedState).String() + ")"
	},
	ToPrimitive: func(L *lua.LState, v any, hint string) lua.LValue {
		s := v.(*SharedState)
		switch strings.ToLower(hint) {
		case "string":
			return lua.LString(s.String())
		case "object":
			return s.entriesTable(L)
		}
		return lua.LNil
	},
}

// checkShared cannot go through RequestClass.Check: that would make the
// variable's initializer refer to itself.
func checkShared(L *lua.LState) *SharedState {
	ud, ok := L.Get(1).(*lua.LUserData)
	if ok {
		if s, ok := ud.Value.(*SharedState); ok && ud.Metatable == L.GetTypeMetatable(RequestClassName) {
			return s
		}
	}
	L.ArgError(1, RequestClassName+" expected")
	return nil
}

package engine

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// errorTypeName is the metatable of error objects built by NewErrorObject.
const errorTypeName = "Error"

// prelude defines the awaiting primitives every context gets.
//
// await(v) returns v unchanged unless it is a Future. A pending future suspends
// the running coroutine; the invocation resumes it with the settled state and
// value. Rejections are raised as the error object.
//
// pcall and xpcall run Lua functions in a child coroutine and forward its
// suspensions, so awaiting inside a protected call works.
const prelude = `
local co_create, co_resume, co_yield, co_status, co_running =
	coroutine.create, coroutine.resume, coroutine.yield, coroutine.status, coroutine.running
local raw_pcall, raw_xpcall, raw_error = pcall, xpcall, error
local future_is, future_poll, is_native = __future_is, __future_poll, __is_native
__future_is, __future_poll, __is_native = nil, nil, nil

function await(v)
	if not future_is(v) then
		return v
	end
	local state, value = future_poll(v)
	if state == "pending" then
		if co_running() == nil then
			raw_error("await outside of an invocation", 2)
		end
		state, value = co_yield(v)
	end
	if state == "rejected" then
		raw_error(value, 2)
	end
	return value
end

local function finish(co, ok, ...)
	if not ok then
		return false, ...
	end
	if co_status(co) == "dead" then
		return true, ...
	end
	return finish(co, co_resume(co, co_yield(...)))
end

function pcall(f, ...)
	if co_running() == nil or type(f) ~= "function" or is_native(f) then
		return raw_pcall(f, ...)
	end
	local co = co_create(f)
	return finish(co, co_resume(co, ...))
end

function xpcall(f, handler)
	if co_running() == nil or type(f) ~= "function" or is_native(f) then
		return raw_xpcall(f, handler)
	end
	local co = co_create(f)
	local function finish_x(ok, ...)
		if not ok then
			return false, handler(...)
		end
		if co_status(co) == "dead" then
			return true, ...
		end
		return finish_x(co_resume(co, co_yield(...)))
	end
	return finish_x(co_resume(co))
end

dofile, loadfile = nil, nil
`

func installPrelude(L *lua.LState) error {
	registerFutureType(L)
	L.SetGlobal("__is_native", L.NewFunction(func(L *lua.LState) int {
		fn, ok := L.Get(1).(*lua.LFunction)
		L.Push(lua.LBool(ok && fn.IsG))
		return 1
	}))

	fn, err := L.Load(strings.NewReader(prelude), "=prelude")
	if err != nil {
		return err
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		return err
	}

	// f:await() reads better than await(f) in method chains
	if methods, ok := L.GetField(L.GetTypeMetatable(FutureTypeName), "__index").(*lua.LTable); ok {
		methods.RawSetString("await", L.GetGlobal("await"))
	}
	return nil
}

package modules

import (
	"runtime"

	lua "github.com/yuin/gopher-lua"
)

var osFuncs = map[string]lua.LGFunction{
	"type":     osType,
	"platform": osPlatform,
}

// osType returns the kernel name the way uname reports it.
func osType(L *lua.LState) int {
	var name string
	switch runtime.GOOS {
	case "linux":
		name = "Linux"
	case "darwin":
		name = "Darwin"
	case "windows":
		name = "Windows_NT"
	case "freebsd":
		name = "FreeBSD"
	default:
		name = runtime.GOOS
	}
	L.Push(lua.LString(name))
	return 1
}

func osPlatform(L *lua.LState) int {
	L.Push(lua.LString(runtime.GOOS))
	return 1
}

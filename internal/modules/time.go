package modules

import (
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hook-engine/internal/engine"
)

// maxSleep is the longest sleep in milliseconds that fits a time.Duration.
const maxSleep = float64(math.MaxInt64 / int64(time.Millisecond))

var timeFuncs = map[string]lua.LGFunction{
	"now":   timeNow,
	"sleep": timeSleep,
}

// timeNow returns milliseconds since the Unix epoch.
func timeNow(L *lua.LState) int {
	L.Push(lua.LNumber(float64(time.Now().UnixNano()) / float64(time.Millisecond)))
	return 1
}

// timeSleep returns a future that resolves after the given milliseconds.
// Awaiting it suspends only the calling invocation.
func timeSleep(L *lua.LState) int {
	ms := L.OptNumber(1, 0)
	if ms < 0 {
		L.ArgError(1, "sleep duration must not be negative")
		return 0
	}
	if math.IsNaN(float64(ms)) || float64(ms) > maxSleep {
		L.ArgError(1, "sleep duration out of range")
		return 0
	}
	f := engine.NewFuture()
	time.AfterFunc(time.Duration(float64(ms)*float64(time.Millisecond)), func() {
		f.Resolve(nil)
	})
	L.Push(engine.PushFuture(L, f))
	return 1
}

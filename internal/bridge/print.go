package bridge

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/hook-engine/internal/engine"
)

// Print binds __print(s), print(...) and console.log(...) to w.
// A nil w writes to stderr.
func Print(w io.Writer) Bridge {
	if w == nil {
		w = os.Stderr
	}
	out := &lineWriter{w: w}
	return BridgeFunc(func(s *engine.Scope) error {
		L := s.State()
		s.SetGlobal("__print", L.NewFunction(func(L *lua.LState) int {
			out.line(L.CheckString(1))
			return 0
		}))

		printFn := L.NewFunction(func(L *lua.LState) int {
			parts := make([]string, L.GetTop())
			for i := range parts {
				parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
			}
			out.line(strings.Join(parts, "\t"))
			return 0
		})
		s.SetGlobal("print", printFn)

		console, ok := s.Global("console").(*lua.LTable)
		if !ok {
			console = L.NewTable()
			s.SetGlobal("console", console)
		}
		console.RawSetString("log", printFn)
		return nil
	})
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) line(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

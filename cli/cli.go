// Package cli provides the command-line interface for hook-engine.
// It exports Run() and RunWithExtensions() so wrapper projects can add
// commands and host bindings.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/zot/hook-engine/internal/bridge"
)

// Version is the hook-engine release.
const Version = "0.1.0"

// Extensions allows extending the CLI with additional commands and bindings.
type Extensions struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// Bridges are registered in every context next to the standard ones.
	Bridges []bridge.Bridge

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithExtensions(args, nil)
}

// RunWithExtensions executes the CLI with extensions.
func RunWithExtensions(args []string, ext *Extensions) int {
	return (&runner{stdout: os.Stdout, stderr: os.Stderr, ext: ext}).run(args)
}

type runner struct {
	stdout io.Writer
	stderr io.Writer
	ext    *Extensions
}

func (r *runner) run(args []string) int {
	if len(args) < 1 {
		return r.runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	if r.ext != nil && r.ext.BeforeDispatch != nil {
		if handled, code := r.ext.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return r.runServe(cmdArgs)
	case "run":
		return r.runFile(cmdArgs)
	case "call":
		return r.runCall(cmdArgs)
	case "mcp":
		return r.runMCP(cmdArgs)
	case "help", "-h", "--help":
		r.printHelp()
		return 0
	case "version", "--version":
		r.printVersion()
		return 0
	default:
		if len(command) > 0 && command[0] == '-' {
			return r.runServe(args)
		}
		fmt.Fprintf(r.stderr, "Unknown command: %s\n", command)
		r.printHelp()
		return 1
	}
}

func (r *runner) printHelp() {
	fmt.Fprintln(r.stdout, `Hook Engine

Usage: hook-engine [command] [options] [arguments]

Commands:
  serve                     Serve hooks over HTTP and websocket (default)
  run <file>                Run a Lua file in a hook context and print its result
  call <hook> [json-args]   Call a hook with a JSON array of arguments
  mcp                       Serve eval and call_hook tools over MCP stdio
  version                   Print the version
  help                      Show this help

Options (before arguments):
  --dir           Site directory holding config/ and hooks/
  --config        Explicit TOML config file
  --host          HTTP listen address (default: 127.0.0.1)
  --port          HTTP listen port (default: 8080)
  --policy        Context policy: reuse or fresh (default: reuse)
  --pool-size     Number of reused contexts (default: 1)
  --hooks         Hook script directory (default: hooks/)
  --main          Setup script run in every context (default: main.lua)
  --timeout       Per invocation timeout (default: 30s)
  --watch         Reload contexts when hook scripts change
  --log-level     Log level: debug, info, warn, error
  -v, -vv, -vvv   Verbosity

Examples:
  hook-engine serve --dir site/ --watch
  hook-engine run --hooks hooks/ job.lua
  hook-engine call greet '["ada"]'
  hook-engine call add '[1, 2]'`)

	if r.ext != nil && r.ext.CustomHelp != nil {
		fmt.Fprintln(r.stdout, r.ext.CustomHelp())
	}
}

func (r *runner) printVersion() {
	fmt.Fprintf(r.stdout, "Hook Engine v%s\n", Version)
	if r.ext != nil && r.ext.CustomVersion != nil {
		fmt.Fprintln(r.stdout, r.ext.CustomVersion())
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/hooks"
	"github.com/zot/hook-engine/internal/invoke"
	"github.com/zot/hook-engine/internal/mcp"
	"github.com/zot/hook-engine/internal/server"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

func (r *runner) load(args []string) (*config.Config, bool) {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(r.stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func (r *runner) service(cfg *config.Config, opts ...hooks.Option) (*hooks.Service, bool) {
	if r.ext != nil && len(r.ext.Bridges) > 0 {
		opts = append(opts, hooks.WithBridges(r.ext.Bridges...))
	}
	svc, err := hooks.New(cfg, opts...)
	if err != nil {
		fmt.Fprintf(r.stderr, "Failed to start hook engine: %v\n", err)
		return nil, false
	}
	return svc, true
}

func (r *runner) runServe(args []string) int {
	cfg, ok := r.load(args)
	if !ok {
		return 1
	}
	svc, ok := r.service(cfg)
	if !ok {
		return 1
	}
	defer svc.Close()

	if cfg.Hooks.Watch {
		if err := svc.Watch(); err != nil {
			fmt.Fprintf(r.stderr, "Failed to watch %s: %v\n", cfg.Hooks.Dir, err)
			return 1
		}
	}

	srv := server.New(cfg, svc)
	url, err := srv.Start()
	if err != nil {
		fmt.Fprintf(r.stderr, "Server error: %v\n", err)
		return 1
	}
	cfg.Log(0, "Serving hooks from %s at %s", cfg.Hooks.Dir, url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	cfg.Log(0, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(r.stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}

func (r *runner) runFile(args []string) int {
	rest := config.Args(args)
	if len(rest) != 1 {
		fmt.Fprintln(r.stderr, "Usage: hook-engine run [options] <file>")
		return 2
	}
	cfg, ok := r.load(args)
	if !ok {
		return 1
	}
	svc, ok := r.service(cfg, hooks.WithOutput(r.stdout))
	if !ok {
		return 1
	}
	defer svc.Close()

	res, err := svc.RunFile(context.Background(), rest[0])
	return r.printResult(res, err)
}

func (r *runner) runCall(args []string) int {
	rest := config.Args(args)
	if len(rest) < 1 || len(rest) > 2 {
		fmt.Fprintln(r.stderr, "Usage: hook-engine call [options] <hook> [json-args]")
		return 2
	}
	var hookArgs []any
	if len(rest) == 2 {
		if err := json.Unmarshal([]byte(rest[1]), &hookArgs); err != nil {
			fmt.Fprintf(r.stderr, "Arguments must be a JSON array: %v\n", err)
			return 2
		}
	}
	cfg, ok := r.load(args)
	if !ok {
		return 1
	}
	svc, ok := r.service(cfg, hooks.WithOutput(r.stderr))
	if !ok {
		return 1
	}
	defer svc.Close()

	res, err := svc.Call(context.Background(), rest[0], hookArgs...)
	return r.printResult(res, err)
}

func (r *runner) runMCP(args []string) int {
	cfg, ok := r.load(args)
	if !ok {
		return 1
	}
	// stdout carries the protocol, so script output goes to stderr.
	svc, ok := r.service(cfg, hooks.WithOutput(r.stderr))
	if !ok {
		return 1
	}
	defer svc.Close()

	if cfg.Hooks.Watch {
		if err := svc.Watch(); err != nil {
			fmt.Fprintf(r.stderr, "Failed to watch %s: %v\n", cfg.Hooks.Dir, err)
			return 1
		}
	}
	if err := mcp.NewServer(cfg, svc, Version).ServeStdio(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(r.stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}

// printResult writes a hook result as JSON, or the error to stderr.
func (r *runner) printResult(res invoke.Result, err error) int {
	if err != nil {
		fmt.Fprintf(r.stderr, "Error: %v\n", err)
		return 1
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		fmt.Fprintf(r.stderr, "Cannot encode %s result: %v\n", res.Type, err)
		return 1
	}
	fmt.Fprintln(r.stdout, string(data))
	return 0
}

// Package hooks runs the configured hook scripts for host events.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zot/hook-engine/internal/bridge"
	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/engine"
	"github.com/zot/hook-engine/internal/hotload"
	"github.com/zot/hook-engine/internal/invoke"
	"github.com/zot/hook-engine/internal/modules"
	"github.com/zot/hook-engine/internal/pool"
)

// RequestIDHeader is added to every request state that lacks one.
const RequestIDHeader = "x-request-id"

// Option configures a Service.
type Option func(*Service)

// WithOutput sends script print output to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(s *Service) { s.out = w }
}

// WithBridges registers extra host bindings in every context.
func WithBridges(b ...bridge.Bridge) Option {
	return func(s *Service) { s.extra = append(s.extra, b...) }
}

// WithTrace observes invocation state transitions.
func WithTrace(fn invoke.TraceFunc) Option {
	return func(s *Service) { s.trace = fn }
}

// Service owns the engine, its context pool and the hook scripts.
type Service struct {
	config *config.Config
	log    *zap.Logger
	engine *engine.Engine
	pool   *pool.Pool
	runner *invoke.Runner

	out   io.Writer
	extra []bridge.Bridge
	trace invoke.TraceFunc

	watcher *hotload.Watcher
}

// New builds the engine from cfg. Contexts are created and set up lazily, so
// a broken main script is reported by the first call.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{config: cfg, log: cfg.Logger()}
	for _, opt := range opts {
		opt(s)
	}

	eopts := engine.DefaultOptions()
	eopts.CallStackSize = cfg.Lua.CallStackSize
	eopts.RegistrySize = cfg.Lua.RegistrySize
	if len(cfg.Lua.Libraries) > 0 {
		eopts.Libraries = cfg.Lua.Libraries
	}
	eopts.ScriptDir = cfg.Hooks.Dir
	eopts.Logger = s.log

	e, err := engine.New(eopts)
	if err != nil {
		return nil, err
	}
	if err := e.SetLoaders(modules.Select(cfg.Lua.Modules...)); err != nil {
		e.Shutdown()
		return nil, err
	}

	p, err := pool.New(e, pool.Policy(cfg.Lua.Policy), cfg.Lua.PoolSize, s.setup)
	if err != nil {
		e.Shutdown()
		return nil, err
	}

	runnerOpts := []invoke.Option{invoke.WithLogger(s.log)}
	if s.trace != nil {
		runnerOpts = append(runnerOpts, invoke.WithTrace(s.trace))
	}
	s.engine = e
	s.pool = p
	s.runner = invoke.NewRunner(runnerOpts...)
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// setup registers the host bindings and runs the main script.
func (s *Service) setup(ctx context.Context, c *engine.Context) error {
	bindings := append([]bridge.Bridge{bridge.Std(s.out)}, s.extra...)
	if err := bridge.Register(c, bindings...); err != nil {
		return err
	}

	mainPath := filepath.Join(s.config.Hooks.Dir, s.config.Hooks.Main)
	src, err := os.ReadFile(mainPath)
	if errors.Is(err, os.ErrNotExist) {
		s.config.Log(1, "hooks: no main script at %s", mainPath)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := c.Eval(ctx, s.config.Hooks.Main, string(src)); err != nil {
		return fmt.Errorf("running %s: %w", mainPath, err)
	}
	s.config.Log(2, "hooks: context %s ready", c.ID())
	return nil
}

func (s *Service) withLease(ctx context.Context, fn func(context.Context, *engine.Context) (invoke.Result, error)) (invoke.Result, error) {
	if d := s.config.Hooks.Timeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return invoke.Result{}, err
	}
	defer lease.Release()
	return fn(ctx, lease.Context())
}

// Call invokes a hook with host arguments.
func (s *Service) Call(ctx context.Context, hook string, args ...any) (invoke.Result, error) {
	s.config.Log(2, "hooks: calling %s with %d argument(s)", hook, len(args))
	res, err := s.withLease(ctx, func(ctx context.Context, c *engine.Context) (invoke.Result, error) {
		return s.runner.Call(ctx, c, hook, args...)
	})
	if err != nil {
		s.config.Log(2, "hooks: %s failed: %v", hook, err)
		return res, err
	}
	s.config.Log(3, "hooks: %s returned %s %v", hook, res.Type, res.Value)
	return res, nil
}

// OnRequest runs the request hook over a copy of headers and returns the
// merged result: host headers, a request id, and whatever the script set.
func (s *Service) OnRequest(ctx context.Context, headers map[string]string) (map[string]string, error) {
	state := bridge.NewSharedState()
	for k, v := range headers {
		state.Set(k, v)
	}
	if _, ok := state.Get(RequestIDHeader); !ok {
		state.Set(RequestIDHeader, uuid.NewString())
	}
	if _, err := s.Call(ctx, s.config.Hooks.RequestHook, state); err != nil {
		return nil, err
	}
	return state.Snapshot(), nil
}

// Eval runs module-form source in a leased context. Top-level await is allowed.
func (s *Service) Eval(ctx context.Context, name, source string) (invoke.Result, error) {
	return s.withLease(ctx, func(ctx context.Context, c *engine.Context) (invoke.Result, error) {
		return s.runner.CallCode(ctx, c, name, source)
	})
}

// RunFile evaluates a script file with Eval.
func (s *Service) RunFile(ctx context.Context, path string) (invoke.Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return invoke.Result{}, err
	}
	return s.Eval(ctx, filepath.Base(path), string(src))
}

// Reload discards reused contexts so the next calls run the current scripts.
func (s *Service) Reload() {
	s.config.Log(1, "hooks: reloading contexts")
	s.pool.Invalidate()
}

// Watch reloads contexts whenever a script under the hook directory changes.
func (s *Service) Watch() error {
	if s.watcher != nil {
		return nil
	}
	w, err := hotload.New(s.config, s.config.Hooks.Dir, func(paths []string) {
		for _, p := range paths {
			s.config.Log(1, "hooks: %s changed", p)
		}
		s.Reload()
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// Close stops watching, closes every context and shuts the engine down.
func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.pool.Close()
	s.engine.Shutdown()
}

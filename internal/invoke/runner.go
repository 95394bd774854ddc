// Package invoke calls script functions from the host and reads their results
// back as typed values.
package invoke

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/zot/hook-engine/internal/engine"
)

// Result is a resolved script value converted with engine.ToGo.
// Type is the script type tag observed before conversion.
type Result struct {
	Value any
	Type  string
}

// As decodes the result into T.
func As[T any](r Result) (T, error) {
	return engine.DecodeValue[T](r.Type, r.Value)
}

// TraceFunc observes state transitions of an invocation.
type TraceFunc func(id string, from, to State)

// Option configures a Runner.
type Option func(*Runner)

// WithTrace reports every state transition to fn. fn runs on the engine
// scheduler and must not block.
func WithTrace(fn TraceFunc) Option {
	return func(r *Runner) { r.trace = fn }
}

// WithLogger sets the runner logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// Runner drives script function calls. It holds no per-call state and may be
// shared by any number of goroutines.
type Runner struct {
	trace TraceFunc
	log   *zap.Logger
}

// NewRunner returns a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Call invokes the global function name with args and waits for the script to
// finish, including any futures it awaits or returns.
//
// A missing or non-function global yields an engine.LookupError; arguments
// that cannot be marshaled yield an engine.MarshalError; script failures are
// translated before the scope that saw them exits. Cancelling ctx abandons
// only the wait: the script keeps running until it ends or suspends.
func (r *Runner) Call(ctx context.Context, c *engine.Context, name string, args ...any) (Result, error) {
	inv := r.newInvocation(c, name)
	return inv.run(ctx, func(s *engine.Scope) (*lua.LFunction, []lua.LValue, error) {
		v := s.Global(name)
		fn, ok := v.(*lua.LFunction)
		if !ok {
			lookup := &engine.LookupError{Name: name}
			if v != lua.LNil {
				lookup.Reason = "is a " + engine.TypeName(v) + ", not a function"
			}
			return nil, nil, lookup
		}
		largs := make([]lua.LValue, len(args))
		for i, arg := range args {
			lv, err := s.Marshal(arg)
			if err != nil {
				return nil, nil, err
			}
			largs[i] = lv
		}
		return fn, largs, nil
	})
}

// CallCode runs module-form source as the body of an invocation. The chunk
// may await at top level; its first return value is the result.
func (r *Runner) CallCode(ctx context.Context, c *engine.Context, name, source string) (Result, error) {
	inv := r.newInvocation(c, name)
	return inv.run(ctx, func(s *engine.Scope) (*lua.LFunction, []lua.LValue, error) {
		fn, _, err := s.CompileModule(name, source)
		if err != nil {
			return nil, nil, engine.Translate(s, err)
		}
		return fn, nil, nil
	})
}

// Call invokes name and decodes the result into T.
func Call[T any](ctx context.Context, r *Runner, c *engine.Context, name string, args ...any) (T, error) {
	res, err := r.Call(ctx, c, name, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return As[T](res)
}

// CallCode runs module source and decodes the result into T.
func CallCode[T any](ctx context.Context, r *Runner, c *engine.Context, name, source string) (T, error) {
	res, err := r.CallCode(ctx, c, name, source)
	if err != nil {
		var zero T
		return zero, err
	}
	return As[T](res)
}

type outcome struct {
	res Result
	err error
}

// invocation is touched by one goroutine at a time: the caller until the
// first scope, then the scheduler tasks that resume it.
type invocation struct {
	id     string
	name   string
	runner *Runner
	ctx    *engine.Context
	log    *zap.Logger

	state    State
	co       *lua.LState
	cancel   context.CancelFunc
	fn       *lua.LFunction
	finished bool
	done     chan outcome
}

func (r *Runner) newInvocation(c *engine.Context, name string) *invocation {
	id := uuid.NewString()
	return &invocation{
		id:     id,
		name:   name,
		runner: r,
		ctx:    c,
		log:    r.log.With(zap.String("invocation", id), zap.String("function", name), zap.String("context", c.ID())),
		done:   make(chan outcome, 1),
	}
}

type prepareFunc func(s *engine.Scope) (*lua.LFunction, []lua.LValue, error)

func (inv *invocation) run(ctx context.Context, prepare prepareFunc) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	err := inv.ctx.WithAccess(func(s *engine.Scope) error {
		fn, args, err := prepare(s)
		if err != nil {
			inv.finish(Result{}, err)
			return nil
		}
		inv.transition(ArgsMarshaled)
		inv.transition(Calling)
		co, cancel := s.State().NewThread()
		inv.co, inv.cancel, inv.fn = co, cancel, fn
		inv.step(s, args)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	select {
	case out := <-inv.done:
		return out.res, out.err
	case <-ctx.Done():
		inv.log.Debug("abandoning wait", zap.Error(ctx.Err()))
		return Result{}, fmt.Errorf("invocation of %s abandoned: %w", inv.name, ctx.Err())
	}
}

func (inv *invocation) step(s *engine.Scope, args []lua.LValue) {
	L := s.State()
	st, err, values := L.Resume(inv.co, inv.fn, args...)
	first := lua.LValue(lua.LNil)
	if len(values) > 0 {
		first = values[0]
	}

	switch st {
	case lua.ResumeOK:
		if f, ok := engine.AsFuture(first); ok {
			inv.awaitReturned(f)
			return
		}
		inv.resolve(s, first)
	case lua.ResumeYield:
		inv.transition(AwaitingResult)
		f, ok := engine.AsFuture(first)
		if !ok {
			// bare coroutine.yield: resume on a later turn with the yielded values
			inv.resume(func(*engine.Scope) []lua.LValue { return values })
			return
		}
		f.OnSettle(func() {
			inv.resume(func(s *engine.Scope) []lua.LValue {
				return engine.SettledValues(s.State(), f)
			})
		})
	default:
		inv.transition(Rejected)
		inv.finish(Result{}, engine.Translate(s, s.Signal(err)))
	}
}

func (inv *invocation) resume(values func(*engine.Scope) []lua.LValue) {
	inv.ctx.Schedule(func(s *engine.Scope, err error) {
		if err != nil {
			inv.finish(Result{}, err)
			return
		}
		inv.transition(Calling)
		inv.step(s, values(s))
	})
}

// awaitReturned waits for a future the function returned instead of a value.
func (inv *invocation) awaitReturned(f *engine.Future) {
	inv.transition(AwaitingResult)
	f.OnSettle(func() {
		inv.ctx.Schedule(func(s *engine.Scope, err error) {
			if err != nil {
				inv.finish(Result{}, err)
				return
			}
			value, ferr, _ := f.Result()
			if ferr != nil {
				inv.transition(Rejected)
				rejection := &lua.ApiError{Type: lua.ApiErrorRun, Object: engine.NewErrorObject(s.State(), ferr.Error())}
				inv.finish(Result{}, engine.Translate(s, s.Signal(rejection)))
				return
			}
			lv, merr := s.Marshal(value)
			if merr != nil {
				inv.finish(Result{}, merr)
				return
			}
			inv.resolve(s, lv)
		})
	})
}

func (inv *invocation) resolve(s *engine.Scope, v lua.LValue) {
	tag := engine.TypeName(v)
	goVal, err := engine.ToGo(v)
	if err != nil {
		inv.finish(Result{}, &engine.DeserializationError{From: tag, To: "any", Err: err})
		return
	}
	inv.transition(Resolved)
	inv.finish(Result{Value: goVal, Type: tag}, nil)
}

func (inv *invocation) finish(res Result, err error) {
	if inv.finished {
		return
	}
	inv.finished = true
	if err != nil {
		inv.transition(Done)
		inv.log.Debug("invocation failed", zap.Error(err))
	}
	if inv.cancel != nil {
		inv.cancel()
	}
	inv.done <- outcome{res: res, err: err}
}

func (inv *invocation) transition(to State) {
	from := inv.state
	inv.state = to
	if inv.runner.trace != nil {
		inv.runner.trace(inv.id, from, to)
	}
	inv.log.Debug("invocation state", zap.Stringer("from", from), zap.Stringer("to", to))
}

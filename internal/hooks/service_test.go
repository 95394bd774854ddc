package hooks

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/hook-engine/internal/bridge"
	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/engine"
	"github.com/zot/hook-engine/internal/invoke"
)

const mainScript = `
local time = require("time")

function onRequest(req)
	req:setHeader("x-hooked", "yes")
	if req:getHeader("x-slow") then
		await(time.sleep(tonumber(req:getHeader("x-slow"))))
	end
end

function greet(name)
	print("greeting " .. name)
	return "hello " .. name
end

function version()
	return VERSION
end
`

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func newService(t *testing.T, edit func(*config.Config), opts ...Option) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	writeScript(t, dir, "main.lua", mainScript+"\nVERSION = 1\n")

	cfg := config.DefaultConfig()
	cfg.Hooks.Dir = dir
	cfg.SetLogger(zap.NewNop())
	if edit != nil {
		edit(cfg)
	}
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, dir
}

// TestOnRequestMergesHeaders verifies OnRequest returns host headers plus script headers.
func TestOnRequestMergesHeaders(t *testing.T) {
	s, _ := newService(t, nil)

	got, err := s.OnRequest(context.Background(), map[string]string{"accept": "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", got["accept"])
	assert.Equal(t, "yes", got["x-hooked"])
	assert.NotEmpty(t, got[RequestIDHeader])

	got, err = s.OnRequest(context.Background(), map[string]string{RequestIDHeader: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", got[RequestIDHeader])
}

// TestCallAndOutput verifies results come back to the host and print goes to the configured writer.
func TestCallAndOutput(t *testing.T) {
	var out bytes.Buffer
	s, _ := newService(t, nil, WithOutput(&out))

	res, err := s.Call(context.Background(), "greet", "ada")
	require.NoError(t, err)
	got, err := invoke.As[string](res)
	require.NoError(t, err)
	assert.Equal(t, "hello ada", got)
	assert.Equal(t, "greeting ada\n", out.String())

	_, err = s.Call(context.Background(), "missing")
	var lookup *engine.LookupError
	assert.ErrorAs(t, err, &lookup)
}

// TestExtraBridges verifies bridges passed to New are installed in every context.
func TestExtraBridges(t *testing.T) {
	s, dir := newService(t, nil, WithBridges(bridge.Func("hostName", func() string { return "test-host" })))
	writeScript(t, dir, "main.lua", `function who() return hostName() end`)
	s.Reload()

	res, err := s.Call(context.Background(), "who")
	require.NoError(t, err)
	assert.Equal(t, "test-host", res.Value)
}

func TestEvalAndRunFile(t *testing.T) {
	s, dir := newService(t, nil)

	res, err := s.Eval(context.Background(), "adhoc", `
		await(require("time").sleep(1))
		return greet("eval")
	`)
	require.NoError(t, err)
	assert.Equal(t, "hello eval", res.Value)

	script := filepath.Join(dir, "job.lua")
	writeScript(t, dir, "job.lua", `return require("json").encode({ok = true})`)
	res, err = s.RunFile(context.Background(), script)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, res.Value.(string))

	_, err = s.RunFile(context.Background(), filepath.Join(dir, "absent.lua"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestTimeout verifies calls exceeding the hook timeout fail with DeadlineExceeded.
func TestTimeout(t *testing.T) {
	s, _ := newService(t, func(cfg *config.Config) {
		cfg.Hooks.Timeout = config.Duration(20 * time.Millisecond)
	})

	_, err := s.OnRequest(context.Background(), map[string]string{"x-slow": "500"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestBrokenMainScript verifies a main script error fails the call that built the context.
func TestBrokenMainScript(t *testing.T) {
	s, dir := newService(t, nil)
	writeScript(t, dir, "main.lua", "function broken(")
	s.Reload()

	_, err := s.Call(context.Background(), "greet", "x")
	var exc *engine.ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.ErrorContains(t, err, "main.lua")
}

// TestMissingMainScript verifies a missing main script is skipped.
func TestMissingMainScript(t *testing.T) {
	s, dir := newService(t, nil)
	require.NoError(t, os.Remove(filepath.Join(dir, "main.lua")))
	s.Reload()

	_, err := s.Call(context.Background(), "greet", "x")
	var lookup *engine.LookupError
	assert.ErrorAs(t, err, &lookup)
}

// TestReloadPicksUpChanges verifies Reload serves edited scripts under both policies.
func TestReloadPicksUpChanges(t *testing.T) {
	for _, policy := range []string{"reuse", "fresh"} {
		t.Run(policy, func(t *testing.T) {
			s, dir := newService(t, func(cfg *config.Config) { cfg.Lua.Policy = policy })

			res, err := s.Call(context.Background(), "version")
			require.NoError(t, err)
			assert.Equal(t, float64(1), res.Value)

			writeScript(t, dir, "main.lua", mainScript+"\nVERSION = 2\n")
			if policy == "reuse" {
				res, err = s.Call(context.Background(), "version")
				require.NoError(t, err)
				assert.Equal(t, float64(1), res.Value, "reused contexts keep old scripts until reload")
				s.Reload()
			}

			res, err = s.Call(context.Background(), "version")
			require.NoError(t, err)
			assert.Equal(t, float64(2), res.Value)
		})
	}
}

// TestWatchReloads verifies editing a hook file reloads contexts.
func TestWatchReloads(t *testing.T) {
	s, dir := newService(t, nil)
	require.NoError(t, s.Watch())
	require.NoError(t, s.Watch())

	res, err := s.Call(context.Background(), "version")
	require.NoError(t, err)
	require.Equal(t, float64(1), res.Value)

	writeScript(t, dir, "main.lua", mainScript+"\nVERSION = 3\n")
	assert.Eventually(t, func() bool {
		res, err := s.Call(context.Background(), "version")
		return err == nil && res.Value == float64(3)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInvalidPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Lua.Policy = "sometimes"
	cfg.SetLogger(zap.NewNop())
	_, err := New(cfg)
	assert.ErrorContains(t, err, "unknown context policy")
}

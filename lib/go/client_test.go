package hookclient

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/hooks"
	"github.com/zot/hook-engine/internal/server"
)

func serve(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`
		function onRequest(req) req:setHeader("x-seen", req:getHeader("x-client") or "none") end
		function pair(a, b) return {first = a, second = b} end
		function nap(ms, v) await(require("time").sleep(ms)) return v end
	`), 0o644))

	cfg := config.DefaultConfig()
	cfg.Hooks.Dir = dir
	cfg.SetLogger(zap.NewNop())
	svc, err := hooks.New(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(server.New(cfg, svc).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// TestHTTPClient verifies the client decodes results and reports hook errors.
func TestHTTPClient(t *testing.T) {
	c := New(serve(t), nil)
	ctx := context.Background()

	var got struct {
		First  string  `json:"first"`
		Second float64 `json:"second"`
	}
	require.NoError(t, c.Call(ctx, "pair", &got, "a", 2))
	assert.Equal(t, "a", got.First)
	assert.Equal(t, float64(2), got.Second)

	merged, err := c.Request(ctx, map[string]string{"x-client": "test"})
	require.NoError(t, err)
	assert.Equal(t, "test", merged["x-seen"])

	err = c.Call(ctx, "absent", nil)
	var hookErr *Error
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, 404, hookErr.Status)
}

// TestWebSocketConnection verifies concurrent calls over one websocket get their own replies.
func TestWebSocketConnection(t *testing.T) {
	url := serve(t)
	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i, ms := range []int{60, 30, 1} {
		wg.Add(1)
		go func(i, ms int) {
			defer wg.Done()
			assert.NoError(t, conn.Call(context.Background(), "nap", &results[i], ms, string(rune('a'+i))))
		}(i, ms)
	}
	wg.Wait()
	assert.Equal(t, []string{"a", "b", "c"}, results)

	err = conn.Call(context.Background(), "absent", nil)
	var hookErr *Error
	assert.ErrorAs(t, err, &hookErr)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Call(context.Background(), "nap", nil, 1, "x"), ErrClosed)
}

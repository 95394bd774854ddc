package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/hooks"
)

const mainScript = `
local time = require("time")

function onRequest(req)
	req:setHeader("x-from-script", "yes")
	if req:getHeader("x-reject") then
		error({message = "rejected by hook"})
	end
end

function add(a, b)
	return a + b
end

function slow(ms, tag)
	await(time.sleep(ms))
	return tag
end

function typed(n)
	return n * 2
end
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(mainScript), 0o644))

	cfg := config.DefaultConfig()
	cfg.Hooks.Dir = dir
	cfg.SetLogger(zap.NewNop())
	svc, err := hooks.New(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	srv := New(cfg, svc)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, url, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return resp, out
}

// TestRequestHookMergesHeaders verifies POST /hooks/request returns host and script headers.
func TestRequestHookMergesHeaders(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/hooks/request", "", http.Header{"X-From-Host": {"yes"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", body["x-from-host"])
	assert.Equal(t, "yes", body["x-from-script"])
	assert.NotEmpty(t, body[hooks.RequestIDHeader])
	assert.Equal(t, "yes", resp.Header.Get("X-From-Script"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

// TestRequestHookError verifies a failing request hook answers 500 with its message.
func TestRequestHookError(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/hooks/request", "", http.Header{"X-Reject": {"1"}})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body["error"], "rejected by hook")
}

// TestCallHook verifies POST /hooks/call returns the hook result.
func TestCallHook(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/hooks/call/add", "[2, 3]", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), body["result"])

	resp, body = post(t, ts.URL+"/hooks/call/slow", `[5, "done"]`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", body["result"])
}

// TestCallHookErrors verifies hook errors map to HTTP status codes.
func TestCallHookErrors(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/hooks/call/absent", "[]", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "absent")

	resp, body = post(t, ts.URL+"/hooks/call/add", `{"a": 1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "JSON array")

	resp, _ = post(t, ts.URL+"/hooks/call/typed", `["x"]`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

// TestCallHookBodyTooLarge verifies oversized argument bodies get 413.
func TestCallHookBodyTooLarge(t *testing.T) {
	_, ts := newTestServer(t)

	body := "[" + strings.Repeat(" ", maxBodySize) + "]"
	resp, _ := post(t, ts.URL+"/hooks/call/add", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealthAndMethods(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/hooks/request")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestWebSocketCalls verifies websocket calls run concurrently and replies carry their ids.
func TestWebSocketCalls(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(CallMessage{ID: "slow", Hook: "slow", Args: []any{100, "late"}}))
	require.NoError(t, conn.WriteJSON(CallMessage{ID: "fast", Hook: "add", Args: []any{1, 2}}))
	require.NoError(t, conn.WriteJSON(CallMessage{ID: "bad", Hook: "absent"}))

	replies := map[string]ReplyMessage{}
	var order []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(replies) < 3 {
		var reply ReplyMessage
		require.NoError(t, conn.ReadJSON(&reply))
		replies[reply.ID] = reply
		order = append(order, reply.ID)
	}

	assert.Equal(t, float64(3), replies["fast"].Result)
	assert.Equal(t, "late", replies["slow"].Result)
	assert.Contains(t, replies["bad"].Error, "absent")
	assert.Equal(t, "slow", order[2], "a suspended hook does not block later calls")
}

// TestWebSocketInvalidMessages verifies malformed websocket messages get error replies.
func TestWebSocketInvalidMessages(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var reply ReplyMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "invalid message")

	require.NoError(t, conn.WriteJSON(CallMessage{ID: "7"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "7", reply.ID)
	assert.Equal(t, "missing hook name", reply.Error)
}

// TestShutdownClosesConnections verifies Shutdown closes open websocket connections.
func TestShutdownClosesConnections(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(CallMessage{ID: "1", Hook: "add", Args: []any{1, 1}}))
	var reply ReplyMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, 1, srv.wsEndpoint.Connections())

	require.NoError(t, srv.Shutdown(t.Context()))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return srv.wsEndpoint.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestStartHTTPPicksPort verifies port 0 binds a free port and reports it.
func TestStartHTTPPicksPort(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.config.Server.Port = 0
	url, err := srv.Start()
	require.NoError(t, err)
	defer srv.Shutdown(t.Context())
	assert.NotZero(t, srv.config.Server.Port)

	resp, err := http.Post(url+"/hooks/call/add", "application/json", bytes.NewReader([]byte("[4, 4]")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

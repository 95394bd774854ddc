package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/hooks"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// CallMessage asks for a hook call over a websocket.
type CallMessage struct {
	ID   string `json:"id"`
	Hook string `json:"hook"`
	Args []any  `json:"args"`
}

// ReplyMessage answers a CallMessage with the same id.
type ReplyMessage struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// connection is one websocket client. Replies may be written from several
// hook goroutines, so writes take writeMu.
type connection struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *connection) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// WebSocketEndpoint dispatches websocket call messages to hooks. Calls on one
// connection run concurrently; replies carry the request id.
type WebSocketEndpoint struct {
	config      *config.Config
	hooks       *hooks.Service
	connections map[string]*connection
	mu          sync.RWMutex
}

// NewWebSocketEndpoint creates a websocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config, svc *hooks.Service) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:      cfg,
		hooks:       svc,
		connections: make(map[string]*connection),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

// HandleWebSocket upgrades the request and serves the connection.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{id: "conn-" + uuid.NewString(), conn: conn, ctx: ctx, cancel: cancel}

	ws.mu.Lock()
	ws.connections[c.id] = c
	ws.mu.Unlock()

	ws.Log(1, "WebSocket connected: conn=%s", c.id)
	go ws.readPump(c)
}

func (ws *WebSocketEndpoint) readPump(c *connection) {
	var calls sync.WaitGroup
	defer func() {
		c.cancel()
		calls.Wait()
		ws.onDisconnect(c)
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}

		var msg CallMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			ws.Log(1, "Failed to parse message: %v", err)
			ws.reply(c, ReplyMessage{Error: "invalid message: " + err.Error()})
			continue
		}
		if msg.Hook == "" {
			ws.reply(c, ReplyMessage{ID: msg.ID, Error: "missing hook name"})
			continue
		}

		calls.Add(1)
		go func() {
			defer calls.Done()
			ws.processMessage(c, msg)
		}()
	}
}

func (ws *WebSocketEndpoint) processMessage(c *connection, msg CallMessage) {
	defer func() {
		if r := recover(); r != nil {
			ws.Log(0, "PANIC in processMessage: %v", r)
			ws.reply(c, ReplyMessage{ID: msg.ID, Error: "internal error"})
		}
	}()

	ws.Log(2, "[IN] CALL: conn=%s id=%s hook=%s", c.id, msg.ID, msg.Hook)
	res, err := ws.hooks.Call(c.ctx, msg.Hook, msg.Args...)
	if err != nil {
		ws.reply(c, ReplyMessage{ID: msg.ID, Error: err.Error()})
		return
	}
	ws.reply(c, ReplyMessage{ID: msg.ID, Result: res.Value})
}

func (ws *WebSocketEndpoint) reply(c *connection, msg ReplyMessage) {
	if ws.config.Verbosity() >= 4 {
		if data, err := json.Marshal(msg); err == nil {
			ws.Log(4, "[OUT] REPLY: to=%s data=%s", c.id, data)
		}
	} else {
		ws.Log(2, "[OUT] REPLY: to=%s id=%s", c.id, msg.ID)
	}
	if err := c.send(msg); err != nil {
		ws.Log(1, "WebSocket write failed: conn=%s: %v", c.id, err)
	}
}

func (ws *WebSocketEndpoint) onDisconnect(c *connection) {
	ws.mu.Lock()
	delete(ws.connections, c.id)
	ws.mu.Unlock()
	c.conn.Close()
	ws.Log(1, "WebSocket disconnected: conn=%s", c.id)
}

// Connections returns the number of open connections.
func (ws *WebSocketEndpoint) Connections() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

// CloseAll closes every connection; their pending calls are abandoned.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.RLock()
	conns := make([]*connection, 0, len(ws.connections))
	for _, c := range ws.connections {
		conns = append(conns, c)
	}
	ws.mu.RUnlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		c.conn.Close()
	}
}

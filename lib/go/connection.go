package hookclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("hook connection closed")

type message struct {
	ID   string `json:"id"`
	Hook string `json:"hook"`
	Args []any  `json:"args"`
}

type reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Connection multiplexes hook calls over one websocket. Calls may be issued
// from several goroutines; each waits for the reply carrying its id.
type Connection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[string]chan reply
	closed  bool
	err     error
	done    chan struct{}
}

// Dial connects to the /ws endpoint of the server at baseURL.
func Dial(ctx context.Context, baseURL string) (*Connection, error) {
	url := strings.TrimRight(baseURL, "/") + "/ws"
	url = "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c := &Connection{
		conn:    conn,
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call calls a hook and decodes its result into out (which may be nil).
func (c *Connection) Call(ctx context.Context, hook string, out any, args ...any) error {
	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	c.writeMu.Lock()
	err := c.conn.WriteJSON(message{ID: id, Hook: hook, Args: args})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case r := <-ch:
		if r.Error != "" {
			return &Error{Message: r.Error}
		}
		if out == nil || len(r.Result) == 0 {
			return nil
		}
		return json.Unmarshal(r.Result, out)
	case <-c.done:
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) readLoop() {
	defer close(c.done)
	for {
		var r reply
		if err := c.conn.ReadJSON(&r); err != nil {
			c.mu.Lock()
			c.closed = true
			c.err = err
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		c.mu.Unlock()
		if ok {
			ch <- r
		}
	}
}

func (c *Connection) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// Close closes the connection; pending calls fail with ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

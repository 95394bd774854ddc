// Package hookclient calls a running hook-engine server over HTTP or websocket.
package hookclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Error is a hook failure reported by the server.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("hook server: %d: %s", e.Status, e.Message)
}

// Client calls hooks through the HTTP endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL, e.g. http://127.0.0.1:8080.
// A nil httpClient means http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Call calls the named hook and decodes its result into out (which may be nil).
func (c *Client) Call(ctx context.Context, hook string, out any, args ...any) error {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.post(ctx, "/hooks/call/"+hook, bytes.NewReader(body), nil, &resp); err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Request runs the request hook with headers and returns the merged headers.
func (c *Client) Request(ctx context.Context, headers map[string]string) (map[string]string, error) {
	var merged map[string]string
	if err := c.post(ctx, "/hooks/request", nil, headers, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Message: e.Error}
	}
	return json.Unmarshal(data, out)
}

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/zot/hook-engine/internal/config"
	"github.com/zot/hook-engine/internal/engine"
	"github.com/zot/hook-engine/internal/hooks"
)

// maxBodySize limits request bodies read by the hook endpoints.
const maxBodySize = 1 << 20

// framingHeaders describe the request body or connection and are not echoed.
var framingHeaders = map[string]struct{}{
	"content-length":    {},
	"content-type":      {},
	"connection":        {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// HTTPEndpoint routes hook requests.
type HTTPEndpoint struct {
	config     *config.Config
	hooks      *hooks.Service
	wsEndpoint *WebSocketEndpoint
	mux        *http.ServeMux
}

// NewHTTPEndpoint creates the HTTP endpoint. wsEndpoint may be nil to disable /ws.
func NewHTTPEndpoint(cfg *config.Config, svc *hooks.Service, wsEndpoint *WebSocketEndpoint) *HTTPEndpoint {
	h := &HTTPEndpoint{
		config:     cfg,
		hooks:      svc,
		wsEndpoint: wsEndpoint,
		mux:        http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("POST /hooks/request", h.handleRequestHook)
	h.mux.HandleFunc("POST /hooks/call/{name}", h.handleCall)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	if h.wsEndpoint != nil {
		h.mux.HandleFunc("GET /ws", h.wsEndpoint.HandleWebSocket)
	}
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.config.Log(3, "[IN] %s %s", r.Method, r.URL.Path)
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRequestHook runs the request hook over the request headers and
// answers with the merged headers, both as JSON and as response headers.
func (h *HTTPEndpoint) handleRequestHook(w http.ResponseWriter, r *http.Request) {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}

	merged, err := h.hooks.OnRequest(r.Context(), headers)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for k, v := range merged {
		if _, skip := framingHeaders[k]; !skip {
			w.Header().Set(k, v)
		}
	}
	writeJSON(w, http.StatusOK, merged)
}

// handleCall calls the named hook with a JSON array of arguments.
func (h *HTTPEndpoint) handleCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	args, err := parseArgs(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	res, err := h.hooks.Call(r.Context(), name, args...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Result: res.Value})
}

type resultBody struct {
	Result any `json:"result"`
}

type errorBody struct {
	Error string `json:"error"`
}

// parseArgs decodes a JSON array of hook arguments. An empty body means no arguments.
func parseArgs(body []byte) ([]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, errors.New("arguments must be a JSON array: " + err.Error())
	}
	return args, nil
}

func (h *HTTPEndpoint) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.config.Log(1, "hook error: %v", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps hook errors to HTTP status codes.
func statusFor(err error) int {
	var (
		lookup *engine.LookupError
		mars   *engine.MarshalError
		deser  *engine.DeserializationError
	)
	switch {
	case errors.As(err, &lookup):
		return http.StatusNotFound
	case errors.As(err, &mars), errors.As(err, &deser):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(errorBody{Error: err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

package mcp

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/hook-engine/internal/invoke"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("eval",
		mcp.WithDescription("Run Lua code in a hook context. The code may call hooks, require modules and await futures; its first return value is the result."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Lua chunk to run")),
	), s.handleEval)

	s.mcp.AddTool(mcp.NewTool("call_hook",
		mcp.WithDescription("Call a global hook function with JSON arguments and return its result."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Hook function name")),
		mcp.WithArray("args", mcp.Description("Positional arguments")),
	), s.handleCallHook)
}

func (s *Server) handleEval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.config.Log(2, "MCP eval: %d byte(s)", len(code))
	res, err := s.hooks.Eval(ctx, "mcp", code)
	return resultOf(res, err)
}

func (s *Server) handleCallHook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var args []any
	if raw, ok := req.GetArguments()["args"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("args must be an array, got %T", raw)), nil
		}
		args = list
	}
	s.config.Log(2, "MCP call_hook: %s", name)
	res, err := s.hooks.Call(ctx, name, args...)
	return resultOf(res, err)
}

// resultOf renders a hook result as JSON text. Hook failures are tool
// errors the assistant can read, not protocol errors.
func resultOf(res invoke.Result, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot encode %s result: %v", res.Type, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolHandlerFunc executes one tool. args is the raw JSON object sent by the host; it is
// nil when the host sent no arguments.
type ToolHandlerFunc func(ctx context.Context, args json.RawMessage) (CallToolResult, error)

// ToolRegistry is an explicit name to handler table built at provider start-up. It
// implements ToolServer and lists tools in registration order.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    []Tool
	handlers map[string]ToolHandlerFunc
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandlerFunc),
	}
}

// Add registers a tool and returns the registry so registrations can be chained. Adding a
// tool whose name is already registered replaces the previous handler and description.
func (r *ToolRegistry) Add(tool Tool, handler ToolHandlerFunc) *ToolRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[tool.Name]; ok {
		for i := range r.tools {
			if r.tools[i].Name == tool.Name {
				r.tools[i] = tool
			}
		}
	} else {
		r.tools = append(r.tools, tool)
	}
	r.handlers[tool.Name] = handler

	return r
}

// ListTools implements ToolServer.
func (r *ToolRegistry) ListTools(context.Context) (ListToolsResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, len(r.tools))
	copy(tools, r.tools)
	return ListToolsResult{Tools: tools}, nil
}

// CallTool implements ToolServer.
func (r *ToolRegistry) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	r.mu.RLock()
	handler, ok := r.handlers[params.Name]
	r.mu.RUnlock()

	if !ok {
		return CallToolResult{}, &ToolNotFoundError{Name: params.Name}
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = nil
	}

	result, err := handler(ctx, args)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("tool %s: %w", params.Name, err)
	}
	return result, nil
}

// TextResult builds a successful result holding a single text content.
func TextResult(text string) CallToolResult {
	return CallToolResult{
		Content: []Content{
			{
				Type: ContentTypeText,
				Text: text,
			},
		},
	}
}

// JSONResult builds a successful result holding v encoded as JSON text.
func JSONResult(v any) (CallToolResult, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return TextResult(string(bs)), nil
}

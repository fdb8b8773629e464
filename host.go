package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// HostOption represents the options for the Host.
type HostOption func(*Host)

// Host is the entry point for application code. It lists the discovered providers and
// their tools and calls tools by provider id and name, delegating everything to a Registry.
type Host struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHost creates a Host on top of registry. The Host owns the registry from then on and
// shuts it down in Shutdown.
func NewHost(registry *Registry, options ...HostOption) *Host {
	h := &Host{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// WithHostLogger sets the logger for the Host.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "host"),
		)
	}
}

// ListServers returns the descriptor of every reachable provider, discovering them if
// needed. It fails with ErrServiceDiscoveryFailed if the providers cannot be listed.
func (h *Host) ListServers(ctx context.Context) ([]ServiceDescriptor, error) {
	return h.registry.Discover(ctx)
}

// ListTools returns the tools of every reachable provider.
func (h *Host) ListTools(ctx context.Context) ([]CapabilityDescriptor, error) {
	return h.registry.ListTools(ctx)
}

// CallTool calls a provider's tool and returns its result as a JSON value.
//
// Text returned by the tool is used as is when it is valid JSON and encoded as a JSON string
// otherwise. A tool that is not advertised by the provider yields a *ToolNotFoundError and a
// result flagged as an error yields ErrExecutionFailed.
func (h *Host) CallTool(ctx context.Context, providerID, toolName string, args map[string]any) (json.RawMessage, error) {
	exists, err := h.registry.ToolExists(ctx, providerID, toolName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &ToolNotFoundError{ProviderID: providerID, Name: toolName}
	}

	result, err := h.callTool(ctx, providerID, toolName, args)
	if err != nil {
		h.logger.Warn("tool call failed",
			slog.String("provider", providerID),
			slog.String("tool", toolName),
			slog.String("err", err.Error()))
		return nil, err
	}

	text := resultText(result)
	if result.IsError {
		return nil, fmt.Errorf("%w: %s/%s: %s", ErrExecutionFailed, providerID, toolName, text)
	}

	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	bs, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return bs, nil
}

// callTool calls the tool through the provider's Connection. A Connection the registry
// retired in the meantime is replaced once.
func (h *Host) callTool(ctx context.Context, providerID, toolName string, args map[string]any) (CallToolResult, error) {
	for attempt := 0; ; attempt++ {
		conn, err := h.registry.GetConnection(ctx, providerID)
		if err != nil {
			return CallToolResult{}, err
		}

		result, err := conn.CallTool(ctx, toolName, args)
		if err != nil && errors.Is(err, errConnectionRetired) && attempt == 0 {
			h.logger.Debug("connection retired, retrying",
				slog.String("provider", providerID),
				slog.String("tool", toolName))
			continue
		}
		return result, err
	}
}

// Shutdown disconnects every provider and releases the discovery subscription.
func (h *Host) Shutdown(ctx context.Context) error {
	return h.registry.Shutdown(ctx)
}

func resultText(result CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if content.Type != ContentTypeText {
			continue
		}
		sb.WriteString(content.Text)
	}
	return sb.String()
}

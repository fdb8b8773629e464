package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/TangGee/go-mcphost"
	"github.com/TangGee/go-mcphost/servers/weather"
)

func newHost(t *testing.T, locator *mockLocator, binder *mockBinder) *mcp.Host {
	t.Helper()

	host := mcp.NewHost(mcp.NewRegistry(locator, binder))
	t.Cleanup(func() {
		if err := host.Shutdown(context.Background()); err != nil {
			t.Errorf("failed to shut down host: %v", err)
		}
	})
	return host
}

func TestHostCallsWeatherTool(t *testing.T) {
	binder := newMockBinder()
	locator := &mockLocator{}

	provider := newTestProvider(t, weather.Info, []mcp.ServerOption{mcp.WithToolServer(weather.NewServer())})
	binder.register("weather.sock", provider.channel)
	locator.set(endpoint("weather"))

	host := newHost(t, locator, binder)

	servers, err := host.ListServers(context.Background())
	if err != nil {
		t.Fatalf("failed to list servers: %v", err)
	}
	if len(servers) != 1 || servers[0].ServerInfo.Name != weather.Info.Name {
		t.Fatalf("unexpected servers: %+v", servers)
	}

	tools, err := host.ListTools(context.Background())
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}

	res, err := host.CallTool(context.Background(), "weather", weather.ToolQueryWeather, map[string]any{"location": "Paris"})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}

	var report map[string]any
	if err := json.Unmarshal(res, &report); err != nil {
		t.Fatalf("expected a JSON object, got %s: %v", res, err)
	}
	if _, ok := report["temperature"]; !ok {
		t.Errorf("expected a temperature field in %s", res)
	}
	if report["location"] != "Paris" {
		t.Errorf("expected location Paris, got %v", report["location"])
	}

	_, err = host.CallTool(context.Background(), "weather", weather.ToolQueryWeather, map[string]any{})
	if !errors.Is(err, mcp.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestHostUnknownTool(t *testing.T) {
	binder := newMockBinder()
	locator := &mockLocator{}

	provider := newTestProvider(t, weather.Info, []mcp.ServerOption{mcp.WithToolServer(weather.NewServer())})
	binder.register("weather.sock", provider.channel)
	locator.set(endpoint("weather"))

	host := newHost(t, locator, binder)

	tests := []struct {
		name     string
		provider string
		tool     string
	}{
		{name: "unknown tool", provider: "weather", tool: "bogusTool"},
		{name: "unknown provider", provider: "traffic", tool: weather.ToolQueryWeather},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := host.CallTool(context.Background(), tc.provider, tc.tool, nil)
			if !errors.Is(err, mcp.ErrToolNotFound) {
				t.Fatalf("expected ErrToolNotFound, got %v", err)
			}
			var notFound *mcp.ToolNotFoundError
			if !errors.As(err, &notFound) || notFound.Name != tc.tool {
				t.Errorf("expected *ToolNotFoundError for %s, got %v", tc.tool, err)
			}
		})
	}

	// The advertised tools are checked before any connection is opened.
	if got := binder.binds.Load(); got != 1 {
		t.Errorf("expected only the probe to bind, got %d binds", got)
	}
}

func TestHostEmptyDiscovery(t *testing.T) {
	host := newHost(t, &mockLocator{}, newMockBinder())

	tools, err := host.ListTools(context.Background())
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	bs, err := json.Marshal(tools)
	if err != nil {
		t.Fatalf("failed to marshal tools: %v", err)
	}
	if string(bs) != "[]" {
		t.Errorf("expected [], got %s", bs)
	}

	_, err = host.CallTool(context.Background(), "weather", weather.ToolQueryWeather, nil)
	if !errors.Is(err, mcp.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestHostDiscoveryFailure(t *testing.T) {
	locator := &mockLocator{err: errors.New("service manager unavailable")}
	host := newHost(t, locator, newMockBinder())

	if _, err := host.ListServers(context.Background()); !errors.Is(err, mcp.ErrServiceDiscoveryFailed) {
		t.Errorf("expected ErrServiceDiscoveryFailed, got %v", err)
	}
	_, err := host.CallTool(context.Background(), "weather", weather.ToolQueryWeather, nil)
	if !errors.Is(err, mcp.ErrServiceDiscoveryFailed) {
		t.Errorf("expected ErrServiceDiscoveryFailed, got %v", err)
	}
}

func TestHostResultRendering(t *testing.T) {
	tools := &mockToolServer{
		tools: []mcp.Tool{{Name: "plain"}, {Name: "json"}, {Name: "failing"}},
		call: func(_ context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
			switch params.Name {
			case "plain":
				return mcp.TextResult("sunny all day"), nil
			case "json":
				return mcp.TextResult(`{"temperature":21}`), nil
			default:
				return mcp.CallToolResult{
					Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "sensor offline"}},
					IsError: true,
				}, nil
			}
		},
	}

	binder := newMockBinder()
	locator := &mockLocator{}
	provider := newTestProvider(t, mcp.Info{Name: "render", Version: "1.0"},
		[]mcp.ServerOption{mcp.WithToolServer(tools)})
	binder.register("render.sock", provider.channel)
	locator.set(endpoint("render"))

	host := newHost(t, locator, binder)

	tests := []struct {
		name    string
		tool    string
		want    string
		wantErr error
	}{
		{name: "plain text becomes a JSON string", tool: "plain", want: `"sunny all day"`},
		{name: "JSON text is kept", tool: "json", want: `{"temperature":21}`},
		{name: "error result", tool: "failing", wantErr: mcp.ErrExecutionFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := host.CallTool(context.Background(), "render", tc.tool, nil)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to call tool: %v", err)
			}
			if string(res) != tc.want {
				t.Errorf("expected %s, got %s", tc.want, res)
			}
		})
	}
}

// Package weather implements a sample provider reporting made-up weather. It exposes the
// queryWeather and forecastWeather tools and is meant for trying out hosts end to end.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/TangGee/go-mcphost"
)

// Option represents the options for the Server.
type Option func(*Server)

// Server implements mcp.ToolServer for the weather tools. Reports are random; a fixed seed
// makes them reproducible.
type Server struct {
	tools *mcp.ToolRegistry

	mu  sync.Mutex
	rnd *rand.Rand
}

// Info identifies the weather provider.
var Info = mcp.Info{
	Name:    "WeatherService",
	Version: "1.0.0",
}

// Tool names.
const (
	ToolQueryWeather    = "queryWeather"
	ToolForecastWeather = "forecastWeather"
)

const (
	defaultForecastDays = 3
	maxForecastDays     = 7
)

var conditions = []string{"sunny", "cloudy", "rainy", "snowy", "partly cloudy"}

// NewServer creates the weather tool server.
func NewServer(options ...Option) *Server {
	s := &Server{}
	for _, opt := range options {
		opt(s)
	}

	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	s.tools = mcp.NewToolRegistry().
		Add(mcp.Tool{
			Name:        ToolQueryWeather,
			Description: "Query the current weather of a location.",
			InputSchema: queryWeatherSchema,
		}, s.queryWeather).
		Add(mcp.Tool{
			Name:        ToolForecastWeather,
			Description: "Forecast the weather of a location for the next days.",
			InputSchema: forecastWeatherSchema,
		}, s.forecastWeather)

	return s
}

// WithSeed makes the generated weather deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Server) {
		s.rnd = rand.New(rand.NewPCG(seed, seed))
	}
}

// ListTools implements mcp.ToolServer.
func (s *Server) ListTools(ctx context.Context) (mcp.ListToolsResult, error) {
	return s.tools.ListTools(ctx)
}

// CallTool implements mcp.ToolServer.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	return s.tools.CallTool(ctx, params)
}

func (s *Server) queryWeather(_ context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
	var qArgs QueryWeatherArgs
	if err := unmarshalArgs(args, &qArgs); err != nil {
		return mcp.CallToolResult{}, err
	}
	if qArgs.Location == "" {
		return mcp.CallToolResult{}, fmt.Errorf("%w: location is required", mcp.ErrInvalidParameters)
	}

	s.mu.Lock()
	report := Report{
		Location:    qArgs.Location,
		Temperature: -10 + s.rnd.IntN(50),
		Conditions:  conditions[s.rnd.IntN(len(conditions))],
		Humidity:    20 + s.rnd.IntN(70),
		WindSpeed:   s.rnd.IntN(30),
	}
	s.mu.Unlock()

	return mcp.JSONResult(report)
}

func (s *Server) forecastWeather(_ context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
	var fArgs ForecastWeatherArgs
	if err := unmarshalArgs(args, &fArgs); err != nil {
		return mcp.CallToolResult{}, err
	}
	if fArgs.Location == "" {
		return mcp.CallToolResult{}, fmt.Errorf("%w: location is required", mcp.ErrInvalidParameters)
	}

	days := defaultForecastDays
	if fArgs.Days != nil {
		days = min(max(int(*fArgs.Days), 1), maxForecastDays)
	}

	forecast := Forecast{
		Location: fArgs.Location,
		Days:     make([]ForecastDay, 0, days),
	}

	s.mu.Lock()
	for day := range days {
		high := 15 + s.rnd.IntN(25)
		forecast.Days = append(forecast.Days, ForecastDay{
			Day:          day + 1,
			High:         high,
			Low:          -5 + s.rnd.IntN(high),
			Conditions:   conditions[s.rnd.IntN(len(conditions))],
			ChanceOfRain: s.rnd.IntN(100),
		})
	}
	s.mu.Unlock()

	return mcp.JSONResult(forecast)
}

func unmarshalArgs(args json.RawMessage, v any) error {
	if args == nil {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: failed to unmarshal arguments: %w", mcp.ErrInvalidParameters, err)
	}
	return nil
}

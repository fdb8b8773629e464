package servicemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/TangGee/go-mcphost"
	"github.com/tmaxmax/go-sse"
)

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// Client talks to a Manager over HTTP. Hosts use it as an mcp.ServiceLocator and an
// mcp.ProviderWatcher; providers use it to register themselves.
type Client struct {
	baseURL    string
	httpClient *http.Client
	contract   string
	logger     *slog.Logger

	retryDelay   time.Duration
	maxEventSize int
}

var defaultRetryDelay = time.Second

// NewClient creates a Client for the Manager served at baseURL. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client, options ...ClientOption) *Client {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.contract == "" {
		c.contract = mcp.ProviderContract
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}

	return c
}

// WithClientContract sets the contract Query and Watch filter on.
func WithClientContract(contract string) ClientOption {
	return func(c *Client) {
		c.contract = contract
	}
}

// WithClientRetryDelay sets how long Watch waits before reconnecting a broken stream.
func WithClientRetryDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// WithClientMaxEventSize sets the maximum size of a single event read from the stream.
func WithClientMaxEventSize(size int) ClientOption {
	return func(c *Client) {
		c.maxEventSize = size
	}
}

// WithClientLogger sets the logger for the Client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "servicemanager-client"),
		)
	}
}

// Query implements mcp.ServiceLocator.
func (c *Client) Query(ctx context.Context) ([]mcp.Endpoint, error) {
	services, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}

	endpoints := make([]mcp.Endpoint, 0, len(services))
	for _, svc := range services {
		endpoints = append(endpoints, svc.endpoint())
	}
	return endpoints, nil
}

// Services lists the registered services advertising the configured contract.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	u := fmt.Sprintf("%s%s?contract=%s", c.baseURL, PathServices, url.QueryEscape(c.contract))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var services []Service
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		return nil, fmt.Errorf("failed to decode services: %w", err)
	}
	return services, nil
}

// Register advertises svc. An empty contract defaults to the configured one.
func (c *Client) Register(ctx context.Context, svc Service) error {
	if svc.Contract == "" {
		svc.Contract = c.contract
	}

	svcBs, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathServices, bytes.NewReader(svcBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// Unregister withdraws the service of providerID.
func (c *Client) Unregister(ctx context.Context, providerID string) error {
	u := fmt.Sprintf("%s%s?providerID=%s", c.baseURL, PathServices, url.QueryEscape(providerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

// Watch implements mcp.ProviderWatcher. It follows the Manager's event stream and reconnects
// after c.retryDelay whenever the stream breaks. Every time a stream opens, the service
// table is compared with the last known one so changes made while disconnected are still
// reported.
func (c *Client) Watch(ctx context.Context) iter.Seq[mcp.ProviderEvent] {
	return func(yield func(mcp.ProviderEvent) bool) {
		known, err := c.snapshot(ctx)
		if err != nil {
			c.logger.Warn("failed to list services", slog.String("err", err.Error()))
			known = map[string]Service{}
		}

		for {
			if !c.stream(ctx, known, yield) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
		}
	}
}

// stream follows one event stream until it breaks. It returns false when the consumer
// stopped the iteration or ctx is done.
func (c *Client) stream(ctx context.Context, known map[string]Service, yield func(mcp.ProviderEvent) bool) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathEvents, nil)
	if err != nil {
		c.logger.Error("failed to create request", slog.String("err", err.Error()))
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("failed to connect to event stream", slog.String("err", err.Error()))
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("unexpected status code", slog.Int("status", resp.StatusCode))
		return true
	}

	var config *sse.ReadConfig
	if c.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxEventSize,
		}
	}

	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("failed to read event", slog.String("err", err.Error()))
			}
			return true
		}

		if ev.Type == eventReady {
			current, err := c.snapshot(ctx)
			if err != nil {
				c.logger.Warn("failed to resynchronize services", slog.String("err", err.Error()))
				continue
			}
			for _, event := range diffServices(known, current) {
				if !yield(event) {
					return false
				}
			}
			clear(known)
			for id, svc := range current {
				known[id] = svc
			}
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			c.logger.Warn("failed to unmarshal event", slog.String("err", err.Error()))
			continue
		}
		if event.Service.Contract != c.contract {
			continue
		}

		// Changes already picked up by a resynchronization are not reported twice.
		old, ok := known[event.Service.ProviderID]
		switch event.Type {
		case mcp.ProviderAdded, mcp.ProviderUpdated:
			if ok && old == event.Service {
				continue
			}
			if !ok {
				event.Type = mcp.ProviderAdded
			}
			known[event.Service.ProviderID] = event.Service
		case mcp.ProviderRemoved:
			if !ok {
				continue
			}
			delete(known, event.Service.ProviderID)
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
			continue
		}

		if !yield(mcp.ProviderEvent{Type: event.Type, ProviderID: event.Service.ProviderID}) {
			return false
		}
	}

	return ctx.Err() == nil
}

func (c *Client) snapshot(ctx context.Context) (map[string]Service, error) {
	services, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]Service, len(services))
	for _, svc := range services {
		known[svc.ProviderID] = svc
	}
	return known, nil
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (s Service) endpoint() mcp.Endpoint {
	return mcp.Endpoint{
		ProviderID: s.ProviderID,
		Network:    s.Network,
		Address:    s.Address,
	}
}

func diffServices(previous, current map[string]Service) []mcp.ProviderEvent {
	var events []mcp.ProviderEvent
	for id, svc := range current {
		old, ok := previous[id]
		switch {
		case !ok:
			events = append(events, mcp.ProviderEvent{Type: mcp.ProviderAdded, ProviderID: id})
		case old != svc:
			events = append(events, mcp.ProviderEvent{Type: mcp.ProviderUpdated, ProviderID: id})
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			events = append(events, mcp.ProviderEvent{Type: mcp.ProviderRemoved, ProviderID: id})
		}
	}
	slices.SortFunc(events, func(a, b mcp.ProviderEvent) int {
		return strings.Compare(a.ProviderID, b.ProviderID)
	})
	return events
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RegistryOption represents the options for the Registry.
type RegistryOption func(*Registry)

// Registry maps the dynamic set of providers to a cached list of capabilities and hands out
// one Connection per provider.
//
// The cache is either complete or empty. Discover fills it under the same mutex that
// InvalidateCache clears it with, so callers never observe a half-populated cache. Providers
// that fail their probe are logged and left out; only a failure of the ServiceLocator itself
// is reported.
//
// When a ProviderWatcher is configured, the Registry subscribes to it for its whole lifetime
// and reacts to every event by invalidating the cache and discovering again. Shutdown
// releases the subscription and disconnects every Connection.
type Registry struct {
	locator ServiceLocator
	binder  Binder
	watcher ProviderWatcher
	logger  *slog.Logger

	hostInfo          Info
	probeTimeout      time.Duration
	probeConcurrency  int
	connectionOptions []ConnectionOption

	mu          sync.Mutex
	descriptors []ServiceDescriptor
	discovered  bool

	connections sync.Map // providerID -> *Connection

	ctx          context.Context
	cancel       context.CancelFunc
	watchDone    chan struct{}
	shutdownOnce sync.Once
}

// RegistryStats is a point-in-time view of the Registry.
type RegistryStats struct {
	Providers   int
	Tools       int
	Connections int
	Discovered  bool
}

var (
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeConcurrency = 4
)

// NewRegistry creates a Registry that discovers providers through locator and opens
// channels to them with binder. If a watcher is configured the watch loop starts
// immediately; nothing else happens until the first Discover.
func NewRegistry(locator ServiceLocator, binder Binder, options ...RegistryOption) *Registry {
	r := &Registry{
		locator:  locator,
		binder:   binder,
		hostInfo: defaultHostInfo,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}

	if r.probeTimeout == 0 {
		r.probeTimeout = defaultProbeTimeout
	}
	if r.probeConcurrency <= 0 {
		r.probeConcurrency = defaultProbeConcurrency
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	if r.watcher != nil {
		r.watchDone = make(chan struct{})
		go r.watch()
	}

	return r
}

// WithRegistryWatcher subscribes the Registry to provider availability changes.
func WithRegistryWatcher(watcher ProviderWatcher) RegistryOption {
	return func(r *Registry) {
		r.watcher = watcher
	}
}

// WithRegistryHostInfo sets the host information sent to providers. It is also used for
// every Connection the Registry creates.
func WithRegistryHostInfo(info Info) RegistryOption {
	return func(r *Registry) {
		r.hostInfo = info
	}
}

// WithRegistryProbeTimeout bounds the whole probe of a single candidate, bind included.
func WithRegistryProbeTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.probeTimeout = timeout
	}
}

// WithRegistryProbeConcurrency sets how many candidates are probed at the same time.
func WithRegistryProbeConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		r.probeConcurrency = n
	}
}

// WithRegistryConnectionOptions sets the options used for every Connection.
func WithRegistryConnectionOptions(options ...ConnectionOption) RegistryOption {
	return func(r *Registry) {
		r.connectionOptions = append(r.connectionOptions, options...)
	}
}

// WithRegistryLogger sets the logger for the Registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "registry"),
		)
	}
}

// Discover returns the descriptors of every reachable provider, in locator order. A
// complete cache is returned as is; otherwise the locator is queried and each candidate is
// probed for its capabilities.
func (r *Registry) Discover(ctx context.Context) ([]ServiceDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.discovered {
		return r.snapshot(), nil
	}

	endpoints, err := r.locator.Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceDiscoveryFailed, err)
	}

	probed := make([]*ServiceDescriptor, len(endpoints))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.probeConcurrency)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			desc, err := r.probe(gCtx, endpoint)
			if err != nil {
				r.logger.Warn("provider excluded from discovery",
					slog.String("provider", endpoint.ProviderID),
					slog.String("err", err.Error()))
				return nil
			}
			probed[i] = &desc
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceDiscoveryFailed, err)
	}

	descriptors := make([]ServiceDescriptor, 0, len(probed))
	for _, desc := range probed {
		if desc != nil {
			descriptors = append(descriptors, *desc)
		}
	}

	r.descriptors = descriptors
	r.discovered = true

	r.logger.Debug("discovery complete",
		slog.Int("candidates", len(endpoints)),
		slog.Int("providers", len(descriptors)))

	return r.snapshot(), nil
}

// ListCapabilities flattens the discovered descriptors and keeps the given kind.
func (r *Registry) ListCapabilities(ctx context.Context, kind CapabilityKind) ([]CapabilityDescriptor, error) {
	descriptors, err := r.Discover(ctx)
	if err != nil {
		return nil, err
	}

	caps := make([]CapabilityDescriptor, 0)
	for _, desc := range descriptors {
		for _, c := range desc.Capabilities {
			if c.Kind == kind {
				caps = append(caps, c)
			}
		}
	}
	return caps, nil
}

// ListTools returns every tool of every discovered provider.
func (r *Registry) ListTools(ctx context.Context) ([]CapabilityDescriptor, error) {
	return r.ListCapabilities(ctx, CapabilityTool)
}

// ToolExists reports whether the provider advertised a tool with the given name.
func (r *Registry) ToolExists(ctx context.Context, providerID, name string) (bool, error) {
	tools, err := r.ListTools(ctx)
	if err != nil {
		return false, err
	}
	for _, tool := range tools {
		if tool.ProviderID == providerID && tool.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// GetConnection returns the Connection of a discovered provider, creating it on first use.
// Concurrent callers always receive the same instance.
func (r *Registry) GetConnection(ctx context.Context, providerID string) (*Connection, error) {
	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: registry is shut down", ErrInvalidState)
	}

	descriptors, err := r.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var endpoint Endpoint
	found := false
	for _, desc := range descriptors {
		if desc.ProviderID == providerID {
			endpoint = desc.Endpoint
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}

	v, ok := r.connections.Load(providerID)
	if !ok {
		opts := append([]ConnectionOption{WithConnectionClientInfo(r.hostInfo)}, r.connectionOptions...)
		var loaded bool
		v, loaded = r.connections.LoadOrStore(providerID, NewConnection(endpoint, r.binder, opts...))
		if !loaded {
			r.logger.Debug("connection created", slog.String("provider", providerID))
		}
	}

	// A Shutdown that ran since the check above may have missed this entry.
	if r.ctx.Err() != nil {
		r.dropConnection(providerID)
		return nil, fmt.Errorf("%w: registry is shut down", ErrInvalidState)
	}
	return v.(*Connection), nil
}

// InvalidateCache empties the descriptor cache. The next Discover queries the locator again.
func (r *Registry) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors = nil
	r.discovered = false
}

// OnProviderAdded implements ProviderListener.
func (r *Registry) OnProviderAdded(providerID string) {
	r.logger.Info("provider added", slog.String("provider", providerID))
	r.rediscover()
}

// OnProviderRemoved implements ProviderListener. The provider's Connection is dropped.
func (r *Registry) OnProviderRemoved(providerID string) {
	r.logger.Info("provider removed", slog.String("provider", providerID))
	r.dropConnection(providerID)
	r.rediscover()
}

// OnProviderUpdated implements ProviderListener. The provider's Connection is dropped since
// its endpoint may have changed.
func (r *Registry) OnProviderUpdated(providerID string) {
	r.logger.Info("provider updated", slog.String("provider", providerID))
	r.dropConnection(providerID)
	r.rediscover()
}

// Stats returns counters describing the current cache and connection table.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	stats := RegistryStats{
		Providers:  len(r.descriptors),
		Discovered: r.discovered,
	}
	for _, desc := range r.descriptors {
		for _, c := range desc.Capabilities {
			if c.Kind == CapabilityTool {
				stats.Tools++
			}
		}
	}
	r.mu.Unlock()

	r.connections.Range(func(_, v any) bool {
		if v.(*Connection).State() == StateConnected {
			stats.Connections++
		}
		return true
	})
	return stats
}

// Shutdown releases the watcher subscription, disconnects every Connection and clears the
// caches. Disconnect failures are logged. It returns ctx.Err() if the watch loop does not
// exit in time.
func (r *Registry) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.cancel()

		if r.watchDone != nil {
			select {
			case <-r.watchDone:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		r.connections.Range(func(k, _ any) bool {
			r.dropConnection(k.(string))
			return true
		})
		r.InvalidateCache()
	})
	return err
}

func (r *Registry) snapshot() []ServiceDescriptor {
	descriptors := make([]ServiceDescriptor, len(r.descriptors))
	copy(descriptors, r.descriptors)
	return descriptors
}

func (r *Registry) rediscover() {
	r.InvalidateCache()
	if r.ctx.Err() != nil {
		return
	}
	if _, err := r.Discover(r.ctx); err != nil {
		r.logger.Error("failed to rediscover providers", slog.String("err", err.Error()))
	}
}

func (r *Registry) dropConnection(providerID string) {
	v, ok := r.connections.LoadAndDelete(providerID)
	if !ok {
		return
	}
	if err := v.(*Connection).retire(); err != nil {
		r.logger.Warn("failed to disconnect",
			slog.String("provider", providerID),
			slog.String("err", err.Error()))
	}
}

func (r *Registry) watch() {
	defer close(r.watchDone)

	for event := range r.watcher.Watch(r.ctx) {
		switch event.Type {
		case ProviderAdded:
			r.OnProviderAdded(event.ProviderID)
		case ProviderRemoved:
			r.OnProviderRemoved(event.ProviderID)
		case ProviderUpdated:
			r.OnProviderUpdated(event.ProviderID)
		default:
			r.logger.Warn("unknown provider event",
				slog.String("type", string(event.Type)),
				slog.String("provider", event.ProviderID))
		}
	}
}

// probe opens a short-lived binding to the endpoint and asks for its capabilities.
// The initialize exchange is best-effort and only fills in the provider information.
func (r *Registry) probe(ctx context.Context, endpoint Endpoint) (ServiceDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	binding, err := r.binder.Bind(ctx, endpoint)
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("failed to bind: %w", err)
	}
	defer func() {
		if err := binding.Unbind(); err != nil {
			r.logger.Debug("failed to release probe binding",
				slog.String("provider", endpoint.ProviderID),
				slog.String("err", err.Error()))
		}
	}()

	desc := ServiceDescriptor{
		ProviderID: endpoint.ProviderID,
		Endpoint:   endpoint,
	}

	var initResult initializeResult
	err = probeCall(ctx, binding, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      r.hostInfo,
	}, &initResult)
	if err != nil {
		r.logger.Debug("provider skipped initialize",
			slog.String("provider", endpoint.ProviderID),
			slog.String("err", err.Error()))
	}
	desc.ServerInfo = initResult.ServerInfo

	var tools ListToolsResult
	if err := probeCall(ctx, binding, MethodToolsList, nil, &tools); err != nil {
		return ServiceDescriptor{}, fmt.Errorf("failed to list tools: %w", err)
	}
	for _, tool := range tools.Tools {
		desc.Capabilities = append(desc.Capabilities, CapabilityDescriptor{
			Kind:        CapabilityTool,
			ProviderID:  endpoint.ProviderID,
			Name:        tool.Name,
			Description: tool.Description,
		})
	}

	if initResult.Capabilities.Prompts != nil {
		var prompts ListPromptsResult
		if err := probeCall(ctx, binding, MethodPromptsList, nil, &prompts); err != nil {
			r.logger.Debug("failed to list prompts",
				slog.String("provider", endpoint.ProviderID),
				slog.String("err", err.Error()))
		}
		for _, prompt := range prompts.Prompts {
			desc.Capabilities = append(desc.Capabilities, CapabilityDescriptor{
				Kind:        CapabilityPrompt,
				ProviderID:  endpoint.ProviderID,
				Name:        prompt.Name,
				Description: prompt.Description,
			})
		}
	}

	if initResult.Capabilities.Resources != nil {
		var resources ListResourcesResult
		if err := probeCall(ctx, binding, MethodResourcesList, nil, &resources); err != nil {
			r.logger.Debug("failed to list resources",
				slog.String("provider", endpoint.ProviderID),
				slog.String("err", err.Error()))
		}
		for _, resource := range resources.Resources {
			desc.Capabilities = append(desc.Capabilities, CapabilityDescriptor{
				Kind:        CapabilityResource,
				ProviderID:  endpoint.ProviderID,
				Name:        resource.Name,
				Description: resource.Description,
			})
		}
	}

	return desc, nil
}

func probeCall(ctx context.Context, binding Binding, method string, params any, result any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	reqBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resBs, err := binding.Call(ctx, reqBs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceCommunicationFailed, err)
	}

	var res JSONRPCMessage
	if err := json.Unmarshal(resBs, &res); err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %w", ErrServiceCommunicationFailed, err)
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	if res.ID != msg.ID {
		return fmt.Errorf("%w: response id %s does not match request %s", ErrServiceCommunicationFailed, res.ID, msg.ID)
	}
	if len(res.Result) == 0 || string(res.Result) == "null" {
		return fmt.Errorf("%w: empty result", ErrServiceCommunicationFailed)
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("%w: failed to unmarshal result: %w", ErrServiceCommunicationFailed, err)
	}
	return nil
}

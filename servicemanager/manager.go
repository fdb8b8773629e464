// Package servicemanager implements a small service directory for providers on one machine.
//
// Providers register the endpoint they listen on with a Manager; hosts query the Manager for
// every provider advertising a contract and follow a Server-Sent Events stream of
// availability changes. Client implements both mcp.ServiceLocator and mcp.ProviderWatcher on
// top of the Manager's HTTP API, so it can be handed to mcp.NewRegistry directly.
package servicemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/TangGee/go-mcphost"
	"github.com/tmaxmax/go-sse"
)

// Option represents the options for the Manager.
type Option func(*Manager)

// Service is one registered provider endpoint.
type Service struct {
	ProviderID string `json:"providerId"`
	Contract   string `json:"contract"`
	Network    string `json:"network"`
	Address    string `json:"address"`
}

// Event reports a change of the service table.
type Event struct {
	Type    mcp.ProviderEventType `json:"type"`
	Service Service               `json:"service"`
}

// Manager keeps the table of registered services in memory and fans out every change to the
// subscribed event streams.
//
// Instances must be created with New and shut down with Shutdown, which ends every open
// event stream.
type Manager struct {
	logger *slog.Logger

	subscriberBuffer int

	mu          sync.Mutex
	services    map[string]Service
	subscribers map[chan Event]struct{}

	streams   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Paths served by Handler.
const (
	PathServices = "/services"
	PathEvents   = "/events"
)

// eventReady is the first event of every stream. It tells the subscriber that no later
// change can be missed.
const eventReady = "ready"

var (
	errMissingProviderID = errors.New("missing provider id")
	errUnknownService    = errors.New("unknown service")

	defaultSubscriberBuffer = 64
)

// New creates an empty Manager.
func New(options ...Option) *Manager {
	m := &Manager{
		logger:      slog.Default(),
		services:    make(map[string]Service),
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}

	if m.subscriberBuffer <= 0 {
		m.subscriberBuffer = defaultSubscriberBuffer
	}

	return m
}

// WithSubscriberBuffer sets how many events may queue up for one stream. A stream that falls
// further behind is closed and its client resynchronizes on reconnect.
func WithSubscriberBuffer(size int) Option {
	return func(m *Manager) {
		m.subscriberBuffer = size
	}
}

// WithLogger sets the logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "servicemanager"),
		)
	}
}

// Register adds svc or replaces the previous registration of the same provider. It returns
// the type of the change; registering an identical service changes nothing and returns an
// empty type.
func (m *Manager) Register(svc Service) (mcp.ProviderEventType, error) {
	if svc.ProviderID == "" {
		return "", errMissingProviderID
	}
	if svc.Network == "" || svc.Address == "" {
		return "", fmt.Errorf("service %s has no endpoint", svc.ProviderID)
	}
	if svc.Contract == "" {
		svc.Contract = mcp.ProviderContract
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.services[svc.ProviderID]
	if ok && old == svc {
		return "", nil
	}
	m.services[svc.ProviderID] = svc

	eventType := mcp.ProviderAdded
	if ok {
		eventType = mcp.ProviderUpdated
	}
	m.publish(Event{Type: eventType, Service: svc})

	m.logger.Info("service registered",
		slog.String("provider", svc.ProviderID),
		slog.String("type", string(eventType)))

	return eventType, nil
}

// Unregister removes the service of providerID.
func (m *Manager) Unregister(providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownService, providerID)
	}
	delete(m.services, providerID)
	m.publish(Event{Type: mcp.ProviderRemoved, Service: svc})

	m.logger.Info("service unregistered", slog.String("provider", providerID))

	return nil
}

// Services returns the services advertising contract, sorted by provider id. An empty
// contract returns every service.
func (m *Manager) Services(contract string) []Service {
	m.mu.Lock()
	defer m.mu.Unlock()

	services := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		if contract == "" || svc.Contract == contract {
			services = append(services, svc)
		}
	}
	slices.SortFunc(services, func(a, b Service) int {
		return strings.Compare(a.ProviderID, b.ProviderID)
	})
	return services
}

// Handler returns an http.Handler serving HandleServices and HandleEvents under PathServices
// and PathEvents.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(PathServices, m.HandleServices())
	mux.Handle(PathEvents, m.HandleEvents())
	return mux
}

// HandleServices returns an http.Handler for the service table. GET lists the services,
// optionally filtered by the contract query parameter. POST registers the JSON-encoded
// service in the body. DELETE unregisters the service named by the providerID query
// parameter.
func (m *Manager) HandleServices() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			services := m.Services(r.URL.Query().Get("contract"))
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(services); err != nil {
				m.logger.Warn("failed to encode services", slog.String("err", err.Error()))
			}
		case http.MethodPost:
			var svc Service
			if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
				nErr := fmt.Errorf("failed to decode service: %w", err)
				m.logger.Warn("failed to decode service", slog.String("err", nErr.Error()))
				http.Error(w, nErr.Error(), http.StatusBadRequest)
				return
			}
			if _, err := m.Register(svc); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			providerID := r.URL.Query().Get("providerID")
			if providerID == "" {
				http.Error(w, errMissingProviderID.Error(), http.StatusBadRequest)
				return
			}
			if err := m.Unregister(providerID); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// HandleEvents returns an http.Handler streaming service table changes as Server-Sent
// Events. The stream opens with a "ready" event; every later event is named after its
// change type and carries the JSON-encoded Event. The stream stays open until the client
// disconnects or the Manager shuts down.
func (m *Manager) HandleEvents() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events, ok := m.subscribe()
		if !ok {
			http.Error(w, "service manager is shut down", http.StatusServiceUnavailable)
			return
		}
		defer m.streams.Done()
		defer m.unsubscribe(events)

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			m.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		ready := sse.Message{
			Type: sse.Type(eventReady),
		}
		ready.AppendData("{}")
		if err := sendMessage(sess, &ready); err != nil {
			m.logger.Warn("failed to open event stream", slog.String("err", err.Error()))
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case <-m.done:
				return
			case event, ok := <-events:
				if !ok {
					m.logger.Warn("event stream fell behind, closing it")
					return
				}

				eventBs, err := json.Marshal(event)
				if err != nil {
					m.logger.Error("failed to marshal event", slog.String("err", err.Error()))
					continue
				}

				msg := sse.Message{
					Type: sse.Type(string(event.Type)),
				}
				msg.AppendData(string(eventBs))
				if err := sendMessage(sess, &msg); err != nil {
					m.logger.Warn("failed to send event", slog.String("err", err.Error()))
					return
				}
			}
		}
	})
}

// Shutdown ends every open event stream and waits for the handlers to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
	})

	streamsDone := make(chan struct{})
	go func() {
		m.streams.Wait()
		close(streamsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shut down service manager: %w", ctx.Err())
	case <-streamsDone:
	}
	return nil
}

func (m *Manager) subscribe() (chan Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return nil, false
	default:
	}

	events := make(chan Event, m.subscriberBuffer)
	m.subscribers[events] = struct{}{}
	m.streams.Add(1)
	return events, true
}

func (m *Manager) unsubscribe(events chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscribers[events]; ok {
		delete(m.subscribers, events)
		close(events)
	}
}

// publish must be called with m.mu held.
func (m *Manager) publish(event Event) {
	for events := range m.subscribers {
		select {
		case events <- event:
		default:
			delete(m.subscribers, events)
			close(events)
		}
	}
}

func sendMessage(sess *sse.Session, msg *sse.Message) error {
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

package servicemanager_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TangGee/go-mcphost"
	"github.com/TangGee/go-mcphost/servicemanager"
)

type clientSuite struct {
	manager *servicemanager.Manager
	server  *httptest.Server
	client  *servicemanager.Client
}

func newClientSuite(t *testing.T, options ...servicemanager.ClientOption) *clientSuite {
	t.Helper()

	s := &clientSuite{
		manager: servicemanager.New(),
	}
	s.server = httptest.NewServer(s.manager.Handler())
	s.client = servicemanager.NewClient(s.server.URL, nil, options...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.manager.Shutdown(ctx); err != nil {
			t.Errorf("failed to shut down manager: %v", err)
		}
		s.server.Close()
	})

	return s
}

func TestClientRegisterAndQuery(t *testing.T) {
	s := newClientSuite(t)
	ctx := context.Background()

	for _, svc := range []servicemanager.Service{
		{ProviderID: "weather", Network: "unix", Address: "/run/weather.sock"},
		{ProviderID: "calendar", Network: "tcp", Address: "127.0.0.1:7001"},
		{ProviderID: "printer", Contract: "ipp", Network: "tcp", Address: "127.0.0.1:631"},
	} {
		if err := s.client.Register(ctx, svc); err != nil {
			t.Fatalf("failed to register %s: %v", svc.ProviderID, err)
		}
	}

	endpoints, err := s.client.Query(ctx)
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	want := []mcp.Endpoint{
		{ProviderID: "calendar", Network: "tcp", Address: "127.0.0.1:7001"},
		{ProviderID: "weather", Network: "unix", Address: "/run/weather.sock"},
	}
	if len(endpoints) != len(want) {
		t.Fatalf("expected %d endpoints, got %+v", len(want), endpoints)
	}
	for i := range want {
		if endpoints[i] != want[i] {
			t.Errorf("endpoint %d: expected %+v, got %+v", i, want[i], endpoints[i])
		}
	}

	if err := s.client.Unregister(ctx, "weather"); err != nil {
		t.Fatalf("failed to unregister: %v", err)
	}
	if err := s.client.Unregister(ctx, "weather"); err == nil {
		t.Error("expected unregistering an unknown service to fail")
	}

	endpoints, err = s.client.Query(ctx)
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].ProviderID != "calendar" {
		t.Errorf("expected only calendar, got %+v", endpoints)
	}
}

func TestClientQueryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := servicemanager.NewClient(srv.URL, nil)
	if _, err := client.Query(context.Background()); err == nil {
		t.Error("expected query against a failing manager to fail")
	}

	registry := mcp.NewRegistry(client, mcp.NewSocketBinder())
	defer registry.Shutdown(context.Background())
	if _, err := registry.Discover(context.Background()); !errors.Is(err, mcp.ErrServiceDiscoveryFailed) {
		t.Errorf("expected ErrServiceDiscoveryFailed, got %v", err)
	}
}

func TestClientWatch(t *testing.T) {
	s := newClientSuite(t, servicemanager.WithClientRetryDelay(20*time.Millisecond))

	if _, err := s.manager.Register(servicemanager.Service{ProviderID: "existing", Network: "unix", Address: "/run/existing.sock"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan mcp.ProviderEvent, 16)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for event := range s.client.Watch(ctx) {
			events <- event
		}
	}()

	expect := func(t *testing.T, want mcp.ProviderEvent) {
		t.Helper()
		select {
		case got := <-events:
			if got != want {
				t.Fatalf("expected %+v, got %+v", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %+v", want)
		}
	}

	// Let the watcher take its initial snapshot and open the stream.
	time.Sleep(200 * time.Millisecond)

	weather := servicemanager.Service{ProviderID: "weather", Network: "unix", Address: "/run/weather.sock"}

	t.Run("added", func(t *testing.T) {
		if _, err := s.manager.Register(weather); err != nil {
			t.Fatalf("failed to register: %v", err)
		}
		expect(t, mcp.ProviderEvent{Type: mcp.ProviderAdded, ProviderID: "weather"})
	})

	t.Run("other contract ignored", func(t *testing.T) {
		if _, err := s.manager.Register(servicemanager.Service{ProviderID: "printer", Contract: "ipp", Network: "tcp", Address: "127.0.0.1:631"}); err != nil {
			t.Fatalf("failed to register: %v", err)
		}
	})

	t.Run("updated", func(t *testing.T) {
		weather.Address = "/run/weather-2.sock"
		if _, err := s.manager.Register(weather); err != nil {
			t.Fatalf("failed to register: %v", err)
		}
		expect(t, mcp.ProviderEvent{Type: mcp.ProviderUpdated, ProviderID: "weather"})
	})

	t.Run("removed", func(t *testing.T) {
		if err := s.manager.Unregister("existing"); err != nil {
			t.Fatalf("failed to unregister: %v", err)
		}
		expect(t, mcp.ProviderEvent{Type: mcp.ProviderRemoved, ProviderID: "existing"})
	})

	select {
	case event := <-events:
		t.Errorf("unexpected event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after the context was cancelled")
	}
}

func TestClientWatchResynchronizes(t *testing.T) {
	manager := servicemanager.New()
	mux := http.NewServeMux()
	mux.Handle(servicemanager.PathServices, manager.HandleServices())

	// The first stream breaks right away; changes made before the next one opens must still
	// be reported.
	var opened atomic.Int32
	streams := make(chan struct{}, 8)
	mux.Handle(servicemanager.PathEvents, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streams <- struct{}{}
		if opened.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		manager.HandleEvents().ServeHTTP(w, r)
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	}()

	client := servicemanager.NewClient(srv.URL, nil, servicemanager.WithClientRetryDelay(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan mcp.ProviderEvent, 16)
	go func() {
		for event := range client.Watch(ctx) {
			events <- event
		}
	}()

	select {
	case <-streams:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the first stream")
	}
	if _, err := manager.Register(servicemanager.Service{ProviderID: "weather", Network: "unix", Address: "/run/weather.sock"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	select {
	case event := <-events:
		want := mcp.ProviderEvent{Type: mcp.ProviderAdded, ProviderID: "weather"}
		if event != want {
			t.Errorf("expected %+v, got %+v", want, event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the resynchronized event")
	}
}

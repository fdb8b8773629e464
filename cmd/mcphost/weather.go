package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TangGee/go-mcphost"
	"github.com/TangGee/go-mcphost/internal/config"
	"github.com/TangGee/go-mcphost/servers/weather"
	"github.com/TangGee/go-mcphost/servicemanager"
	"github.com/spf13/cobra"
)

var (
	flagWeatherID      string
	flagWeatherNetwork string
	flagWeatherAddress string
)

var weatherCmd = &cobra.Command{
	Use:   "weather",
	Short: "Run the sample weather provider and advertise it",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := cfg.Provider
		if flagWeatherID != "" {
			provider.ID = flagWeatherID
		}
		if flagWeatherNetwork != "" {
			provider.Network = flagWeatherNetwork
		}
		if flagWeatherAddress != "" {
			provider.Address = flagWeatherAddress
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runWeather(ctx, provider)
	},
}

func init() {
	rootCmd.AddCommand(weatherCmd)
	weatherCmd.Flags().StringVar(&flagWeatherID, "id", "", "Provider id to advertise (overrides provider.id)")
	weatherCmd.Flags().StringVar(&flagWeatherNetwork, "network", "", "unix or tcp (overrides provider.network)")
	weatherCmd.Flags().StringVar(&flagWeatherAddress, "address", "", "Address to listen on (overrides provider.address)")
}

func runWeather(ctx context.Context, provider config.ProviderConfig) error {
	srv := mcp.NewServer(weather.Info,
		mcp.WithToolServer(weather.NewServer()),
		mcp.WithServerLogger(logger),
	)
	channelOptions := []mcp.ServerChannelOption{
		mcp.WithServerChannelWorkers(provider.Workers),
		mcp.WithServerChannelCallTimeout(provider.CallTimeout),
		mcp.WithServerChannelLogger(logger),
	}
	if len(provider.AllowedMethods) > 0 {
		authorizer, err := mcp.MethodAuthorizer(provider.AllowedMethods...)
		if err != nil {
			return fmt.Errorf("failed to build method authorizer: %w", err)
		}
		channelOptions = append(channelOptions, mcp.WithServerChannelAuthorizer(authorizer))
	}
	channel := mcp.NewServerChannel(channelOptions...)
	if err := srv.Serve(ctx, channel); err != nil {
		return fmt.Errorf("failed to start provider: %w", err)
	}

	if provider.Network == "unix" {
		// A previous run that was killed leaves its socket behind.
		if err := os.Remove(provider.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	l, err := net.Listen(provider.Network, provider.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	sockets := mcp.NewSocketServer(channel, mcp.WithSocketServerLogger(logger))
	errs := make(chan error, 1)
	go func() {
		if err := sockets.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
			errs <- err
		}
		close(errs)
	}()

	// Advertise the address actually bound, which differs from the configured one for tcp
	// port 0.
	endpoint := mcp.Endpoint{
		ProviderID: provider.ID,
		Network:    provider.Network,
		Address:    l.Addr().String(),
	}
	withdraw, err := advertise(ctx, endpoint)
	if err != nil {
		_ = sockets.Shutdown(context.Background())
		return err
	}

	logger.Info("weather provider ready",
		slog.String("provider", endpoint.ProviderID),
		slog.String("network", endpoint.Network),
		slog.String("address", endpoint.Address))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	}

	logger.Info("shutting down weather provider")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := withdraw(shutdownCtx); err != nil {
		logger.Warn("failed to withdraw provider", slog.String("err", err.Error()))
	}
	if err := sockets.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to close sockets", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop provider", slog.String("err", err.Error()))
	}

	if serveErr != nil {
		return fmt.Errorf("provider failed: %w", serveErr)
	}
	return nil
}

// advertise makes endpoint discoverable in the configured discovery mode and returns the
// function that withdraws it.
func advertise(ctx context.Context, endpoint mcp.Endpoint) (func(context.Context) error, error) {
	switch cfg.Discovery.Mode {
	case config.DiscoveryManifest:
		dir := cfg.Discovery.ManifestDir
		err := mcp.WriteManifest(dir, mcp.Manifest{
			ProviderID: endpoint.ProviderID,
			Contract:   cfg.Discovery.Contract,
			Network:    endpoint.Network,
			Address:    endpoint.Address,
		})
		if err != nil {
			return nil, err
		}
		return func(context.Context) error {
			return mcp.RemoveManifest(dir, endpoint.ProviderID)
		}, nil
	default:
		client := servicemanager.NewClient(cfg.Discovery.ManagerURL, nil,
			servicemanager.WithClientContract(cfg.Discovery.Contract),
			servicemanager.WithClientLogger(logger))
		err := client.Register(ctx, servicemanager.Service{
			ProviderID: endpoint.ProviderID,
			Network:    endpoint.Network,
			Address:    endpoint.Address,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register with service manager: %w", err)
		}
		return func(ctx context.Context) error {
			return client.Unregister(ctx, endpoint.ProviderID)
		}, nil
	}
}

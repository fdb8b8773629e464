package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TangGee/go-mcphost/servicemanager"
	"github.com/spf13/cobra"
)

var flagManagerListen string

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the service manager providers register with",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen := cfg.Manager.Listen
		if flagManagerListen != "" {
			listen = flagManagerListen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		manager := servicemanager.New(servicemanager.WithLogger(logger))
		srv := &http.Server{
			Addr:              listen,
			Handler:           manager.Handler(),
			ReadHeaderTimeout: 15 * time.Second,
		}

		errs := make(chan error, 1)
		go func() {
			logger.Info("service manager listening", slog.String("addr", listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
			close(errs)
		}()

		select {
		case err := <-errs:
			if err != nil {
				return fmt.Errorf("service manager failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down service manager")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Event streams never end on their own, so close them before the HTTP server waits.
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to close event streams", slog.String("err", err.Error()))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(managerCmd)
	managerCmd.Flags().StringVar(&flagManagerListen, "listen", "", "Address to listen on (overrides manager.listen)")
}

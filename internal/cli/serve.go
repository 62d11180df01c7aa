package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pitchcoach/internal/app"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API",
		Long:  "Serve the coaching control API. Calls started through it use this machine's microphone and speaker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if addr != "" {
				cfg.BindAddr = addr
			}
			logger := deps.Logger

			devices, closeDevices, err := openDevices(logger)
			if err != nil {
				return err
			}
			defer closeDevices()

			built, err := app.Build(cmd.Context(), cfg, devices, logger)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           built.API.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			runCtx, runCancel := context.WithCancel(context.Background())
			defer runCancel()
			built.Sessions.StartJanitor(runCtx, 5*time.Second)

			listenErr := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					listenErr <- err
				}
				close(listenErr)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var serveErr error
			select {
			case <-sigCh:
				logger.Info().Msg("shutdown signal received")
			case err, ok := <-listenErr:
				if ok {
					serveErr = err
				}
			}

			runCancel()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}
			if err := built.Cleanup(); err != nil {
				logger.Warn().Err(err).Msg("cleanup failed")
			}
			logger.Info().Msg("shutdown complete")
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides APP_BIND_ADDR)")
	return cmd
}

package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, logger, err := build(ctx, "")
	if err != nil {
		return err
	}
	defer logger.Sync()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	b.Start(runCtx)

	httpServer := &http.Server{
		Addr:    b.Config.BindAddr,
		Handler: b.API.Router(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", b.Config.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("listen error", zap.Error(err))
			_ = b.Cleanup(context.Background())
			return err
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := b.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/calingest/internal/httpapi"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept messages pushed by an email-routing worker over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.cfg.RequireSecret(); err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.reloadOnHangup(ctx)
	a.checkCollections(ctx)

	cfg := httpapi.ServerConfig{
		Secret:       a.cfg.IngestSecret,
		MaxBodyBytes: a.cfg.MaxBodyBytes,
	}
	if a.notifier != nil {
		cfg.DeadLetter = a.notifier
	}
	api := httpapi.NewServer(a.pipeline, cfg, a.logger)

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("calingest listening", "addr", a.cfg.Listen, "routes", a.router.Table().Len())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", a.cfg.Listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down, draining in-flight requests...")
	api.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("calingest stopped")
	return nil
}

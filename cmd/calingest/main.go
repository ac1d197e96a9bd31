package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/calingest/internal/caldav"
	"github.com/tracyhatemice/calingest/internal/config"
	"github.com/tracyhatemice/calingest/internal/ingest"
	"github.com/tracyhatemice/calingest/internal/ledger"
	"github.com/tracyhatemice/calingest/internal/notify"
	"github.com/tracyhatemice/calingest/internal/route"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "calingest",
		Short:         "Deliver calendar invitations from inbound email to CalDAV calendars",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config file")

	rootCmd.AddCommand(
		newServeCmd(),
		newWatchCmd(),
		newIngestCmd(),
		newCheckCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the components shared by every trigger.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	router   *route.Router
	ledger   *ledger.Ledger
	storage  *caldav.Client
	pipeline *ingest.Pipeline
	notifier *notify.Sender
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = config.NormalizeLevel(logLevel)
	}
	logger := setupLogger(cfg.LogLevel)

	table, err := route.NewTable(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	storage, err := caldav.New(caldav.Options{
		BaseURL:  cfg.Storage.URL,
		Username: cfg.Storage.Username,
		Password: cfg.Storage.Password,
		Timeout:  cfg.Storage.Timeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded ledger", "path", l.Path(), "entries", l.Count())

	router := route.NewRouter(table)
	pipeline, err := ingest.New(ingest.Options{
		Router:        router,
		Ledger:        l,
		Writer:        storage,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		router:   router,
		ledger:   l,
		storage:  storage,
		pipeline: pipeline,
	}
	if cfg.Notify != nil {
		a.notifier = notify.New(*cfg.Notify, logger)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Error("close ledger", "error", err)
	}
}

// reloadOnHangup swaps in the routing table from the config file each time
// SIGHUP arrives, until ctx ends.
func (a *app) reloadOnHangup(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				a.reloadRoutes()
			}
		}
	}()
}

func (a *app) reloadRoutes() {
	cfg, err := config.Load(configPath)
	if err != nil {
		a.logger.Error("reload config failed, keeping current routes", "error", err)
		return
	}
	table, err := route.NewTable(cfg.Routes)
	if err != nil {
		a.logger.Error("reload routes failed, keeping current routes", "error", err)
		return
	}
	old := a.router.Swap(table)
	a.logger.Info("routes reloaded", "before", old.Len(), "after", table.Len())
}

// checkCollections warns about routed collections that do not exist yet.
func (a *app) checkCollections(ctx context.Context) int {
	missing := 0
	for _, e := range a.router.Table().Entries() {
		if err := a.storage.CheckCollection(ctx, e.Collection); err != nil {
			missing++
			a.logger.Warn("collection not usable",
				"address", e.Address,
				"collection", e.Collection,
				"kind", ingest.Kind(err),
				"error", err)
		}
	}
	return missing
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/calingest/internal/config"
	"github.com/tracyhatemice/calingest/internal/receiver"
	"github.com/tracyhatemice/calingest/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the configured mailboxes and deliver calendar attachments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if len(a.cfg.Mailboxes) == 0 {
				return fmt.Errorf("no mailboxes configured")
			}
			if once {
				return a.watchOnce(cmd.Context())
			}
			return a.watch(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "scan each mailbox once and exit")
	return cmd
}

func (a *app) watchers() []*watcher.Watcher {
	var out []*watcher.Watcher
	for _, mb := range a.cfg.Mailboxes {
		recv, err := newReceiver(mb, a.logger)
		if err != nil {
			a.logger.Error("failed to create receiver", "mailbox", mb.Name, "error", err)
			continue
		}
		out = append(out, watcher.New(mb, recv, a.pipeline, a.router, a.logger))
	}
	return out
}

func (a *app) watch(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.reloadOnHangup(ctx)
	a.checkCollections(ctx)

	a.logger.Info("calingest watching", "mailboxes", len(a.cfg.Mailboxes))

	var wg sync.WaitGroup
	for _, w := range a.watchers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutting down, waiting for watchers to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		a.logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	wg.Wait()
	a.logger.Info("calingest stopped")
	return nil
}

func (a *app) watchOnce(ctx context.Context) error {
	failed := 0
	for _, w := range a.watchers() {
		stats, err := w.Once(ctx)
		if err != nil {
			failed++
			a.logger.Error("scan failed", "mailbox", w.Name(), "error", err)
			continue
		}
		a.logger.Info("scan finished",
			"mailbox", w.Name(),
			"fetched", stats.Fetched,
			"removed", stats.Removed,
			"retained", stats.Retained)
	}
	if failed > 0 {
		return fmt.Errorf("%d mailbox scan(s) failed", failed)
	}
	return nil
}

func newReceiver(mb config.Mailbox, logger *slog.Logger) (receiver.Receiver, error) {
	switch mb.Protocol {
	case "pop3":
		return receiver.NewPOP3(
			mb.Host, mb.Port,
			mb.Username, mb.Password,
			mb.UseTLS, logger,
		), nil
	case "imap":
		return receiver.NewIMAP(
			mb.Host, mb.Port,
			mb.Username, mb.Password,
			mb.UseTLS, mb.GetFolder(), logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", mb.Protocol)
	}
}

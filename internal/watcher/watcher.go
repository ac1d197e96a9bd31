// Package watcher is the pull trigger: it scans a mailbox, hands each
// message to the ingest pipeline and removes what was fully handled.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/calingest/internal/config"
	"github.com/tracyhatemice/calingest/internal/extract"
	"github.com/tracyhatemice/calingest/internal/ingest"
	"github.com/tracyhatemice/calingest/internal/receiver"
)

// Processor runs one envelope through the ingest pipeline.
type Processor interface {
	Process(ctx context.Context, env ingest.Envelope) (ingest.Result, error)
}

// Router reports whether an address has a calendar mapping.
type Router interface {
	Mapped(addr string) bool
}

// Stats summarises one mailbox scan.
type Stats struct {
	Fetched  int
	Removed  int
	Retained int
}

// Watcher monitors one mailbox.
type Watcher struct {
	mailbox   config.Mailbox
	receiver  receiver.Receiver
	processor Processor
	router    Router
	logger    *slog.Logger
}

// New creates a Watcher for the given mailbox.
func New(
	mb config.Mailbox,
	recv receiver.Receiver,
	processor Processor,
	router Router,
	logger *slog.Logger,
) *Watcher {
	return &Watcher{
		mailbox:   mb,
		receiver:  recv,
		processor: processor,
		router:    router,
		logger:    logger.With("mailbox", mb.Name),
	}
}

// Name returns the configured mailbox name.
func (w *Watcher) Name() string { return w.mailbox.Name }

// Run scans the mailbox until ctx is cancelled. Between scans it waits for
// new mail with IDLE when possible, otherwise for the poll interval.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("starting watcher",
		"protocol", w.mailbox.Protocol,
		"host", w.mailbox.Host,
		"interval", w.mailbox.PollInterval(),
		"idle", w.mailbox.UseIDLE(),
	)

	for {
		if waited := w.cycle(ctx); !waited {
			sleep(ctx, w.mailbox.PollInterval())
		}
		if ctx.Err() != nil {
			w.logger.Info("watcher stopped")
			return
		}
	}
}

// Once opens a session, scans the mailbox and closes the session,
// committing deletions.
func (w *Watcher) Once(ctx context.Context) (Stats, error) {
	sess, err := w.receiver.Open(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("open mailbox: %w", err)
	}
	stats, err := w.scan(ctx, sess)
	if closeErr := sess.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close mailbox: %w", closeErr)
	}
	return stats, err
}

// cycle runs one scan and reports whether it already waited for new mail.
func (w *Watcher) cycle(ctx context.Context) bool {
	sess, err := w.receiver.Open(ctx)
	if err != nil {
		w.logger.Error("open mailbox failed", "error", err)
		return false
	}
	defer func() {
		if err := sess.Close(); err != nil {
			w.logger.Error("close mailbox failed", "error", err)
		}
	}()

	if _, err := w.scan(ctx, sess); err != nil {
		w.logger.Error("scan failed", "error", err)
		return false
	}

	idler, ok := sess.(receiver.Idler)
	if !ok || !w.mailbox.UseIDLE() {
		return false
	}
	err = idler.Idle(ctx, w.mailbox.PollInterval())
	switch {
	case err == nil:
		return true
	case errors.Is(err, receiver.ErrIdleUnsupported):
		w.logger.Debug("server has no IDLE, polling")
	default:
		w.logger.Warn("idle failed", "error", err)
	}
	return false
}

func (w *Watcher) scan(ctx context.Context, sess receiver.Session) (Stats, error) {
	var stats Stats

	w.logger.Debug("scanning")
	emails, err := sess.Fetch(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch: %w", err)
	}
	stats.Fetched = len(emails)
	if len(emails) == 0 {
		w.logger.Debug("no messages")
		return stats, nil
	}

	w.logger.Info(fmt.Sprintf("found %d message(s)", len(emails)))

	for _, email := range emails {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		env := w.Envelope(email)
		log := w.logger.With("arrival_id", env.ArrivalID, "recipient", env.Recipient)

		res, err := w.processor.Process(ctx, env)
		if err != nil {
			return stats, fmt.Errorf("process %s: %w", env.ArrivalID, err)
		}

		if !w.done(res) {
			if res.Retryable() {
				log.Info("message retained for retry", "outcome", res.Outcome)
			} else {
				log.Warn("message retained for operator", "outcome", res.Outcome, "reason", failureKind(res))
			}
			stats.Retained++
			continue
		}
		if err := sess.Delete(ctx, email); err != nil {
			log.Error("delete failed", "error", err)
			stats.Retained++
			continue
		}
		log.Debug("message removed", "outcome", res.Outcome)
		stats.Removed++
	}

	w.logger.Info("scan complete",
		"fetched", stats.Fetched,
		"removed", stats.Removed,
		"retained", stats.Retained,
	)
	return stats, nil
}

// done reports whether a message may leave the mailbox.
func (w *Watcher) done(res ingest.Result) bool {
	if res.OK() {
		return true
	}
	return res.Outcome == ingest.OutcomePartial && w.mailbox.DeletePartial
}

// Envelope builds the pipeline input for a fetched message. The recipient
// is the mailbox's configured address, else the first header recipient
// with a route, else the first header recipient.
func (w *Watcher) Envelope(email receiver.Email) ingest.Envelope {
	recipient := w.mailbox.Recipient
	if recipient == "" {
		rcpts := extract.Recipients(email.Content)
		for _, r := range rcpts {
			if w.router.Mapped(r) {
				recipient = r
				break
			}
		}
		if recipient == "" && len(rcpts) > 0 {
			recipient = rcpts[0]
		}
	}
	return ingest.NewEnvelope(email.Content, recipient, email.ID)
}

func failureKind(res ingest.Result) string {
	if res.Err != nil {
		return ingest.Kind(res.Err)
	}
	if failures := res.Failures(); len(failures) > 0 {
		return ingest.Kind(failures[0].Err)
	}
	return string(res.Outcome)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Package ingest drives one inbound email through extraction, routing,
// deduplication and delivery to calendar storage.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tracyhatemice/calingest/internal/caldav"
	"github.com/tracyhatemice/calingest/internal/extract"
	"github.com/tracyhatemice/calingest/internal/route"
)

// Router resolves a destination address to a collection path.
type Router interface {
	Resolve(addr string) (string, error)
}

// Ledger records delivered item identities.
type Ledger interface {
	Seen(id string) bool
	Commit(id string, at time.Time) error
}

// Writer stores calendar objects.
type Writer interface {
	Put(ctx context.Context, collection string, obj caldav.Object) (caldav.PutResult, error)
}

// Options configures a Pipeline.
type Options struct {
	Router        Router
	Ledger        Ledger
	Writer        Writer
	Logger        *slog.Logger
	MaxConcurrent int
	Now           func() time.Time
}

// Pipeline processes envelopes. It is safe for concurrent use; at most
// MaxConcurrent envelopes are in flight at once.
type Pipeline struct {
	router Router
	ledger Ledger
	writer Writer
	logger *slog.Logger
	slots  chan struct{}
	now    func() time.Time
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Router == nil || opts.Ledger == nil || opts.Writer == nil {
		return nil, fmt.Errorf("router, ledger and writer are required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		router: opts.Router,
		ledger: opts.Ledger,
		writer: opts.Writer,
		logger: opts.Logger,
		slots:  make(chan struct{}, opts.MaxConcurrent),
		now:    opts.Now,
	}, nil
}

// Process runs env to completion and reports the outcome. The returned
// error is non-nil only when no slot could be acquired before ctx ended;
// once processing starts it is not interrupted by ctx.
func (p *Pipeline) Process(ctx context.Context, env Envelope) (Result, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
	}
	defer func() { <-p.slots }()

	return p.process(context.WithoutCancel(ctx), env), nil
}

func (p *Pipeline) process(ctx context.Context, env Envelope) Result {
	res := Result{
		ArrivalID: env.ArrivalID,
		Recipient: route.Normalize(env.Recipient),
	}
	log := p.logger.With("arrival_id", env.ArrivalID, "recipient", res.Recipient)

	items, err := extract.All(env.Raw)
	if err != nil {
		log.Error("extract failed", "error", err)
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	if len(items) == 0 {
		log.Info("no calendar data in message")
		res.Outcome = OutcomeNothingToDeliver
		return res
	}

	log.Debug(fmt.Sprintf("found %d calendar item(s)", len(items)))

	failed := 0
	for _, item := range items {
		ir := p.deliver(ctx, log, env, res.Recipient, item)
		if ir.Status == ItemFailed {
			failed++
		}
		res.Items = append(res.Items, ir)
	}

	switch {
	case failed == 0:
		res.Outcome = OutcomeDelivered
	case failed == len(items):
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePartial
	}
	log.Info("envelope processed",
		"outcome", res.Outcome,
		"items", len(items),
		"failed", failed)
	return res
}

func (p *Pipeline) deliver(ctx context.Context, log *slog.Logger, env Envelope, recipient string, item extract.Item) ItemResult {
	ir := ItemResult{
		Index:    item.Index,
		LedgerID: ItemID(env.ArrivalID, item.Index),
		UID:      item.UID,
	}
	log = log.With("item", item.Index, "uid", item.UID)

	collection, err := p.router.Resolve(recipient)
	if err != nil {
		log.Warn("no route for recipient", "error", err)
		ir.Status, ir.Err = ItemFailed, err
		return ir
	}
	ir.Collection = collection

	// Whole-message entries come from ledgers migrated off the sync log.
	if p.ledger.Seen(ir.LedgerID) || p.ledger.Seen(env.ArrivalID) {
		log.Info("already delivered, skipping", "ledger_id", ir.LedgerID)
		ir.Status = ItemDuplicate
		return ir
	}

	obj := caldav.Object{UID: item.UID, Data: item.Data}
	ir.Resource = caldav.ResourceName(obj)
	put, err := p.writer.Put(ctx, collection, obj)
	if err != nil {
		kind := Kind(err)
		if kind == KindCollectionMissing {
			log.Error("collection missing, provision it first", "collection", collection, "error", err)
		} else {
			log.Error("write failed", "collection", collection, "kind", kind, "error", err)
		}
		ir.Status, ir.Err = ItemFailed, err
		return ir
	}

	if err := p.ledger.Commit(ir.LedgerID, p.now().UTC()); err != nil {
		// The object is stored; a redelivery will overwrite it in place.
		log.Error("ledger commit failed", "ledger_id", ir.LedgerID, "error", err)
		ir.Status, ir.Err = ItemFailed, fmt.Errorf("%w: %w", ErrLedger, err)
		return ir
	}

	log.Info("delivered",
		"collection", collection,
		"resource", ir.Resource,
		"created", put.Created)
	ir.Status = ItemDelivered
	return ir
}

// ItemID is the ledger identity of the index-th calendar item of an
// envelope.
func ItemID(arrivalID string, index int) string {
	return strings.Join(strings.Fields(arrivalID), "_") + "#" + strconv.Itoa(index)
}

package ingest

import (
	"errors"

	"github.com/tracyhatemice/calingest/internal/caldav"
	"github.com/tracyhatemice/calingest/internal/extract"
	"github.com/tracyhatemice/calingest/internal/route"
)

// Outcome summarises how an envelope was handled.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeNothingToDeliver Outcome = "nothing_to_deliver"
	OutcomePartial          Outcome = "partial"
	OutcomeFailed           Outcome = "failed"
)

// ItemStatus is the per-item result.
type ItemStatus string

const (
	ItemDelivered ItemStatus = "delivered"
	ItemDuplicate ItemStatus = "duplicate"
	ItemFailed    ItemStatus = "failed"
)

// ItemResult records what happened to one calendar item.
type ItemResult struct {
	Index      int
	LedgerID   string
	UID        string
	Collection string
	Resource   string
	Status     ItemStatus
	Err        error
}

// Result is the acknowledgement handed back to the trigger.
type Result struct {
	ArrivalID string
	Recipient string
	Outcome   Outcome
	Items     []ItemResult
	// Err is set when the envelope failed as a whole (parse failure).
	Err error
}

// OK reports whether the trigger may consider the envelope done.
func (r Result) OK() bool {
	return r.Outcome == OutcomeDelivered || r.Outcome == OutcomeNothingToDeliver
}

// Failures returns the failed items.
func (r Result) Failures() []ItemResult {
	var out []ItemResult
	for _, it := range r.Items {
		if it.Status == ItemFailed {
			out = append(out, it)
		}
	}
	return out
}

// Retryable reports whether redelivering the envelope later could change
// the outcome. Envelopes that only failed on unmapped addresses or bad
// input are not retryable.
func (r Result) Retryable() bool {
	if r.Err != nil {
		return Retryable(Kind(r.Err))
	}
	for _, it := range r.Failures() {
		if Retryable(Kind(it.Err)) {
			return true
		}
	}
	return false
}

// Error kinds reported to triggers.
const (
	KindParse              = "parse_error"
	KindUnmapped           = "unmapped_address"
	KindCollectionMissing  = "collection_missing"
	KindWriteConflict      = "write_conflict"
	KindStorageAuth        = "storage_auth"
	KindStorageRejected    = "storage_rejected"
	KindStorageUnreachable = "storage_unreachable"
	KindLedger             = "ledger_io"
	KindBusy               = "busy"
	KindInternal           = "internal"
)

// ErrLedger wraps failures to commit a delivered item.
var ErrLedger = errors.New("ledger commit failed")

// ErrBusy is returned when no processing slot frees up before the caller
// gives up.
var ErrBusy = errors.New("ingest pipeline busy")

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case extract.IsParseError(err):
		return KindParse
	case errors.Is(err, route.ErrUnmapped):
		return KindUnmapped
	case errors.Is(err, caldav.ErrCollectionMissing):
		return KindCollectionMissing
	case errors.Is(err, caldav.ErrConflict):
		return KindWriteConflict
	case errors.Is(err, caldav.ErrAuth):
		return KindStorageAuth
	case errors.Is(err, caldav.ErrRejected):
		return KindStorageRejected
	case errors.Is(err, caldav.ErrUnreachable):
		return KindStorageUnreachable
	case errors.Is(err, ErrLedger):
		return KindLedger
	case errors.Is(err, ErrBusy):
		return KindBusy
	}
	return KindInternal
}

// Retryable reports whether a failure of this kind may clear on its own or
// after operator action, so the trigger should keep the envelope.
func Retryable(kind string) bool {
	switch kind {
	case KindParse, KindUnmapped, KindStorageRejected:
		return false
	}
	return kind != ""
}

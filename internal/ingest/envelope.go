package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tracyhatemice/calingest/internal/extract"
	"github.com/tracyhatemice/calingest/internal/route"
)

// Envelope is one inbound email event.
type Envelope struct {
	Raw       []byte
	Recipient string
	ArrivalID string
}

// NewEnvelope builds an Envelope, deriving the arrival identifier when the
// trigger did not supply one: first the Message-ID header, then a digest of
// the raw bytes.
func NewEnvelope(raw []byte, recipient, arrivalID string) Envelope {
	id := strings.Trim(strings.TrimSpace(arrivalID), "<>")
	if id == "" {
		id = extract.MessageID(raw)
	}
	if id == "" {
		sum := sha256.Sum256(raw)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}
	return Envelope{
		Raw:       raw,
		Recipient: route.Normalize(recipient),
		ArrivalID: id,
	}
}

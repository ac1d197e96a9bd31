// Package httpapi is the push trigger: an HTTP endpoint that an edge
// email-routing worker posts raw messages to.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/tracyhatemice/calingest/internal/ingest"
)

const (
	HeaderToken     = "X-Ingest-Token"
	HeaderRecipient = "X-Destination"
	HeaderMessageID = "X-Ingest-Message-Id"

	// HeaderRecipientAlias is accepted when HeaderRecipient is absent.
	HeaderRecipientAlias = "X-Ingest-Recipient"
)

// Processor runs one envelope through the ingest pipeline.
type Processor interface {
	Process(ctx context.Context, env ingest.Envelope) (ingest.Result, error)
}

// DeadLetter receives envelopes the upstream relay will not retry.
type DeadLetter interface {
	Forward(raw []byte, reason string, res ingest.Result) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Secret       string
	MaxBodyBytes int64
	DeadLetter   DeadLetter
}

// Server serves POST /ingest and GET /health.
type Server struct {
	cfg       ServerConfig
	processor Processor
	logger    *slog.Logger
	ready     atomic.Bool
}

// NewServer creates a Server. It reports healthy until SetReady(false).
func NewServer(processor Processor, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 25 << 20
	}
	s := &Server{cfg: cfg, processor: processor, logger: logger}
	s.ready.Store(true)
	return s
}

// SetReady toggles the health endpoint, e.g. while draining on shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/ingest":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		s.handleIngest(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.Header.Get(HeaderToken)
	if token == "" || s.cfg.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Secret)) == 1
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("rejected ingest request", "remote", r.RemoteAddr, "reason", "bad token")
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid ingest token")
		return
	}

	recipient := strings.TrimSpace(r.Header.Get(HeaderRecipient))
	if recipient == "" {
		recipient = strings.TrimSpace(r.Header.Get(HeaderRecipientAlias))
	}
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "bad_request", HeaderRecipient+" header is required")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "message/rfc822" && mt != "application/octet-stream") {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "body must be message/rfc822")
			return
		}
	}

	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}

	env := ingest.NewEnvelope(raw, recipient, r.Header.Get(HeaderMessageID))
	res, err := s.processor.Process(r.Context(), env)
	if err != nil {
		s.logger.Warn("ingest request not processed", "arrival_id", env.ArrivalID, "error", err)
		writeError(w, http.StatusServiceUnavailable, ingest.Kind(err), "too many envelopes in flight, retry later")
		return
	}

	status, body := Render(res)
	writeJSON(w, status, body)

	if status >= 400 && status < 500 && s.cfg.DeadLetter != nil {
		// The relay has its answer; the operator copy must not hold it up.
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if err := s.cfg.DeadLetter.Forward(raw, body.Code, res); err != nil {
			s.logger.Error("dead-letter forward failed", "arrival_id", res.ArrivalID, "error", err)
		}
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty message body")
		return nil, false
	}
	return raw, true
}

// ItemBody is the JSON form of one item result.
type ItemBody struct {
	Index      int    `json:"index"`
	UID        string `json:"uid,omitempty"`
	Collection string `json:"collection,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Status     string `json:"status"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ResultBody is the JSON acknowledgement returned to triggers.
type ResultBody struct {
	Status    string     `json:"status"`
	ArrivalID string     `json:"arrival_id"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
	Items     []ItemBody `json:"items,omitempty"`
}

// Render maps a pipeline result onto an HTTP status and response body.
func Render(res ingest.Result) (int, ResultBody) {
	body := ResultBody{Status: string(res.Outcome), ArrivalID: res.ArrivalID}
	for _, it := range res.Items {
		ib := ItemBody{
			Index:      it.Index,
			UID:        it.UID,
			Collection: it.Collection,
			Resource:   it.Resource,
			Status:     string(it.Status),
		}
		if it.Err != nil {
			ib.Code = ingest.Kind(it.Err)
			ib.Error = it.Err.Error()
		}
		body.Items = append(body.Items, ib)
	}

	if res.OK() {
		if res.Outcome == ingest.OutcomeNothingToDeliver {
			body.Message = "nothing to deliver"
		}
		return http.StatusOK, body
	}

	if res.Err != nil {
		body.Code = ingest.Kind(res.Err)
		body.Message = res.Err.Error()
		if ingest.Retryable(body.Code) {
			return http.StatusServiceUnavailable, body
		}
		return http.StatusBadRequest, body
	}

	body.Code = primaryKind(res.Failures())
	switch body.Code {
	case ingest.KindCollectionMissing:
		body.Message = "calendar collection does not exist; provision it first"
	case ingest.KindUnmapped:
		body.Message = "recipient address is not mapped to a calendar"
	case ingest.KindStorageRejected:
		body.Message = "storage rejected the calendar data"
	default:
		body.Message = "delivery failed, retry later"
	}
	if res.Retryable() {
		return http.StatusServiceUnavailable, body
	}
	return http.StatusUnprocessableEntity, body
}

// primaryKind picks the failure kind that best explains the response,
// preferring actionable and retryable kinds.
func primaryKind(failures []ingest.ItemResult) string {
	order := []string{
		ingest.KindCollectionMissing,
		ingest.KindStorageAuth,
		ingest.KindStorageUnreachable,
		ingest.KindWriteConflict,
		ingest.KindLedger,
		ingest.KindInternal,
		ingest.KindStorageRejected,
		ingest.KindUnmapped,
	}
	kinds := make(map[string]bool, len(failures))
	for _, f := range failures {
		kinds[ingest.Kind(f.Err)] = true
	}
	for _, k := range order {
		if kinds[k] {
			return k
		}
	}
	return ingest.KindInternal
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

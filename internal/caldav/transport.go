package caldav

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// BasicAuthTransport implements http.RoundTripper and adds Basic Auth
// credentials to outgoing requests.
type BasicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewBasicAuthTransport creates a BasicAuthTransport. If transport is nil,
// http.DefaultTransport is used.
func NewBasicAuthTransport(username, password string, transport http.RoundTripper, logger *slog.Logger) *BasicAuthTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BasicAuthTransport{
		Username:  username,
		Password:  password,
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip sets the credentials on a clone of req and delegates.
func (t *BasicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Username == "" {
		return nil, errors.New("basic auth username cannot be empty")
	}
	if t.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	out := req.Clone(req.Context())
	out.SetBasicAuth(t.Username, t.Password)

	t.Logger.Debug("outgoing request",
		"method", out.Method,
		"url", out.URL.String(),
		"content_length", out.ContentLength)

	resp, err := t.Transport.RoundTrip(out)
	if err != nil {
		t.Logger.Debug("request failed", "method", out.Method, "url", out.URL.String(), "error", err)
		return nil, err
	}

	t.Logger.Debug("incoming response",
		"method", out.Method,
		"url", out.URL.String(),
		"status", resp.Status,
		"etag", resp.Header.Get("ETag"))
	return resp, nil
}

// Package caldav writes calendar objects into collections on a CalDAV
// server. It performs single requests and never retries; callers decide
// what a failure means.
package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCollectionMissing means the target collection does not exist and
	// has to be provisioned before anything can be delivered to it.
	ErrCollectionMissing = errors.New("calendar collection does not exist")
	// ErrConflict means the server refused the write because of the
	// current state of the resource.
	ErrConflict = errors.New("write conflict")
	// ErrAuth means the server rejected the configured credentials.
	ErrAuth = errors.New("storage authentication failed")
	// ErrRejected means the server refused the request for another reason,
	// typically invalid calendar data.
	ErrRejected = errors.New("storage rejected the request")
	// ErrUnreachable covers transport failures and server-side errors.
	ErrUnreachable = errors.New("storage unreachable")
	// ErrNotFound is returned by Get for a missing object.
	ErrNotFound = errors.New("calendar object not found")
)

// StatusError carries the HTTP status behind a classified error.
type StatusError struct {
	Kind   error
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %v", e.Method, e.URL, e.Status, http.StatusText(e.Status), e.Kind)
}

func (e *StatusError) Unwrap() error { return e.Kind }

// Object is one calendar resource to store.
type Object struct {
	UID  string
	Data []byte
}

// PutResult describes a successful write.
type PutResult struct {
	URL     string
	ETag    string
	Created bool
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Username  string
	Password  string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Client talks to one CalDAV server.
type Client struct {
	http   *http.Client
	base   *url.URL
	logger *slog.Logger
}

// New creates a Client authenticating with basic auth.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse storage url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("storage url %q: scheme must be http or https", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{
			Transport: NewBasicAuthTransport(opts.Username, opts.Password, opts.Transport, logger),
			Timeout:   timeout,
		},
		base:   base,
		logger: logger,
	}, nil
}

// ResourceName derives the object name inside a collection. Objects with a
// UID are named after it; others get a UUID derived from their content so
// a redelivery reuses the same name.
func ResourceName(obj Object) string {
	if uid := strings.TrimSpace(obj.UID); uid != "" {
		return url.PathEscape(uid) + ".ics"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, obj.Data).String() + ".ics"
}

// resolve joins the base URL, a collection path and an optional escaped
// object name.
func (c *Client) resolve(collection, name string) (*url.URL, error) {
	if !strings.HasSuffix(collection, "/") {
		return nil, fmt.Errorf("collection %q must end with /", collection)
	}
	// "./" keeps a leading "scheme:"-like segment from parsing as absolute.
	ref, err := url.Parse("./" + strings.TrimPrefix(collection, "/") + name)
	if err != nil {
		return nil, fmt.Errorf("parse collection path %q: %w", collection, err)
	}
	return c.base.ResolveReference(ref), nil
}

// Put creates or replaces obj inside collection.
func (c *Client) Put(ctx context.Context, collection string, obj Object) (PutResult, error) {
	name := ResourceName(obj)
	target, err := c.resolve(collection, name)
	if err != nil {
		return PutResult{}, err
	}

	c.logger.Debug("putting calendar object",
		"collection", collection,
		"name", name,
		"data_length", len(obj.Data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(obj.Data))
	if err != nil {
		return PutResult{}, fmt.Errorf("build PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return PutResult{}, fmt.Errorf("PUT %s: %w: %w", target, ErrUnreachable, err)
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return PutResult{
			URL:     target.String(),
			ETag:    resp.Header.Get("ETag"),
			Created: resp.StatusCode == http.StatusCreated,
		}, nil
	case http.StatusNotFound:
		return PutResult{}, c.statusError(http.MethodPut, target, resp.StatusCode, ErrCollectionMissing)
	case http.StatusConflict:
		// WebDAV answers 409 when the parent collection is missing; any
		// other 409 is a genuine conflict.
		if err := c.CheckCollection(ctx, collection); errors.Is(err, ErrCollectionMissing) {
			return PutResult{}, err
		}
		return PutResult{}, c.statusError(http.MethodPut, target, resp.StatusCode, ErrConflict)
	}
	return PutResult{}, c.statusError(http.MethodPut, target, resp.StatusCode, classify(resp.StatusCode))
}

// Get reads an object back exactly as stored.
func (c *Client) Get(ctx context.Context, collection, name string) ([]byte, error) {
	target, err := c.resolve(collection, name)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build GET request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %w", target, ErrUnreachable, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		kind := classify(resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			kind = ErrNotFound
		}
		return nil, c.statusError(http.MethodGet, target, resp.StatusCode, kind)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w: %w", target, ErrUnreachable, err)
	}
	return data, nil
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:resourcetype/></d:prop></d:propfind>`

// CheckCollection verifies that collection exists with a Depth 0 PROPFIND.
func (c *Client) CheckCollection(ctx context.Context, collection string) error {
	target, err := c.resolve(collection, "")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", target.String(), strings.NewReader(propfindBody))
	if err != nil {
		return fmt.Errorf("build PROPFIND request: %w", err)
	}
	req.Header.Set("Depth", "0")
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("PROPFIND %s: %w: %w", target, ErrUnreachable, err)
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusMultiStatus, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return c.statusError("PROPFIND", target, resp.StatusCode, ErrCollectionMissing)
	}
	return c.statusError("PROPFIND", target, resp.StatusCode, classify(resp.StatusCode))
}

func (c *Client) statusError(method string, target *url.URL, status int, kind error) error {
	c.logger.Debug("unexpected status code",
		"method", method,
		"url", target.String(),
		"status_code", status)
	return &StatusError{Kind: kind, Method: method, URL: target.String(), Status: status}
}

func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuth
	case status == http.StatusPreconditionFailed || status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrUnreachable
	case status == http.StatusNotFound:
		return ErrCollectionMissing
	}
	return ErrRejected
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/calingest/internal/caldav"
	"github.com/tracyhatemice/calingest/internal/config"
	"github.com/tracyhatemice/calingest/internal/ingest"
	"github.com/tracyhatemice/calingest/internal/ledger"
	"github.com/tracyhatemice/calingest/internal/receiver"
	"github.com/tracyhatemice/calingest/internal/route"
)

type fakeSession struct {
	mu       sync.Mutex
	emails   []receiver.Email
	fetchErr error
	deleted  []string
	closed   int
	idles    int
	idleErr  error
}

func (s *fakeSession) Fetch(context.Context) ([]receiver.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []receiver.Email
	for _, e := range s.emails {
		if !s.isDeleted(e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeSession) isDeleted(id string) bool {
	for _, d := range s.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func (s *fakeSession) Delete(_ context.Context, msg receiver.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, msg.ID)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type idleSession struct {
	*fakeSession
	cancel context.CancelFunc
}

func (s *idleSession) Idle(context.Context, time.Duration) error {
	s.mu.Lock()
	s.idles++
	s.mu.Unlock()
	s.cancel()
	return s.idleErr
}

type fakeReceiver struct {
	session receiver.Session
	err     error
	opens   int
}

func (r *fakeReceiver) Open(context.Context) (receiver.Session, error) {
	r.opens++
	if r.err != nil {
		return nil, r.err
	}
	return r.session, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	puts    int
	missing map[string]bool
	reject  bool
}

func (w *fakeWriter) Put(_ context.Context, collection string, _ caldav.Object) (caldav.PutResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.puts++
	if w.missing[collection] {
		return caldav.PutResult{}, &caldav.StatusError{Kind: caldav.ErrCollectionMissing, Method: http.MethodPut, Status: http.StatusNotFound}
	}
	if w.reject {
		return caldav.PutResult{}, &caldav.StatusError{Kind: caldav.ErrRejected, Method: http.MethodPut, Status: http.StatusUnsupportedMediaType}
	}
	return caldav.PutResult{Created: true}, nil
}

type harness struct {
	writer   *fakeWriter
	ledger   *ledger.Ledger
	pipeline *ingest.Pipeline
	router   *route.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tbl, err := route.NewTable(map[string]string{
		"alice@example.com": "/alice/work/",
		"bob@example.com":   "/bob/home/",
	})
	require.NoError(t, err)
	router := route.NewRouter(tbl)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ingest.ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	w := &fakeWriter{missing: map[string]bool{}}
	p, err := ingest.New(ingest.Options{
		Router: router,
		Ledger: l,
		Writer: w,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	return &harness{writer: w, ledger: l, pipeline: p, router: router}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func invite(to, id string) receiver.Email {
	raw := "From: organizer@example.org\r\n" +
		"To: " + to + "\r\n" +
		"Message-ID: <" + id + ">\r\n" +
		"Content-Type: multipart/mixed; boundary=sep\r\n" +
		"\r\n" +
		"--sep\r\n" +
		"Content-Type: text/calendar; method=REQUEST\r\n\r\n" +
		"BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:" + id + "-ev\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n" +
		"\r\n--sep--\r\n"
	return receiver.Email{ID: id, Content: []byte(raw)}
}

func plain(to, id string) receiver.Email {
	raw := "To: " + to + "\r\nMessage-ID: <" + id + ">\r\n\r\nhello\r\n"
	return receiver.Email{ID: id, Content: []byte(raw)}
}

func TestOnceRemovesDeliveredAndEmpty(t *testing.T) {
	h := newHarness(t)
	sess := &fakeSession{emails: []receiver.Email{
		invite("alice@example.com", "a1@example.org"),
		plain("alice@example.com", "a2@example.org"),
	}}
	w := New(config.Mailbox{Name: "shared"}, &fakeReceiver{session: sess}, h.pipeline, h.router, testLogger())

	stats, err := w.Once(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Fetched: 2, Removed: 2}, stats)
	assert.Equal(t, []string{"a1@example.org", "a2@example.org"}, sess.deleted)
	assert.Equal(t, 1, sess.closed)
	assert.Equal(t, 1, h.writer.puts)
	assert.Equal(t, 1, h.ledger.Count())
}

func TestOnceRetainsRetryableFailures(t *testing.T) {
	h := newHarness(t)
	h.writer.missing["/bob/home/"] = true
	sess := &fakeSession{emails: []receiver.Email{invite("bob@example.com", "b1@example.org")}}
	w := New(config.Mailbox{Name: "shared"}, &fakeReceiver{session: sess}, h.pipeline, h.router, testLogger())

	stats, err := w.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retained)
	assert.Empty(t, sess.deleted)
	assert.Equal(t, 0, h.ledger.Count())

	// Collection provisioned: the retained message now delivers.
	h.writer.missing["/bob/home/"] = false
	stats, err = w.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 1, h.ledger.Count())
}

func TestOnceRetainsUnmapped(t *testing.T) {
	h := newHarness(t)
	sess := &fakeSession{emails: []receiver.Email{invite("mallory@example.com", "m1@example.org")}}
	w := New(config.Mailbox{Name: "shared"}, &fakeReceiver{session: sess}, h.pipeline, h.router, testLogger())

	stats, err := w.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retained)
	assert.Empty(t, sess.deleted)
}

func TestOnceRetainsRejected(t *testing.T) {
	h := newHarness(t)
	h.writer.reject = true
	sess := &fakeSession{emails: []receiver.Email{invite("alice@example.com", "r1@example.org")}}
	w := New(config.Mailbox{Name: "shared"}, &fakeReceiver{session: sess}, h.pipeline, h.router, testLogger())

	stats, err := w.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 1, Retained: 1}, stats)
	assert.Empty(t, sess.deleted)
	assert.Equal(t, 0, h.ledger.Count())
}

func TestDeletePartial(t *testing.T) {
	res := ingest.Result{Outcome: ingest.OutcomePartial}

	keep := New(config.Mailbox{}, nil, nil, nil, testLogger())
	assert.False(t, keep.done(res))

	drop := New(config.Mailbox{DeletePartial: true}, nil, nil, nil, testLogger())
	assert.True(t, drop.done(res))
	assert.False(t, drop.done(ingest.Result{Outcome: ingest.OutcomeFailed}))
	assert.True(t, drop.done(ingest.Result{Outcome: ingest.OutcomeNothingToDeliver}))
}

func TestEnvelopeRecipient(t *testing.T) {
	h := newHarness(t)
	raw := []byte("X-Original-To: list@example.com\r\n" +
		"To: Bob <BOB@example.com>, alice@example.com\r\n" +
		"Message-ID: <e1@example.org>\r\n\r\nbody\r\n")
	email := receiver.Email{ID: "e1@example.org", Content: raw}

	w := New(config.Mailbox{}, nil, nil, h.router, testLogger())
	env := w.Envelope(email)
	assert.Equal(t, "bob@example.com", env.Recipient, "first routed recipient wins")
	assert.Equal(t, "e1@example.org", env.ArrivalID)

	fixed := New(config.Mailbox{Recipient: "Alice@Example.com"}, nil, nil, h.router, testLogger())
	assert.Equal(t, "alice@example.com", fixed.Envelope(email).Recipient)

	unrouted := receiver.Email{ID: "imap-7-3", Content: []byte("To: nobody@example.net\r\n\r\nx\r\n")}
	env = w.Envelope(unrouted)
	assert.Equal(t, "nobody@example.net", env.Recipient)
	assert.Equal(t, "imap-7-3", env.ArrivalID)
}

func TestOnceOpenAndFetchErrors(t *testing.T) {
	h := newHarness(t)

	w := New(config.Mailbox{}, &fakeReceiver{err: errors.New("dial tcp: refused")}, h.pipeline, h.router, testLogger())
	_, err := w.Once(context.Background())
	assert.ErrorContains(t, err, "open mailbox")

	sess := &fakeSession{fetchErr: errors.New("imap search: bye")}
	w = New(config.Mailbox{}, &fakeReceiver{session: sess}, h.pipeline, h.router, testLogger())
	_, err = w.Once(context.Background())
	assert.ErrorContains(t, err, "fetch")
	assert.Equal(t, 1, sess.closed)
}

func TestRunIdlesBetweenScans(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &idleSession{
		fakeSession: &fakeSession{emails: []receiver.Email{invite("alice@example.com", "r1@example.org")}},
		cancel:      cancel,
	}
	recv := &fakeReceiver{session: sess}
	w := New(config.Mailbox{Name: "inbox", Protocol: "imap"}, recv, h.pipeline, h.router, testLogger())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, 1, recv.opens)
	assert.Equal(t, 1, sess.idles)
	assert.Equal(t, 1, sess.closed)
	assert.Equal(t, []string{"r1@example.org"}, sess.deleted)
}

func TestRunSkipsIdleWhenDisabled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	off := false
	sess := &idleSession{fakeSession: &fakeSession{}, cancel: cancel}
	mb := config.Mailbox{Protocol: "imap", IDLE: &off, PollIntervalSeconds: 1}
	w := New(mb, &fakeReceiver{session: sess}, h.pipeline, h.router, testLogger())

	w.Run(ctx)
	assert.Equal(t, 0, sess.idles)
	assert.Equal(t, 1, sess.closed)
}

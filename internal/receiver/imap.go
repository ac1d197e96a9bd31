package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
)

// IMAPReceiver opens IMAP/IMAPS sessions on one folder.
type IMAPReceiver struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	folder   string
	logger   *slog.Logger
}

// NewIMAP creates a new IMAP receiver.
func NewIMAP(host string, port int, username, password string, useTLS bool, folder string, logger *slog.Logger) *IMAPReceiver {
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPReceiver{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		folder:   folder,
		logger:   logger,
	}
}

// Open connects, logs in and selects the folder.
func (r *IMAPReceiver) Open(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(r.host, strconv.Itoa(r.port))

	s := &imapSession{
		logger:  r.logger,
		updates: make(chan struct{}, 1),
	}
	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages == nil {
					return
				}
				select {
				case s.updates <- struct{}{}:
				default:
				}
			},
		},
	}

	var client *imapclient.Client
	var err error
	if r.useTLS {
		opts.TLSConfig = &tls.Config{ServerName: r.host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	s.client = client

	if err := ctx.Err(); err != nil {
		client.Close()
		return nil, err
	}

	if err := client.Login(r.username, r.password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w", r.username, err)
	}

	data, err := client.Select(r.folder, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		client.Close()
		return nil, fmt.Errorf("imap select %s: %w", r.folder, err)
	}
	s.uidValidity = data.UIDValidity

	if caps, err := client.Capability().Wait(); err != nil {
		r.logger.Warn("imap capability failed", "error", err)
	} else {
		s.canIdle = caps.Has(imap.CapIdle)
	}
	return s, nil
}

type imapSession struct {
	client      *imapclient.Client
	logger      *slog.Logger
	uidValidity uint32
	canIdle     bool
	updates     chan struct{}
	pending     int
}

func (s *imapSession) Fetch(ctx context.Context) ([]Email, error) {
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagDeleted}}
	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	buffers, err := s.client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	emails := make([]Email, 0, len(buffers))
	for _, buf := range buffers {
		var msgID string
		var date time.Time
		if buf.Envelope != nil {
			msgID = strings.Trim(strings.TrimSpace(buf.Envelope.MessageID), "<>")
			date = buf.Envelope.Date
		}
		if msgID == "" {
			msgID = fmt.Sprintf("imap-%d-%d", s.uidValidity, buf.UID)
		}

		content := buf.FindBodySection(bodySection)
		if len(content) == 0 {
			s.logger.Warn("empty body, skipping", "msg_id", msgID, "uid", buf.UID)
			continue
		}

		emails = append(emails, Email{
			ID:      msgID,
			Date:    date,
			Content: content,
			uid:     uint32(buf.UID),
		})
	}
	return emails, nil
}

func (s *imapSession) Delete(_ context.Context, msg Email) error {
	if msg.uid == 0 {
		return fmt.Errorf("imap delete %s: message has no UID", msg.ID)
	}
	err := s.client.Store(imap.UIDSetNum(imap.UID(msg.uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagDeleted},
		Silent: true,
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("imap store deleted %d: %w", msg.uid, err)
	}
	s.pending++
	return nil
}

func (s *imapSession) expunge() error {
	if s.pending == 0 {
		return nil
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("imap expunge: %w", err)
	}
	s.pending = 0
	return nil
}

func (s *imapSession) Idle(ctx context.Context, timeout time.Duration) error {
	if !s.canIdle {
		return ErrIdleUnsupported
	}
	if err := s.expunge(); err != nil {
		return err
	}

	// Drop updates caused by our own expunge.
	select {
	case <-s.updates:
	default:
	}

	idleCmd, err := s.client.Idle()
	if err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- idleCmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("imap idle: %w", err)
		}
		return nil
	case <-ctx.Done():
	case <-timer.C:
	case <-s.updates:
	}

	if err := idleCmd.Close(); err != nil {
		return fmt.Errorf("imap idle done: %w", err)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	err := s.expunge()
	if logoutErr := s.client.Logout().Wait(); logoutErr != nil {
		s.logger.Debug("imap logout failed", "error", logoutErr)
	}
	if closeErr := s.client.Close(); closeErr != nil {
		s.logger.Debug("imap close failed", "error", closeErr)
	}
	return err
}

package receiver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/calingest/internal/extract"
)

// POP3Receiver opens POP3/POP3S sessions.
type POP3Receiver struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger
}

// NewPOP3 creates a new POP3 receiver.
func NewPOP3(host string, port int, username, password string, useTLS bool, logger *slog.Logger) *POP3Receiver {
	return &POP3Receiver{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		logger:   logger,
	}
}

// Open connects and authenticates.
func (r *POP3Receiver) Open(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(r.host, strconv.Itoa(r.port))

	client := pop3client.New(pop3client.Opt{
		Host:       r.host,
		Port:       r.port,
		TLSEnabled: r.useTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w", addr, err)
	}
	if err := ctx.Err(); err != nil {
		conn.Quit()
		return nil, err
	}
	if err := conn.Auth(r.username, r.password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("pop3 auth %s: %w", r.username, err)
	}
	return &pop3Session{conn: conn, logger: r.logger}, nil
}

// pop3Conn is the subset of *pop3client.Conn a session uses.
type pop3Conn interface {
	List(msgID int) ([]pop3client.MessageID, error)
	Uidl(msgID int) ([]pop3client.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	Quit() error
}

type pop3Session struct {
	conn   pop3Conn
	logger *slog.Logger
}

func (s *pop3Session) Fetch(ctx context.Context) ([]Email, error) {
	msgs, err := s.conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 list: %w", err)
	}

	uidls := make(map[int]string, len(msgs))
	if ids, err := s.conn.Uidl(0); err != nil {
		s.logger.Debug("pop3 uidl unavailable", "error", err)
	} else {
		for _, id := range ids {
			uidls[id.ID] = id.UID
		}
	}

	var emails []Email
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return emails, err
		}

		rawBuf, err := s.conn.RetrRaw(msg.ID)
		if err != nil {
			s.logger.Warn("pop3 retrieve failed", "seq", msg.ID, "error", err)
			continue
		}
		raw := rawBuf.Bytes()

		msgID := extract.MessageID(raw)
		if msgID == "" {
			if uid := uidls[msg.ID]; uid != "" {
				msgID = "pop3-" + uid
			} else {
				msgID = fmt.Sprintf("pop3-%d", msg.ID)
			}
		}

		emails = append(emails, Email{
			ID:      msgID,
			Date:    extractDate(raw),
			Content: raw,
			seq:     msg.ID,
		})
	}
	return emails, nil
}

func (s *pop3Session) Delete(_ context.Context, msg Email) error {
	if msg.seq <= 0 {
		return fmt.Errorf("pop3 delete %s: message has no number", msg.ID)
	}
	if err := s.conn.Dele(msg.seq); err != nil {
		return fmt.Errorf("pop3 dele %d: %w", msg.seq, err)
	}
	return nil
}

// Close sends QUIT, which is when the server applies DELE.
func (s *pop3Session) Close() error {
	if err := s.conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

// extractDate parses the Date header from raw email bytes.
func extractDate(raw []byte) time.Time {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	defer reader.Close()
	date, err := reader.Header.Date()
	if err != nil {
		return time.Time{}
	}
	return date
}

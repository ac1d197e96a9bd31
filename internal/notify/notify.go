// Package notify hands messages that cannot be delivered to an operator
// mailbox over SMTP.
package notify

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/calingest/internal/config"
	"github.com/tracyhatemice/calingest/internal/ingest"
)

// Sender forwards raw messages to the operator address.
type Sender struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	from     string
	to       string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Sender from the notify configuration.
func New(cfg config.Notify, logger *slog.Logger) *Sender {
	return &Sender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		useTLS:   cfg.UseTLS,
		from:     cfg.From,
		to:       cfg.To,
		timeout:  cfg.Timeout(),
		logger:   logger,
		now:      time.Now,
	}
}

// Forward sends raw to the operator with headers describing why it could
// not be delivered.
func (s *Sender) Forward(raw []byte, reason string, res ingest.Result) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	from := s.envelopeFrom(raw)
	message := s.compose(raw, reason, res)

	dialer := &net.Dialer{Timeout: s.timeout}
	var conn net.Conn
	var err error
	if s.useTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.host})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	// One deadline covers the whole exchange.
	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		conn.Close()
		return fmt.Errorf("smtp set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp new client: %w", err)
	}
	if !s.useTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: s.host}
			if err := client.StartTLS(tlsConfig); err != nil {
				s.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
			}
		}
	}
	defer client.Close()

	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(s.to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	s.logger.Info("forwarded to operator",
		"arrival_id", res.ArrivalID,
		"reason", reason,
		"to", s.to,
	)
	return client.Quit()
}

// envelopeFrom picks the MAIL FROM address: the configured sender, the
// SMTP username, or the original message's From.
func (s *Sender) envelopeFrom(raw []byte) string {
	if s.from != "" {
		return s.from
	}
	if s.username != "" {
		return s.username
	}
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	defer reader.Close()
	if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return ""
}

func (s *Sender) compose(raw []byte, reason string, res ingest.Result) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		if v = headerValue(v); v != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	header("X-Calingest-Failure", reason)
	header("X-Calingest-Arrival-Id", res.ArrivalID)
	header("X-Calingest-Recipient", res.Recipient)
	header("X-Calingest-Outcome", string(res.Outcome))
	if res.Err != nil {
		header("X-Calingest-Error", res.Err.Error())
	}
	for _, f := range res.Failures() {
		header("X-Calingest-Item-Error", fmt.Sprintf("%d %s", f.Index, f.Err))
	}
	header("X-Calingest-Time", s.now().UTC().Format(time.RFC3339))
	b.Write(raw)
	return b.Bytes()
}

// headerValue folds v onto one line.
func headerValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

package receiver

import (
	"context"
	"errors"
	"time"
)

// ErrIdleUnsupported is returned by Idle when the server cannot push
// mailbox updates.
var ErrIdleUnsupported = errors.New("server does not support IDLE")

// Email represents a fetched email message.
type Email struct {
	ID      string    // Message-ID, or a mailbox-scoped fallback
	Date    time.Time // date the email was sent/received
	Content []byte    // raw RFC 5322 message bytes

	uid uint32 // IMAP UID
	seq int    // POP3 message number
}

// Receiver opens sessions against a remote mailbox.
type Receiver interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one authenticated connection to a mailbox.
type Session interface {
	// Fetch returns every message not already marked for deletion.
	Fetch(ctx context.Context) ([]Email, error)

	// Delete marks a message for removal. Removal takes effect when the
	// session is closed.
	Delete(ctx context.Context, msg Email) error

	// Close commits pending deletions and ends the session.
	Close() error
}

// Idler is implemented by sessions that can block until the mailbox
// changes. Idle commits pending deletions first and returns after at most
// timeout, when the server reports new mail, or when ctx ends.
type Idler interface {
	Idle(ctx context.Context, timeout time.Duration) error
}

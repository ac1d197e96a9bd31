package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Commit after Close.
var ErrClosed = errors.New("ledger is closed")

// Entry is one committed identity.
type Entry struct {
	ID string
	At time.Time
}

// Ledger records delivered item identities so redelivered envelopes are
// recognised. Entries are persisted one per line as "<id>\t<utc time>"
// and are never rewritten.
type Ledger struct {
	mu   sync.RWMutex
	ids  map[string]time.Time
	file *os.File
	path string
}

// Open loads (or creates) the ledger backed by filePath.
func Open(filePath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	l := &Ledger{
		ids:  make(map[string]time.Time),
		path: filePath,
	}

	data, err := os.ReadFile(filePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	// A crash mid-append can leave an unterminated last line. It was never
	// acknowledged, so drop it and let the next entry start cleanly.
	if keep := l.load(data); keep < len(data) {
		if err := os.Truncate(filePath, int64(keep)); err != nil {
			return nil, fmt.Errorf("repair ledger file: %w", err)
		}
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file for append: %w", err)
	}
	l.file = f
	return l, nil
}

// load parses file content and returns the length of its complete lines.
func (l *Ledger) load(data []byte) int {
	keep := bytes.LastIndexByte(data, '\n') + 1
	lines := bytes.Split(data[:keep], []byte{'\n'})
	for _, raw := range lines {
		line := strings.TrimSpace(string(raw))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, at := parseLine(line)
		if id == "" {
			continue
		}
		if _, dup := l.ids[id]; !dup {
			l.ids[id] = at
		}
	}
	return keep
}

// syncLogLayout is the timestamp prefix of the older sync log,
// "YYYY-MM-DD HH:MM:SS  <message-id>".
const syncLogLayout = "2006-01-02 15:04:05"

// parseLine reads one ledger line. Besides the native "<id>\t<time>" form
// it accepts bare ids and sync log lines.
func parseLine(line string) (string, time.Time) {
	if id, stamp, ok := strings.Cut(line, "\t"); ok {
		at, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(stamp))
		return CleanID(id), at
	}
	if fields := strings.Fields(line); len(fields) == 3 {
		if at, err := time.Parse(syncLogLayout, fields[0]+" "+fields[1]); err == nil {
			return CleanID(strings.Trim(fields[2], "<>")), at
		}
	}
	return CleanID(line), time.Time{}
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Seen reports whether id has been committed.
func (l *Ledger) Seen(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[CleanID(id)]
	return ok
}

// Commit appends id with the given timestamp and syncs the file. Committing
// an id twice is a no-op.
func (l *Ledger) Commit(id string, at time.Time) error {
	id = CleanID(id)
	if id == "" {
		return fmt.Errorf("commit ledger entry: empty id")
	}
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	if _, exists := l.ids[id]; exists {
		return nil
	}

	line := id + "\t" + at.Format(time.RFC3339Nano) + "\n"
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("write ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}
	l.ids[id] = at
	return nil
}

// Lookup returns the entry recorded for id.
func (l *Ledger) Lookup(id string) (Entry, bool) {
	id = CleanID(id)
	l.mu.RLock()
	defer l.mu.RUnlock()
	at, ok := l.ids[id]
	return Entry{ID: id, At: at}, ok
}

// Count returns the number of committed ids.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// Close releases the file. Later commits fail with ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close ledger file: %w", err)
	}
	return nil
}

// CleanID trims id and replaces inner whitespace so it fits on one line.
func CleanID(id string) string {
	return strings.Join(strings.Fields(id), "_")
}

package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ingest.ledger")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Count())
	assert.False(t, l.Seen("anything"))
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.ledger")
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Commit("abc@example.com#1", at))
	require.NoError(t, l.Commit("abc@example.com#1", at.Add(time.Hour)))
	assert.True(t, l.Seen("abc@example.com#1"))
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "abc@example.com#1\t2026-03-01T11:30:00Z", lines[0])

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, l.Seen("abc@example.com#1"))
	e, ok := l.Lookup("abc@example.com#1")
	require.True(t, ok)
	assert.True(t, e.At.Equal(at))
}

func TestOpenRepairsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.ledger")
	require.NoError(t, os.WriteFile(path, []byte("done#1\t2026-01-01T00:00:00Z\npartial#1\t2026-01"), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	assert.True(t, l.Seen("done#1"))
	assert.False(t, l.Seen("partial#1"))

	require.NoError(t, l.Commit("next#1", time.Now()))
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "done#1\t2026-01-01T00:00:00Z", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "next#1\t"))
}

func TestOpenAcceptsBareIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.ledger")
	require.NoError(t, os.WriteFile(path, []byte("legacy-id\n\n"), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, l.Seen("legacy-id"))
	assert.Equal(t, 1, l.Count())
}

func TestOpenAcceptsSyncLogLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.ledger")
	data := "# processed messages\n" +
		"2024-01-01 12:00:00  <abc@example.com>\n" +
		"2024-01-02 08:30:15  def@example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, 2, l.Count())
	assert.True(t, l.Seen("abc@example.com"))
	e, ok := l.Lookup("def@example.com")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 30, 15, 0, time.UTC), e.At)
}

func TestConcurrentCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.ledger")
	l, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Commit(fmt.Sprintf("msg-%d#1", i), time.Now()))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Commit("shared#1", time.Now()))
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	assert.Len(t, lines, 51)
	shared := 0
	for _, line := range lines {
		assert.Contains(t, line, "\t")
		if strings.HasPrefix(line, "shared#1\t") {
			shared++
		}
	}
	assert.Equal(t, 1, shared)
}

func TestCommitAfterClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ingest.ledger"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Commit("x", time.Now()), ErrClosed)
	assert.NoError(t, l.Close())
}

func TestCleanID(t *testing.T) {
	assert.Equal(t, "a_b", CleanID(" a\tb \n"))
	assert.Error(t, func() error {
		l, err := Open(filepath.Join(t.TempDir(), "l"))
		require.NoError(t, err)
		defer l.Close()
		return l.Commit("   ", time.Now())
	}())
}

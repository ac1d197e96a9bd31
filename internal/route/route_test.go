package route

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableLookupCaseInsensitive(t *testing.T) {
	tbl, err := NewTable(map[string]string{
		"Alice@Example.com": "/alice/work/",
		"bob@example.com":   "/bob/home/",
	})
	require.NoError(t, err)

	c, ok := tbl.Lookup("ALICE@example.COM")
	assert.True(t, ok)
	assert.Equal(t, "/alice/work/", c)

	c, ok = tbl.Lookup("Alice Liddell <alice@example.com>")
	assert.True(t, ok)
	assert.Equal(t, "/alice/work/", c)

	_, ok = tbl.Lookup("alice@example.org")
	assert.False(t, ok)

	_, ok = tbl.Lookup("alice")
	assert.False(t, ok, "no prefix matching")

	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []Entry{
		{Address: "alice@example.com", Collection: "/alice/work/"},
		{Address: "bob@example.com", Collection: "/bob/home/"},
	}, tbl.Entries())
}

func TestNewTableRejects(t *testing.T) {
	tests := []struct {
		name   string
		routes map[string]string
	}{
		{"no trailing slash", map[string]string{"a@x.com": "/a/work"}},
		{"relative path", map[string]string{"a@x.com": "a/work/"}},
		{"not an address", map[string]string{"alice": "/a/"}},
		{"duplicate after lowercasing", map[string]string{"a@x.com": "/a/", "A@X.COM": "/b/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.routes)
			assert.Error(t, err)
		})
	}
}

func TestRouterResolveAndSwap(t *testing.T) {
	first, err := NewTable(map[string]string{"alice@example.com": "/alice/work/"})
	require.NoError(t, err)
	r := NewRouter(first)

	c, err := r.Resolve("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "/alice/work/", c)

	_, err = r.Resolve("carol@example.com")
	assert.True(t, errors.Is(err, ErrUnmapped))
	assert.False(t, r.Mapped("carol@example.com"))

	second, err := NewTable(map[string]string{"carol@example.com": "/carol/cal/"})
	require.NoError(t, err)
	prev := r.Swap(second)
	assert.Same(t, first, prev)

	c, err = r.Resolve("carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, "/carol/cal/", c)
	_, err = r.Resolve("alice@example.com")
	assert.ErrorIs(t, err, ErrUnmapped)

	// The old snapshot is untouched by the swap.
	_, ok := first.Lookup("alice@example.com")
	assert.True(t, ok)
}

func TestNilRouterTable(t *testing.T) {
	r := NewRouter(nil)
	_, err := r.Resolve("a@b.c")
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "alice@example.com", Normalize("  Alice@Example.COM "))
	assert.Equal(t, "alice@example.com", Normalize("<alice@example.com>"))
	assert.Equal(t, "alice@example.com", Normalize(`"Liddell, Alice" <Alice@example.com>`))
	assert.Equal(t, "", Normalize(""))
}

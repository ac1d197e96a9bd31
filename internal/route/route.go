// Package route maps destination addresses to calendar collection paths.
//
// A Table is an immutable snapshot built once from configuration. Router
// publishes the current snapshot and lets a reload swap it atomically, so a
// lookup in flight never observes a half-updated table.
package route

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/emersion/go-message/mail"
)

// ErrUnmapped is returned when no collection is configured for an address.
var ErrUnmapped = errors.New("address is not mapped to a collection")

// Entry is one address to collection mapping.
type Entry struct {
	Address    string
	Collection string
}

// Table is an immutable address to collection mapping.
type Table struct {
	routes map[string]string
}

// NewTable validates and normalizes routes into a Table.
func NewTable(routes map[string]string) (*Table, error) {
	t := &Table{routes: make(map[string]string, len(routes))}
	for addr, collection := range routes {
		key := Normalize(addr)
		if key == "" || !strings.Contains(key, "@") {
			return nil, fmt.Errorf("route %q: not an email address", addr)
		}
		if !strings.HasPrefix(collection, "/") || !strings.HasSuffix(collection, "/") {
			return nil, fmt.Errorf("route %q: collection %q must start and end with /", addr, collection)
		}
		if prev, dup := t.routes[key]; dup {
			return nil, fmt.Errorf("route %q: duplicate of %s -> %s", addr, key, prev)
		}
		t.routes[key] = collection
	}
	return t, nil
}

// Lookup returns the collection for addr. Matching is exact after
// normalization; there is no wildcard or prefix matching.
func (t *Table) Lookup(addr string) (string, bool) {
	if t == nil {
		return "", false
	}
	c, ok := t.routes[Normalize(addr)]
	return c, ok
}

// Len returns the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Entries returns the routes sorted by address.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.routes))
	for a, c := range t.routes {
		out = append(out, Entry{Address: a, Collection: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Router serves lookups from the current Table snapshot.
type Router struct {
	table atomic.Pointer[Table]
}

// NewRouter creates a Router serving t.
func NewRouter(t *Table) *Router {
	r := &Router{}
	r.table.Store(t)
	return r
}

// Resolve returns the collection for addr or an error wrapping ErrUnmapped.
func (r *Router) Resolve(addr string) (string, error) {
	c, ok := r.table.Load().Lookup(addr)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmapped, Normalize(addr))
	}
	return c, nil
}

// Mapped reports whether addr has a route.
func (r *Router) Mapped(addr string) bool {
	_, ok := r.table.Load().Lookup(addr)
	return ok
}

// Swap replaces the snapshot and returns the previous one.
func (r *Router) Swap(t *Table) *Table {
	return r.table.Swap(t)
}

// Table returns the current snapshot.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Normalize lowercases and trims an address. "Name <addr>" forms are
// reduced to the bare address.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.ContainsAny(addr, "<\"") {
		if a, err := mail.ParseAddress(addr); err == nil {
			addr = a.Address
		}
	}
	return strings.ToLower(strings.Trim(addr, "<> "))
}

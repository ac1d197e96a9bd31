package extract

import (
	"bytes"
	"strings"

	"github.com/emersion/go-message/mail"
)

// recipientHeaders are consulted in order when deriving a destination
// address from a message that reached a shared mailbox.
var recipientHeaders = []string{"X-Original-To", "Delivered-To", "To", "Cc"}

func readHeader(raw []byte) (mail.Header, bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil || mr == nil {
		return mail.Header{}, false
	}
	defer mr.Close()
	return mr.Header, true
}

// MessageID returns the Message-ID header of raw without angle brackets,
// or "" when it is absent or the header block is unreadable.
func MessageID(raw []byte) string {
	h, ok := readHeader(raw)
	if !ok {
		return ""
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	return strings.Trim(strings.TrimSpace(h.Get("Message-ID")), "<>")
}

// Recipients lists the lowercased recipient addresses of raw, most
// specific header first, without duplicates.
func Recipients(raw []byte) []string {
	h, ok := readHeader(raw)
	if !ok {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	for _, key := range recipientHeaders {
		addrs, err := h.AddressList(key)
		if err != nil || len(addrs) == 0 {
			// Delivered-To and X-Original-To are often bare addresses that
			// some parsers reject; take the raw value then.
			if v := h.Get(key); v != "" && !strings.ContainsAny(v, ",;") {
				add(strings.Trim(v, "<> "))
			}
			continue
		}
		for _, a := range addrs {
			add(a.Address)
		}
	}
	return out
}

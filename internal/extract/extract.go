// Package extract pulls calendar-data parts out of raw email messages.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// maxDepth bounds descent into attached message/rfc822 parts.
const maxDepth = 4

// Item is one calendar-data payload found in a message.
type Item struct {
	Index     int    // 1-based position among calendar parts, in MIME order
	Filename  string // attachment filename, if any
	MediaType string
	UID       string // UID of the first component that has one
	Digest    string // hex SHA-256 of Data
	Data      []byte // decoded part body
}

// ParseError reports a message whose MIME structure could not be read.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parse message: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Items walks the message read from r and yields each calendar part in
// order. The walk stops after the first error.
func Items(r io.Reader) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		index := 0
		walk(r, 0, &index, yield)
	}
}

// All collects every calendar item of raw. A message without calendar
// parts returns an empty slice and no error.
func All(raw []byte) ([]Item, error) {
	var items []Item
	for item, err := range Items(bytes.NewReader(raw)) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// walk returns false when the consumer stopped or an error was yielded.
func walk(r io.Reader, depth int, index *int, yield func(Item, error) bool) bool {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		yield(Item{}, &ParseError{Err: err})
		return false
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return true
		}
		if err != nil && (p == nil || !message.IsUnknownCharset(err)) {
			yield(Item{}, &ParseError{Err: err})
			return false
		}

		mediaType, filename := describe(p.Header)

		if mediaType == "message/rfc822" && depth < maxDepth {
			if !walk(p.Body, depth+1, index, yield) {
				return false
			}
			continue
		}

		if !IsCalendar(mediaType, filename) {
			continue
		}

		data, err := io.ReadAll(p.Body)
		if err != nil {
			yield(Item{}, &ParseError{Err: fmt.Errorf("read calendar part: %w", err)})
			return false
		}
		*index++
		sum := sha256.Sum256(data)
		item := Item{
			Index:     *index,
			Filename:  filename,
			MediaType: mediaType,
			UID:       findUID(data),
			Digest:    hex.EncodeToString(sum[:]),
			Data:      data,
		}
		if !yield(item, nil) {
			return false
		}
	}
}

type partHeader interface {
	ContentType() (string, map[string]string, error)
	Get(key string) string
}

func describe(h mail.PartHeader) (mediaType, filename string) {
	ph, ok := h.(partHeader)
	if !ok {
		return "", ""
	}

	mt, params, err := ph.ContentType()
	if err != nil {
		// Keep going on a sloppy Content-Type; the media type alone is enough.
		mt, _, _ = strings.Cut(ph.Get("Content-Type"), ";")
	}
	mediaType = strings.ToLower(strings.TrimSpace(mt))

	if ah, ok := h.(*mail.AttachmentHeader); ok {
		filename, _ = ah.Filename()
	}
	if filename == "" && params != nil {
		filename = params["name"]
	}
	return mediaType, filename
}

// IsCalendar reports whether a part with this media type or filename holds
// calendar data.
func IsCalendar(mediaType, filename string) bool {
	switch strings.ToLower(mediaType) {
	case "text/calendar", "application/ics":
		return true
	}
	switch strings.ToLower(path.Ext(filename)) {
	case ".ics", ".ical", ".ifb":
		return true
	}
	return false
}

func findUID(data []byte) string {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return ""
	}
	for _, child := range cal.Children {
		if prop := child.Props.Get(ical.PropUID); prop != nil && prop.Value != "" {
			return prop.Value
		}
	}
	return ""
}

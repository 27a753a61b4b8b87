package model

import (
	"errors"
	"fmt"
	"strings"
)

// CursorKind discriminates the Cursor union.
type CursorKind int

const (
	CursorToken   CursorKind = iota + 1 // single opaque continuation token
	CursorMarkers                       // independent inbound/outbound markers
)

// Markers is the continuation state of a provider that pages inbound and
// outbound movements independently. An exhausted stream is never fetched again.
type Markers struct {
	Inbound      string
	Outbound     string
	InboundDone  bool
	OutboundDone bool
}

// Done reports whether both streams are exhausted.
func (m Markers) Done() bool {
	return m.InboundDone && m.OutboundDone
}

// Cursor is an opaque, provider-tagged continuation token. The zero value is
// invalid; build one with NewTokenCursor or NewMarkerCursor.
type Cursor struct {
	provider Provider
	kind     CursorKind
	token    string
	markers  Markers
}

// ErrForeignCursor is returned when a cursor is handed to a provider that did not issue it.
var ErrForeignCursor = errors.New("cursor issued by another provider")

// NewTokenCursor builds a single-token cursor.
func NewTokenCursor(p Provider, token string) *Cursor {
	return &Cursor{provider: p, kind: CursorToken, token: token}
}

// NewMarkerCursor builds a dual-marker cursor.
func NewMarkerCursor(p Provider, m Markers) *Cursor {
	return &Cursor{provider: p, kind: CursorMarkers, markers: m}
}

// Provider returns the issuing provider.
func (c *Cursor) Provider() Provider { return c.provider }

// Kind returns the union discriminator.
func (c *Cursor) Kind() CursorKind { return c.kind }

// Token returns the single token, if this is a token cursor.
func (c *Cursor) Token() (string, bool) {
	if c == nil || c.kind != CursorToken {
		return "", false
	}
	return c.token, true
}

// Markers returns the marker pair, if this is a marker cursor.
func (c *Cursor) Markers() (Markers, bool) {
	if c == nil || c.kind != CursorMarkers {
		return Markers{}, false
	}
	return c.markers, true
}

// Check verifies the cursor belongs to p. A nil cursor always passes.
func (c *Cursor) Check(p Provider) error {
	if c == nil || c.provider == p {
		return nil
	}
	return fmt.Errorf("%w: %s cursor passed to %s", ErrForeignCursor, c.provider, p)
}

// String returns the text form, also used as the consumed-cursor identity.
func (c *Cursor) String() string {
	if c == nil {
		return ""
	}
	b, _ := c.MarshalText()
	return string(b)
}

// MarshalText encodes the cursor as "<provider>|t|<token>" or
// "<provider>|m|<in>|<out>|<flags>".
func (c *Cursor) MarshalText() ([]byte, error) {
	switch c.kind {
	case CursorToken:
		return []byte(string(c.provider) + "|t|" + c.token), nil
	case CursorMarkers:
		flags := ""
		if c.markers.InboundDone {
			flags += "i"
		}
		if c.markers.OutboundDone {
			flags += "o"
		}
		return []byte(strings.Join([]string{
			string(c.provider), "m", c.markers.Inbound, c.markers.Outbound, flags,
		}, "|")), nil
	}
	return nil, errors.New("marshal invalid cursor")
}

// ParseCursor decodes the output of MarshalText.
func ParseCursor(s string) (*Cursor, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 3 {
		return nil, fmt.Errorf("parse cursor %q: too few fields", s)
	}
	p, err := ParseProvider(parts[0])
	if err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}

	switch parts[1] {
	case "t":
		return NewTokenCursor(p, strings.Join(parts[2:], "|")), nil
	case "m":
		if len(parts) != 5 {
			return nil, fmt.Errorf("parse cursor %q: marker cursor needs 5 fields", s)
		}
		return NewMarkerCursor(p, Markers{
			Inbound:      parts[2],
			Outbound:     parts[3],
			InboundDone:  strings.Contains(parts[4], "i"),
			OutboundDone: strings.Contains(parts[4], "o"),
		}), nil
	}
	return nil, fmt.Errorf("parse cursor %q: unknown kind %q", s, parts[1])
}

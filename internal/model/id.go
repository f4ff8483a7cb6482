package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// idHexLength is the number of hex digits in a canonical 128-bit identifier.
const idHexLength = 32

// EventID is an event identifier. Upstream ids are occasionally longer than a
// UUID; the trailing 32 hex digits form the canonical UUID used for storage
// and lookup, and the discarded leading characters are kept in Prefix so the
// original value can be rendered again.
type EventID struct {
	UUID   uuid.UUID
	Prefix string
}

// ParseEventID normalizes s (strips "urn:", "uuid:", braces and hyphens) and
// splits it into the canonical UUID and the discarded prefix.
func ParseEventID(s string) (EventID, error) {
	h := strings.TrimSpace(s)
	h = strings.ReplaceAll(h, "urn:", "")
	h = strings.ReplaceAll(h, "uuid:", "")
	h = strings.Trim(h, "{}")
	h = strings.ReplaceAll(h, "-", "")

	var prefix string
	if len(h) > idHexLength {
		prefix = h[:len(h)-idHexLength]
		h = h[len(h)-idHexLength:]
	}
	if len(h) != idHexLength {
		return EventID{}, errors.Errorf("invalid event id %q: want %d hex digits, got %d", s, idHexLength, len(h))
	}
	u, err := uuid.Parse(h)
	if err != nil {
		return EventID{}, errors.Wrapf(err, "invalid event id %q", s)
	}
	return EventID{UUID: u, Prefix: prefix}, nil
}

// MustParseEventID is like ParseEventID but panics on error. Intended for tests
// and constants.
func MustParseEventID(s string) EventID {
	id, err := ParseEventID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the id with its discarded prefix re-attached.
func (id EventID) String() string {
	return id.Prefix + id.UUID.String()
}

// Key is the canonical form used as the storage key.
func (id EventID) Key() string {
	return id.UUID.String()
}

// IsZero reports whether the id was never set.
func (id EventID) IsZero() bool {
	return id.UUID == uuid.Nil && id.Prefix == ""
}

// MarshalText implements encoding.TextMarshaler.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Package tsval encodes cache entries as "<RFC 3339 UTC instant>;<payload>".
//
// The creation instant sits in a short fixed-position prefix so that a range
// read of the first PrefixLength bytes of a stored entry recovers it without
// transferring the payload.
package tsval

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PrefixLength is the number of leading bytes guaranteed to contain the
// encoded creation instant and its separator.
const PrefixLength = 50

// Separator positions outside [sepMin, sepMax] mark a malformed value.
// An RFC 3339 UTC instant is at least 20 bytes ("2006-01-02T15:04:05Z").
const (
	sepMin = 20
	sepMax = 50
)

// ErrMalformed is returned when a value does not carry a parseable
// timestamp prefix.
var ErrMalformed = errors.New("timestamped value is malformed")

// Encode produces the serialized form of a cache entry.
func Encode(createdAt time.Time, payload string) string {
	return createdAt.UTC().Format(time.RFC3339Nano) + ";" + payload
}

// Decode splits a serialized entry into its creation instant and payload.
func Decode(s string) (time.Time, string, error) {
	idx, err := separatorIndex(s)
	if err != nil {
		return time.Time{}, "", err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, s[:idx])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse creation instant: %w", ErrMalformed)
	}
	return createdAt, s[idx+1:], nil
}

// DecodeTimestamp recovers only the creation instant. The input may be a
// truncated entry, such as the first PrefixLength bytes of a stored value.
func DecodeTimestamp(s string) (time.Time, error) {
	idx, err := separatorIndex(s)
	if err != nil {
		return time.Time{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, s[:idx])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse creation instant: %w", ErrMalformed)
	}
	return createdAt, nil
}

func separatorIndex(s string) (int, error) {
	idx := strings.IndexByte(s, ';')
	if idx < 0 {
		return 0, fmt.Errorf("no separator: %w", ErrMalformed)
	}
	if idx < sepMin || idx > sepMax {
		return 0, fmt.Errorf("separator at byte %d: %w", idx, ErrMalformed)
	}
	return idx, nil
}

// Package pagination implements keyset cursors over (created_at, id) and
// limit handling for list endpoints.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrInvalidLimit is returned when a limit is not a positive integer.
var ErrInvalidLimit = errors.New("limit must be a positive integer")

const cursorVersion = "c1"

// Cursor is the last row of the previous page. Rows strictly after it in
// (created_at DESC, id DESC) order form the next page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of a position.
func Encode(createdAt time.Time, id string) string {
	raw := cursorVersion + ":" + strconv.FormatInt(createdAt.UnixNano(), 36) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. An empty string means the first page and
// yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 || parts[0] != cursorVersion || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[2]}, nil
}

// ClampLimit applies the default for non-positive limits and caps at max.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// ParseLimit reads a limit query value. Empty input returns 0, which
// ClampLimit turns into the default.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, ErrInvalidLimit
	}
	return n, nil
}

// ComputePage trims items fetched with limit+1 rows. When the extra row is
// present it returns a cursor for the last kept item.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}

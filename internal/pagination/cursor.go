// Package pagination implements keyset pagination over (created_at, id)
// ordered listings.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Cursor points just past the last row of the previous page.
type Cursor struct {
	LastID    string
	Timestamp time.Time
}

// PageResult is the wire form of a page.
type PageResult[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

var (
	ErrInvalidCursor = errors.New("invalid cursor format")
	ErrInvalidLimit  = errors.New("limit must be a non-negative integer")
)

type cursorPayload struct {
	ID string    `json:"i"`
	TS time.Time `json:"t"`
}

// EncodeCursor makes an opaque URL-safe cursor. An empty id means there is
// no next page and yields "".
func EncodeCursor(lastID string, timestamp time.Time) string {
	if lastID == "" {
		return ""
	}
	raw, _ := json.Marshal(cursorPayload{ID: lastID, TS: timestamp.UTC()})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor reverses EncodeCursor. The empty string decodes to nil.
func DecodeCursor(cursor string) (*Cursor, error) {
	if cursor == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidCursor
	}
	if _, err := uuid.Parse(p.ID); err != nil || p.TS.IsZero() {
		return nil, ErrInvalidCursor
	}

	return &Cursor{LastID: p.ID, Timestamp: p.TS}, nil
}

// Trim cuts a result fetched with limit+1 rows down to limit and reports
// whether more rows exist, along with the cursor for the next page.
func Trim[T any](items []T, limit int, key func(T) (string, time.Time)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	if limit == 0 {
		return items, "", true
	}
	return items, EncodeCursor(key(items[len(items)-1])), true
}

// ParseLimit reads a limit query parameter. Empty means 0, which callers
// treat as "use the default".
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, ErrInvalidLimit
	}
	return limit, nil
}

// ClampLimit applies the default for 0 and caps the result at max.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	return min(limit, max)
}

package store

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

type Thread struct {
	ID        string
	Ref       string
	CreatedAt time.Time
}

type EntryRow struct {
	ID              string
	ThreadID        string
	ParentID        *string
	Body            string
	AuthorLogin     string
	AuthorAvatarURL string
	AuthorURL       string
	Association     string
	CreatedAt       time.Time
	LastEditedAt    *time.Time
}

type ReactionRow struct {
	EntryID string
	Login   string
	Kind    string
}

// Cursor is a keyset position over (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor renders c as an opaque token. Postgres keeps microseconds, so
// that is the precision carried.
func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(value string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	micros, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	value64, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{CreatedAt: time.UnixMicro(value64).UTC(), ID: id}, nil
}

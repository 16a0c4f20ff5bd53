package pagination

import (
	"encoding/base64"
	"encoding/json"
)

type Pagination struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

// Normalize clamps the limit to the allowed window.
func (p *Pagination) Normalize() {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Limit > 250 {
		p.Limit = 250
	}
}

// Cursor pins the scan position by creation time with the row id as a
// tie-breaker.
type Cursor struct {
	CreatedAt string `json:"created_at,omitempty"`
	ID        string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// BuildCursorPageInfo trims an over-fetched page back to limit and reports
// whether more rows remain. Callers fetch limit+1 rows.
func BuildCursorPageInfo[T any](data []T, limit int, extractCursor func(T) Cursor) ([]T, *PageInfo) {
	if len(data) == 0 {
		return data, &PageInfo{HasMore: false}
	}

	hasMore := false
	if len(data) > limit {
		hasMore = true
		data = data[:limit]
	}

	next, _ := EncodeCursor(extractCursor(data[len(data)-1]))
	return data, &PageInfo{HasMore: hasMore, NextCursor: next}
}

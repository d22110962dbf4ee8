package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JaniM/emergence/internal/index"
	"github.com/JaniM/emergence/internal/store"
)

// The cursor is the opaque continuation token of a page. It encodes the
// sort position of the last returned result, so inserts that land before
// already-seen results cannot shift or duplicate subsequent pages.

type cursorToken struct {
	Score    float64 `json:"s"`
	Created  int64   `json:"c"`
	Modified int64   `json:"m"`
	ID       string  `json:"id"`
}

func encodeCursor(p *index.Position) string {
	tok := cursorToken{
		Score:    p.Score,
		Created:  p.Created.UnixNano(),
		Modified: p.Modified.UnixNano(),
		ID:       p.ID.String(),
	}
	data, _ := json.Marshal(tok)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (*index.Position, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, badCursor(err)
	}
	var tok cursorToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, badCursor(err)
	}
	id, err := uuid.Parse(tok.ID)
	if err != nil {
		return nil, badCursor(err)
	}
	return &index.Position{
		Score:    tok.Score,
		Created:  time.Unix(0, tok.Created),
		Modified: time.Unix(0, tok.Modified),
		ID:       id,
	}, nil
}

func badCursor(err error) error {
	return &store.ValidationError{Field: "cursor", Message: fmt.Sprintf("malformed cursor: %v", err)}
}

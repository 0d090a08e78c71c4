package archive

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Cursor is an opaque pagination position over the archive listing,
// encoded as base64("finishedAtNanos|jobID").
type Cursor struct {
	FinishedAt time.Time
	JobID      string
}

// DecodeCursor parses a client-supplied cursor string. An empty string
// means "start from the newest record".
func DecodeCursor(cursorStr string) (*Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var finishedAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &finishedAt); err != nil {
		return nil, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	return &Cursor{
		FinishedAt: time.Unix(0, finishedAt),
		JobID:      parts[1],
	}, nil
}

// EncodeCursor produces the wire form of a cursor.
func EncodeCursor(cursor *Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.FinishedAt.UnixNano(), cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}

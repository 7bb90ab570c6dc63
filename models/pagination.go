package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type PageInfo struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// EncodeCompositeCursor packs a row position as base64("<created_at>|<id>").
func EncodeCompositeCursor(createdAt time.Time, id string) string {
	cursor := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

func DecodeCompositeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cursor))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor time: %w", err)
	}
	return at.UTC(), parts[1], nil
}

// JournalPageInfo describes the page that ends with the last of events.
func JournalPageInfo(events []SyncJournalEvent, limit int) PageInfo {
	if len(events) == 0 {
		return PageInfo{}
	}
	last := events[len(events)-1]
	return PageInfo{
		EndCursor:   EncodeCompositeCursor(last.CreatedAt, last.ID),
		HasNextPage: len(events) >= limit,
	}
}

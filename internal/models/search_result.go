package models

import (
	"fmt"

	"github.com/google/uuid"
)

// SearchResult is one ranked playable moment returned by a search. Constructed
// per query, never persisted.
type SearchResult struct {
	VideoID   uuid.UUID `json:"video_id"`
	Timestamp float64   `json:"timestamp"`
	Score     float64   `json:"score"`
	Rank      int       `json:"rank"`
}

// FormattedTime renders the timestamp as M:SS for display.
func (r SearchResult) FormattedTime() string {
	return fmt.Sprintf("%d:%02d", int(r.Timestamp)/60, int(r.Timestamp)%60)
}

package session

import (
	"time"

	"github.com/ent0n29/companion-voice/internal/protocol"
	"github.com/ent0n29/companion-voice/internal/store"
)

// ResponseRows fans one utterance out into one insertable row per detected
// expression. All rows share the transcript, author flag and timestamp.
// Scores are copied as received.
func ResponseRows(sessionID string, emotions []protocol.Expression, transcript string, isUser bool, at time.Time) []store.EmotionalResponse {
	if sessionID == "" || len(emotions) == 0 {
		return nil
	}
	rows := make([]store.EmotionalResponse, 0, len(emotions))
	for _, e := range emotions {
		rows = append(rows, store.EmotionalResponse{
			SessionID:    sessionID,
			EmotionName:  e.Name,
			EmotionScore: e.Score,
			Transcript:   transcript,
			IsUser:       isUser,
			CreatedAt:    at,
		})
	}
	return rows
}

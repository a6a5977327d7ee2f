package session

import (
	"testing"
	"time"

	"github.com/ent0n29/companion-voice/internal/protocol"
)

func TestResponseRowsFansOutOneRowPerExpression(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	emotions := []protocol.Expression{{Name: "JOY", Score: 0.9}, {Name: "CALM", Score: 0.3}}

	rows := ResponseRows("s1", emotions, "hello", true, at)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	for i, row := range rows {
		if row.SessionID != "s1" || row.Transcript != "hello" || !row.IsUser || !row.CreatedAt.Equal(at) {
			t.Fatalf("rows[%d] = %+v, want shared session/transcript/author/timestamp", i, row)
		}
		if row.EmotionName != emotions[i].Name || row.EmotionScore != emotions[i].Score {
			t.Fatalf("rows[%d] emotion = %s/%v, want %s/%v", i, row.EmotionName, row.EmotionScore, emotions[i].Name, emotions[i].Score)
		}
	}
}

func TestResponseRowsDoesNotClampScores(t *testing.T) {
	rows := ResponseRows("s1", []protocol.Expression{{Name: "ODD", Score: 1.7}}, "x", false, time.Now())
	if rows[0].EmotionScore != 1.7 || rows[0].IsUser {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestResponseRowsEmptyInputs(t *testing.T) {
	if rows := ResponseRows("", []protocol.Expression{{Name: "JOY"}}, "x", true, time.Now()); rows != nil {
		t.Fatalf("rows without session = %v, want nil", rows)
	}
	if rows := ResponseRows("s1", nil, "x", true, time.Now()); rows != nil {
		t.Fatalf("rows without emotions = %v, want nil", rows)
	}
}

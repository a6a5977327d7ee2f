package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion-voice/internal/protocol"
	"github.com/ent0n29/companion-voice/internal/session"
	"github.com/ent0n29/companion-voice/internal/store"
)

type peerReport struct {
	auth       string
	firstKind  int
	config     protocol.ConfigMessage
	audioSeen  bool
	closeFrame bool
	err        error
}

// newFakePeer serves one websocket conversation: it expects a config message
// followed by audio, answers with a transcript and waits for the close frame.
func newFakePeer(t *testing.T) (*httptest.Server, <-chan peerReport) {
	t.Helper()
	reports := make(chan peerReport, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := peerReport{auth: r.Header.Get("Authorization")}
		defer func() { reports <- report }()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			report.err = err
			return
		}
		defer conn.Close()

		kind, payload, err := conn.ReadMessage()
		if err != nil {
			report.err = err
			return
		}
		report.firstKind = kind
		if err := json.Unmarshal(payload, &report.config); err != nil {
			report.err = err
			return
		}

		kind, _, err = conn.ReadMessage()
		if err != nil {
			report.err = err
			return
		}
		report.audioSeen = kind == websocket.BinaryMessage

		err = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"transcript","text":"hello","emotions":[{"name":"JOY","score":0.9}]}`))
		if err != nil {
			report.err = err
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				report.closeFrame = websocket.IsCloseError(err, websocket.CloseNormalClosure)
				return
			}
		}
	}))
	return srv, reports
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv, reports := newFakePeer(t)
	defer srv.Close()

	st := store.NewInMemoryStore()
	recorder := session.NewRecorder(st, nil, nil, time.Second)
	dialer := NewWebsocketDialer(WebsocketConfig{URL: wsURL(srv), APIKey: "secret-key", DialTimeout: 2 * time.Second})
	client := NewClient(NewController(dialer, &fakeMic{}, st, recorder, nil, nil, ""), nil)

	var events eventLog
	if !client.Connect(context.Background(), "anyone", events.handle) {
		t.Fatalf("Connect() = false, want true")
	}
	sessionID := client.SessionID()
	waitFor(t, "user_message", func() bool { return len(events.snapshot()) == 1 })
	client.Cleanup(context.Background())

	var report peerReport
	select {
	case report = <-reports:
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not finish")
	}
	if report.err != nil {
		t.Fatalf("peer error = %v", report.err)
	}
	if report.auth != "Bearer secret-key" {
		t.Fatalf("Authorization = %q, want bearer key", report.auth)
	}
	if report.firstKind != websocket.TextMessage || report.config.Type != protocol.TypeConfig {
		t.Fatalf("first message kind=%d config=%+v, want text config", report.firstKind, report.config)
	}
	if report.config.Voice != store.DefaultPersonality.Voice || !report.config.EnableVAD || !report.config.EnableInterruption {
		t.Fatalf("config = %+v", report.config)
	}
	if !report.audioSeen {
		t.Fatalf("second message was not binary audio")
	}
	if !report.closeFrame {
		t.Fatalf("peer did not receive a normal close frame")
	}
	if rows := st.Responses(sessionID); len(rows) != 1 || rows[0].EmotionName != "JOY" {
		t.Fatalf("rows = %+v, want one JOY row", rows)
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dialer := NewWebsocketDialer(WebsocketConfig{URL: wsURL(srv)})
	if _, err := dialer.Dial(context.Background()); err == nil {
		t.Fatalf("Dial() error = nil, want handshake failure")
	}

	unset := NewWebsocketDialer(WebsocketConfig{})
	if _, err := unset.Dial(context.Background()); err == nil {
		t.Fatalf("Dial() with empty URL error = nil")
	}
}

func TestWebsocketDialHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dialer := NewWebsocketDialer(WebsocketConfig{URL: "ws://127.0.0.1:1/voice"})
	_, err := dialer.Dial(ctx)
	if err == nil {
		t.Fatalf("Dial() with cancelled context error = nil")
	}
}

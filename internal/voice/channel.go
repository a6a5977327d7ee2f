package voice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// Frame kinds surfaced by Channel.Read.
const (
	FrameText   = websocket.TextMessage
	FrameBinary = websocket.BinaryMessage
)

// Channel is the bidirectional message channel to the inference peer. Writes
// may be called from several goroutines; Read is called from one.
type Channel interface {
	WriteJSON(v any) error
	WriteBinary(p []byte) error
	Read() (kind int, payload []byte, err error)
	Close() error
}

// Dialer opens a Channel. Dial must honor ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// WebsocketConfig controls the websocket dialer.
type WebsocketConfig struct {
	URL          string
	APIKey       string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// WebsocketDialer dials the inference peer over a gorilla websocket.
type WebsocketDialer struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
}

func NewWebsocketDialer(cfg WebsocketConfig) *WebsocketDialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = cfg.DialTimeout
	return &WebsocketDialer{cfg: cfg, dialer: &d}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Channel, error) {
	if strings.TrimSpace(d.cfg.URL) == "" {
		return nil, errors.New("VOICE_WS_URL is not configured")
	}

	headers := http.Header{}
	if key := strings.TrimSpace(d.cfg.APIKey); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	conn, _, err := d.dialer.DialContext(dialCtx, d.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial voice websocket: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	return &wsChannel{conn: conn, writeTimeout: d.cfg.WriteTimeout}, nil
}

type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsChannel) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) WriteBinary(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (c *wsChannel) Read() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Close sends a best-effort close frame and tears the socket down. It is
// idempotent.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client cleanup"),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		c.closeErr = multierr.Append(err, c.conn.Close())
	})
	return c.closeErr
}

// isNormalClose reports whether err is an orderly shutdown of the channel.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

package voice

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ent0n29/companion-voice/internal/protocol"
)

// Client is the entry point the rest of the application talks to. Build one
// per process and pass it to whatever needs it; it can be reused across
// conversations as long as each Connect is paired with a Cleanup.
type Client struct {
	controller *Controller
	logger     *zap.Logger
}

func NewClient(controller *Controller, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{controller: controller, logger: logger}
}

// Connect starts a conversation with the given personality. Failures are
// logged and reported as false; the caller decides how to surface them and
// should still call Cleanup.
func (c *Client) Connect(ctx context.Context, personalityID string, onEvent protocol.EventHandler) bool {
	if err := c.ConnectErr(ctx, personalityID, onEvent); err != nil {
		// The controller already logged failures and cancellations.
		if errors.Is(err, ErrBusy) {
			c.logger.Warn("voice connect rejected; call Cleanup first", zap.String("state", string(c.State())))
		}
		return false
	}
	return true
}

// ConnectErr is Connect with the classified error kept for callers that map
// it to a transport status.
func (c *Client) ConnectErr(ctx context.Context, personalityID string, onEvent protocol.EventHandler) error {
	return c.controller.Connect(ctx, personalityID, onEvent)
}

// Cleanup ends the current conversation. It is safe before any Connect,
// after a failed Connect and when called repeatedly.
func (c *Client) Cleanup(ctx context.Context) {
	c.controller.Cleanup(ctx)
}

func (c *Client) State() State {
	return c.controller.State()
}

// SessionID is the id of the session being recorded, or "".
func (c *Client) SessionID() string {
	return c.controller.recorder.SessionID()
}

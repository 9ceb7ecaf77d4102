package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
)

// MatrixConfig holds the homeserver connection for operator notifications.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	Room        string `yaml:"room"`
}

// Enabled reports whether a homeserver is configured.
func (c MatrixConfig) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.Room != ""
}

const sendTimeout = 15 * time.Second

// MatrixListener posts human-request notices into an operations room.
type MatrixListener struct {
	client *mautrix.Client
	room   id.RoomID
}

// NewMatrixListener creates the listener and joins the operations room.
func NewMatrixListener(cfg MatrixConfig) (*MatrixListener, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	l := &MatrixListener{client: client, room: id.RoomID(cfg.Room)}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := client.JoinRoomByID(ctx, l.room); err != nil {
		// Not fatal: the bot may already be in the room, or the invite may
		// arrive later. Sends will fail loudly if it never joins.
		slog.Warn("failed to join operations room", "room", cfg.Room, "error", err)
	}
	return l, nil
}

// RequestCreated implements humanreq.Listener. Failures are logged, never
// propagated: notification is best effort.
func (l *MatrixListener) RequestCreated(r *humanreq.Request) {
	body := summary(r)
	if r.Description != "" {
		body += "\n" + r.Description
	}
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := l.client.SendMessageEvent(ctx, l.room, event.EventMessage, &content); err != nil {
		slog.Error("failed to send Matrix notification", "request_id", r.ID, "error", err)
	}
}

// Package notify delivers human-request notifications to operators. The log
// listener is always available; the Matrix listener pushes a notice into an
// operations room when a homeserver is configured.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
)

// LogListener writes creation notifications to the structured log. It is the
// fallback when no external channel is configured.
type LogListener struct{}

// RequestCreated implements humanreq.Listener.
func (LogListener) RequestCreated(r *humanreq.Request) {
	slog.Warn("human intervention required",
		"id", r.ID,
		"type", r.Type,
		"priority", r.Priority,
		"title", r.Title)
}

// Fanout notifies every listener in order.
type Fanout []humanreq.Listener

// RequestCreated implements humanreq.Listener.
func (f Fanout) RequestCreated(r *humanreq.Request) {
	for _, l := range f {
		l.RequestCreated(r)
	}
}

// summary renders the one-line notification body shared by all channels.
func summary(r *humanreq.Request) string {
	return fmt.Sprintf("[taicho] human request #%d (%s, priority %d): %s",
		r.ID, r.Type, r.Priority, r.Title)
}

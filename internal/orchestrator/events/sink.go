package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	sinkBuffer       = 256
	sinkWriteTimeout = 5 * time.Second
)

type pending struct {
	kind    string
	subject string
	detail  string
}

// Sink adapts the store to the fleet manager's event interface. Records are
// buffered and written by a background goroutine, so the fleet mutex never
// waits on the database. A full buffer drops the event with a warning; the
// log is an operator aid, not a ledger.
type Sink struct {
	store *Store
	ch    chan pending
	done  chan struct{}
}

// NewSink starts the background writer.
func NewSink(store *Store) *Sink {
	s := &Sink{
		store: store,
		ch:    make(chan pending, sinkBuffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues one event. Never blocks.
func (s *Sink) Record(kind, subject, detail string) {
	select {
	case s.ch <- pending{kind: kind, subject: subject, detail: detail}:
	default:
		slog.Warn("event buffer full, dropping event", "kind", kind, "subject", subject)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for p := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if err := s.store.Record(ctx, p.kind, p.subject, p.detail); err != nil {
			slog.Error("failed to persist event", "kind", p.kind, "error", err)
		}
		cancel()
	}
}

// Close flushes buffered events and stops the writer.
func (s *Sink) Close() {
	close(s.ch)
	<-s.done
}

package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/openpocket/openpocket/internal/bus"
)

// Recorder mirrors bus auth settlements into the store. Task outcomes are
// recorded directly by the gateway's completion hook, which has the full
// result; auth events only exist on the bus.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	sub    *bus.Subscription
	events *bus.Bus
	done   chan struct{}
}

// NewRecorder subscribes to auth.resolved events.
func NewRecorder(store *Store, events *bus.Bus, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, events: events, logger: logger, done: make(chan struct{})}
}

// Start consumes events until Stop.
func (r *Recorder) Start() {
	r.sub = r.events.Subscribe("auth.resolved")
	go func() {
		defer close(r.done)
		for ev := range r.sub.Ch() {
			ae, ok := ev.Payload.(bus.AuthEvent)
			if !ok {
				continue
			}
			err := r.store.RecordAuth(context.Background(), AuthDecision{
				RequestID:  ae.RequestID,
				ChatID:     ae.ChatID,
				Capability: ae.Capability,
				Status:     ae.Status,
				DecidedAt:  time.Now(),
			})
			if err != nil {
				r.logger.Warn("auth decision not recorded", "requestId", ae.RequestID, "error", err)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain.
func (r *Recorder) Stop() {
	if r.sub != nil {
		r.events.Unsubscribe(r.sub)
		<-r.done
	}
}

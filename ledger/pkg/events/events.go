// Package events delivers ledger events to sinks once the transaction that
// produced them has committed.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
)

// Emit schedules evt for publication after tx commits. Publication failures
// are logged; the ledger state they describe is already durable.
func Emit(ctx context.Context, tx kv.Tx, log *slog.Logger, sink core.EventSink, evt core.Event) {
	if sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		if err := sink.Publish(ctx, evt); err != nil {
			log.Warn("events: publish failed", "type", evt.Type, "id", evt.ID, "error", err)
		}
	})
}

// LogSink writes every event to a logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, evt core.Event) error {
	s.log.Info("event",
		"type", evt.Type,
		"id", evt.ID,
		"token", evt.Token.Hex(),
		"market", evt.Market.Hex(),
		"account", evt.Account.Hex(),
		"payload", evt.Payload,
	)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, evt core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of type typ in publication order.
func (r *Recorder) OfType(typ string) []core.Event {
	var out []core.Event
	for _, evt := range r.Events() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Multi publishes to every sink and joins their errors.
type Multi []core.EventSink

func (m Multi) Publish(ctx context.Context, evt core.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

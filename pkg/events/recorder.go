package events

import (
	"context"
	"sync"

	"github.com/aerugo/cashgame/pkg/errs"
)

// Sink persists one Event. pkg/repository's implementation is the
// concrete Sink used in production; tests can use an in-memory fake.
type Sink interface {
	AppendEvent(ctx context.Context, e Event) error
}

// Recorder is the Live half of StateProvider (spec §4.9): it assigns each
// event a monotonic sequence number, keeps an in-memory copy for
// observers of the running session, and forwards every event to a Sink
// for replay later. Safe for concurrent use — events arrive from the
// orchestrator's per-agent fan-out goroutines.
type Recorder struct {
	sessionID string
	sink      Sink

	mu       sync.Mutex
	sequence int
	events   []Event
}

// NewRecorder builds a Recorder for one session, forwarding every
// recorded event to sink.
func NewRecorder(sessionID string, sink Sink) *Recorder {
	return &Recorder{sessionID: sessionID, sink: sink}
}

// Emit assigns e a sequence number and session id, appends it to the live
// buffer, and persists it through the Sink, retrying transient write
// failures with bounded backoff (spec §7 PersistenceError). The exhausted
// error is returned to the caller rather than swallowed, since a dropped
// event would break replay identity (P7); the sequence number is assigned
// exactly once, so retries never duplicate the event in the live buffer.
func (r *Recorder) Emit(ctx context.Context, e Event) error {
	r.mu.Lock()
	r.sequence++
	e.SessionID = r.sessionID
	e.Sequence = r.sequence
	r.events = append(r.events, e)
	r.mu.Unlock()

	if r.sink == nil {
		return nil
	}
	return errs.RetryPersistence(ctx, func() error {
		return r.sink.AppendEvent(ctx, e)
	})
}

// Events returns a copy of every event recorded so far, in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
